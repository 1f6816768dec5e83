package resolve

import (
	"context"
	"time"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/codec"
	"classworks/cmd/internal/auth/permission"
)

// DevicePrincipal is a caller authenticated by an app-install token.
type DevicePrincipal struct {
	Token   string
	Install identity.AppInstall
	Device  identity.Device
	App     identity.App
	Filter  permission.Filter
}

// AccountPrincipal is a caller authenticated by an account JWT.
type AccountPrincipal struct {
	Account identity.Account
	Claims  codec.Claims

	// Legacy marks tokens accepted by the pre-versioning verifier.
	Legacy bool

	RenewedToken string
	RenewedExp   time.Time
}

// DeviceIdentity is a caller authorized for one device by UUID, optionally
// backed by a device password or the owning account's JWT.
type DeviceIdentity struct {
	Device         identity.Device
	Account        *identity.Account
	IsAccountOwner bool
}

type ctxKey int

const (
	deviceKey ctxKey = iota
	accountKey
	identityKey
)

// WithDevice stores p in ctx.
func WithDevice(ctx context.Context, p DevicePrincipal) context.Context {
	return context.WithValue(ctx, deviceKey, p)
}

// DeviceFrom returns the device principal set by RequireDeviceToken.
func DeviceFrom(ctx context.Context) (DevicePrincipal, bool) {
	p, ok := ctx.Value(deviceKey).(DevicePrincipal)
	return p, ok
}

// TokenFrom returns the app token of the device principal, if any.
func TokenFrom(ctx context.Context) string {
	p, _ := DeviceFrom(ctx)
	return p.Token
}

// WithAccount stores p in ctx.
func WithAccount(ctx context.Context, p AccountPrincipal) context.Context {
	return context.WithValue(ctx, accountKey, p)
}

// AccountFrom returns the account principal set by RequireAccount.
func AccountFrom(ctx context.Context) (AccountPrincipal, bool) {
	p, ok := ctx.Value(accountKey).(AccountPrincipal)
	return p, ok
}

// WithIdentity stores d in ctx.
func WithIdentity(ctx context.Context, d DeviceIdentity) context.Context {
	return context.WithValue(ctx, identityKey, d)
}

// IdentityFrom returns the device identity set by RequireDeviceIdentity.
func IdentityFrom(ctx context.Context) (DeviceIdentity, bool) {
	d, ok := ctx.Value(identityKey).(DeviceIdentity)
	return d, ok
}
