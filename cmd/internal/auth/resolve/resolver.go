// Package resolve authenticates requests and puts the resulting principal in
// the request context.
//
// Three strategies are exposed as chi middlewares:
//   - RequireDeviceToken: an app-install token resolves to AppInstall, Device and App.
//   - RequireAccount: an account JWT, checked by an ordered verifier chain.
//   - RequireDeviceIdentity: a device UUID, plus the owning account's JWT or
//     the device password when the device has one.
//
// Credentials are read from, in order: Authorization: Bearer, X-App-Token,
// query parameters, JSON body fields.
package resolve

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/permission"
	"classworks/cmd/internal/httpx"
	"classworks/cmd/security/token"
)

// RenewHeader carries a replacement access token when the presented one is
// close to expiry.
const RenewHeader = "X-New-Access-Token"

// Store is the persistence the resolver reads.
type Store interface {
	GetAppInstallByToken(ctx context.Context, token string) (identity.AppInstall, error)
	GetDeviceByID(ctx context.Context, id string) (identity.Device, error)
	GetDeviceByUUID(ctx context.Context, uuid string) (identity.Device, error)
	GetApp(ctx context.Context, id string) (identity.App, error)
}

// PasswordVerifier checks a device secret against its stored hash.
type PasswordVerifier interface {
	Verify(encodedHash, password string) (bool, error)
}

// Resolver runs the authentication strategies.
type Resolver struct {
	store     Store
	accounts  Chain
	passwords PasswordVerifier
	log       *slog.Logger
	onFailure func(strategy, code string)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithOnFailure registers a callback run for every rejected request.
func WithOnFailure(fn func(strategy, code string)) Option {
	return func(r *Resolver) { r.onFailure = fn }
}

// New constructs a Resolver.
func New(store Store, accounts Chain, passwords PasswordVerifier, opts ...Option) *Resolver {
	r := &Resolver{store: store, accounts: accounts, passwords: passwords, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ResolveDeviceToken maps an app token to its install, device and app.
func (rv *Resolver) ResolveDeviceToken(ctx context.Context, tok string) (DevicePrincipal, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return DevicePrincipal{}, errTokenMissing
	}
	inst, err := rv.store.GetAppInstallByToken(ctx, tok)
	if err != nil {
		if identity.IsNotFound(err) {
			return DevicePrincipal{}, errTokenInvalid
		}
		return DevicePrincipal{}, errInternal.withCause(err)
	}
	dev, err := rv.store.GetDeviceByID(ctx, inst.DeviceID)
	if err != nil {
		if identity.IsNotFound(err) {
			return DevicePrincipal{}, errTokenInvalid
		}
		return DevicePrincipal{}, errInternal.withCause(err)
	}
	app, err := rv.store.GetApp(ctx, inst.AppID)
	if err != nil {
		if identity.IsNotFound(err) {
			return DevicePrincipal{}, errTokenInvalid
		}
		return DevicePrincipal{}, errInternal.withCause(err)
	}
	return DevicePrincipal{
		Token:   tok,
		Install: inst,
		Device:  dev,
		App:     app,
		Filter:  permission.ForInstall(app, inst),
	}, nil
}

// ResolveAccount runs the verifier chain over a raw JWT.
func (rv *Resolver) ResolveAccount(ctx context.Context, raw string) (AccountPrincipal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AccountPrincipal{}, errJWTMissing
	}
	return rv.accounts.Verify(ctx, raw)
}

// RequireDeviceToken authenticates by app token. When the route has a
// {namespace} parameter it must name the token's device by uuid or namespace alias.
func (rv *Resolver) RequireDeviceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := DeviceToken(r)
		p, err := rv.ResolveDeviceToken(r.Context(), tok)
		if err != nil {
			rv.fail(w, r, "device_token", tok, err)
			return
		}
		if ns := chi.URLParam(r, "namespace"); ns != "" && !matchesNamespace(p.Device, ns) {
			rv.fail(w, r, "device_token", tok, errNamespace)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), p)))
	})
}

// RequireRead must run after RequireDeviceToken.
func (rv *Resolver) RequireRead(next http.Handler) http.Handler {
	return rv.requireGrant(next, "read", func(i identity.AppInstall) bool { return i.CanRead() }, errReadDenied)
}

// RequireWrite must run after RequireDeviceToken. Read-only installs never pass.
func (rv *Resolver) RequireWrite(next http.Handler) http.Handler {
	return rv.requireGrant(next, "write", func(i identity.AppInstall) bool { return i.CanWrite() }, errWriteDenied)
}

func (rv *Resolver) requireGrant(next http.Handler, name string, ok func(identity.AppInstall) bool, denied *Error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, found := DeviceFrom(r.Context())
		if !found {
			rv.fail(w, r, name, "", errTokenMissing)
			return
		}
		if !ok(p.Install) {
			rv.fail(w, r, name, p.Token, denied)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAccount authenticates by account JWT in the Authorization header.
// A renewed access token is returned in RenewHeader.
func (rv *Resolver) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := BearerToken(r)
		p, err := rv.ResolveAccount(r.Context(), raw)
		if err != nil {
			rv.fail(w, r, "account", raw, err)
			return
		}
		setRenewed(w, p)
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), p)))
	})
}

// RequireDeviceIdentity authorizes access to one device by UUID.
//
// With a bearer JWT the device must be bound to that account. Otherwise a
// device with a password needs it in X-Device-Password or the password /
// currentPassword query parameter. Devices without a password accept the
// UUID alone.
func (rv *Resolver) RequireDeviceIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uuid := DeviceUUID(r)
		if uuid == "" {
			rv.fail(w, r, "device_identity", "", errUUIDRequired)
			return
		}
		dev, err := rv.store.GetDeviceByUUID(r.Context(), uuid)
		if err != nil {
			if identity.IsNotFound(err) {
				rv.fail(w, r, "device_identity", "", errDeviceNotFound)
				return
			}
			rv.fail(w, r, "device_identity", "", errInternal.withCause(err))
			return
		}

		if raw := BearerToken(r); raw != "" {
			p, err := rv.ResolveAccount(r.Context(), raw)
			if err != nil {
				rv.fail(w, r, "device_identity", raw, err)
				return
			}
			if !dev.BoundTo(p.Account.ID) {
				rv.fail(w, r, "device_identity", raw, errDeviceNotBound)
				return
			}
			setRenewed(w, p)
			ctx := WithAccount(r.Context(), p)
			acc := p.Account
			ctx = WithIdentity(ctx, DeviceIdentity{Device: dev, Account: &acc, IsAccountOwner: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if dev.HasPassword() {
			secret := DevicePassword(r)
			if secret == "" {
				rv.fail(w, r, "device_identity", "", errPasswordRequired)
				return
			}
			ok, err := rv.passwords.Verify(*dev.PasswordHash, secret)
			if err != nil || !ok {
				rv.fail(w, r, "device_identity", "", errPasswordInvalid.withCause(err))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), DeviceIdentity{Device: dev})))
	})
}

func (rv *Resolver) fail(w http.ResponseWriter, r *http.Request, strategy, credential string, err error) {
	e, ok := AsError(err)
	if !ok {
		e = errInternal.withCause(err)
	}
	attrs := []any{"strategy", strategy, "code", e.Code, "path", r.URL.Path}
	if credential != "" {
		attrs = append(attrs, "credential_fp", token.Fingerprint(credential))
	}
	if e.Cause != nil {
		attrs = append(attrs, "err", e.Cause)
	}
	if e.Status >= http.StatusInternalServerError {
		rv.log.Error("auth.resolve.fail", attrs...)
	} else {
		rv.log.Warn("auth.resolve.fail", attrs...)
	}
	if rv.onFailure != nil {
		rv.onFailure(strategy, e.Code)
	}
	WriteError(w, e)
}

func setRenewed(w http.ResponseWriter, p AccountPrincipal) {
	if p.RenewedToken != "" {
		w.Header().Set(RenewHeader, p.RenewedToken)
		w.Header().Add("Access-Control-Expose-Headers", RenewHeader)
	}
}

func matchesNamespace(d identity.Device, ns string) bool {
	if d.UUID == ns {
		return true
	}
	return d.Namespace != nil && *d.Namespace == ns
}

// BearerToken returns the Authorization: Bearer credential.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// DeviceToken extracts an app token: Bearer, X-App-Token, query token or
// apptoken, then body token or apptoken.
func DeviceToken(r *http.Request) string {
	if t := BearerToken(r); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.Header.Get("X-App-Token")); t != "" {
		return t
	}
	q := r.URL.Query()
	for _, k := range []string{"token", "apptoken"} {
		if t := strings.TrimSpace(q.Get(k)); t != "" {
			return t
		}
	}
	if hasBody(r) {
		return strings.TrimSpace(httpx.BodyString(r, "token", "apptoken"))
	}
	return ""
}

// DeviceUUID extracts a device UUID: X-Device-UUID, query uuid, route
// {uuid}/{deviceUuid}, then body uuid or deviceUuid.
func DeviceUUID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Device-UUID")); v != "" {
		return identity.NormalizeDeviceUUID(v)
	}
	if v := strings.TrimSpace(r.URL.Query().Get("uuid")); v != "" {
		return identity.NormalizeDeviceUUID(v)
	}
	for _, k := range []string{"uuid", "deviceUuid"} {
		if v := strings.TrimSpace(chi.URLParam(r, k)); v != "" {
			return identity.NormalizeDeviceUUID(v)
		}
	}
	if hasBody(r) {
		return identity.NormalizeDeviceUUID(httpx.BodyString(r, "uuid", "deviceUuid"))
	}
	return ""
}

// DevicePassword extracts a device secret: X-Device-Password, then query
// password or currentPassword.
func DevicePassword(r *http.Request) string {
	if v := r.Header.Get("X-Device-Password"); v != "" {
		return v
	}
	q := r.URL.Query()
	if v := q.Get("password"); v != "" {
		return v
	}
	return q.Get("currentPassword")
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.Method != http.MethodGet && r.Method != http.MethodHead
}
