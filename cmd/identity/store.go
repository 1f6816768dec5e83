package identity

import (
	"context"
	"time"
)

// Account is an end-user identity bound to an external provider subject.
// RefreshTokenHash is the server-side hash of the single live refresh token;
// the plain token is never stored.
type Account struct {
	ID         string
	Provider   string
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string

	// TokenVersion starts at 1 and only grows. Bumping it invalidates every
	// access and refresh token minted before the bump.
	TokenVersion int

	RefreshTokenHash   *string
	RefreshTokenExpiry *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Device is a physical or logical client keyed by a client-chosen UUID.
type Device struct {
	ID   string
	UUID string
	Name string

	// Namespace is an optional human-editable alias, unique across devices.
	Namespace *string

	PasswordHash *string
	PasswordHint *string

	AccountID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword reports whether a device secret is configured.
func (d Device) HasPassword() bool { return d.PasswordHash != nil && *d.PasswordHash != "" }

// BoundTo reports whether the device is bound to accountID.
func (d Device) BoundTo(accountID string) bool {
	return d.AccountID != nil && accountID != "" && *d.AccountID == accountID
}

// App is an application that can be installed onto devices.
// An empty PermissionPrefix marks a first-party app with an unrestricted key space.
type App struct {
	ID               string
	Name             string
	Description      string
	PermissionPrefix string
	CreatedAt        time.Time
}

// Permissions are the coarse data-plane grants of an install.
type Permissions struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// AppInstall is the bearer capability binding a device to an app.
// Token is an opaque random value used as a direct lookup key.
type AppInstall struct {
	ID       string
	DeviceID string
	AppID    string
	Token    string

	IsReadOnly bool
	DeviceType string
	Note       string

	Permissions        Permissions
	SpecialPermissions []string

	InstalledAt time.Time
	UpdatedAt   time.Time
}

// CanRead reports whether the install grants data-plane reads.
func (i AppInstall) CanRead() bool { return i.Permissions.Read }

// CanWrite reports whether the install grants data-plane writes.
func (i AppInstall) CanWrite() bool { return i.Permissions.Write && !i.IsReadOnly }

// AutoAuth is a device-scoped rule allowing unattended token issuance by password match.
// A nil PasswordHash means "no password required".
type AutoAuth struct {
	ID           string
	DeviceID     string
	PasswordHash *string
	DeviceType   string
	IsReadOnly   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Device role tags carried by installs and auto-auth rules.
const (
	DeviceTypeTeacher   = "teacher"
	DeviceTypeStudent   = "student"
	DeviceTypeClassroom = "classroom"
	DeviceTypeParent    = "parent"
)

// ValidDeviceType reports whether s is empty or one of the known role tags.
func ValidDeviceType(s string) bool {
	switch s {
	case "", DeviceTypeTeacher, DeviceTypeStudent, DeviceTypeClassroom, DeviceTypeParent:
		return true
	default:
		return false
	}
}

// UpsertAccountInput carries a normalized provider profile.
type UpsertAccountInput struct {
	Provider   string
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
	Now        time.Time
}

// CreateDeviceInput registers a device.
type CreateDeviceInput struct {
	UUID string
	Name string
	Now  time.Time
}

// CreateAppInstallInput creates an install. Token must be pre-generated by the caller.
type CreateAppInstallInput struct {
	DeviceID           string
	AppID              string
	Token              string
	IsReadOnly         bool
	DeviceType         string
	Note               string
	Permissions        Permissions
	SpecialPermissions []string
	Now                time.Time
}

// CreateAutoAuthInput creates an auto-auth rule.
type CreateAutoAuthInput struct {
	DeviceID     string
	PasswordHash *string
	DeviceType   string
	IsReadOnly   bool
	Now          time.Time
}

// AccountStore persists accounts and their refresh-token slot.
type AccountStore interface {
	// GetAccount returns ErrNotFound when the account does not exist.
	GetAccount(ctx context.Context, id string) (Account, error)

	// UpsertOAuthAccount creates or refreshes the account keyed by (provider, providerId).
	UpsertOAuthAccount(ctx context.Context, in UpsertAccountInput) (Account, error)

	// SetRefreshToken overwrites the single refresh-token slot.
	SetRefreshToken(ctx context.Context, accountID, hash string, expiresAt, now time.Time) error

	// ClearRefreshToken empties the slot.
	ClearRefreshToken(ctx context.Context, accountID string, now time.Time) error

	// BumpTokenVersion increments the version, clears the refresh slot and
	// returns the new version.
	BumpTokenVersion(ctx context.Context, accountID string, now time.Time) (int, error)
}

// DeviceStore persists devices.
type DeviceStore interface {
	CreateDevice(ctx context.Context, in CreateDeviceInput) (Device, error)
	GetDeviceByID(ctx context.Context, id string) (Device, error)
	GetDeviceByUUID(ctx context.Context, uuid string) (Device, error)
	GetDeviceByNamespace(ctx context.Context, namespace string) (Device, error)
	ListDevicesByAccount(ctx context.Context, accountID string) ([]Device, error)
	CountDevices(ctx context.Context) (int, error)

	RenameDevice(ctx context.Context, id, name string, now time.Time) (Device, error)

	// SetDeviceNamespace returns a ConflictError{Field: "namespace"} when another device owns it.
	SetDeviceNamespace(ctx context.Context, id, namespace string, now time.Time) (Device, error)

	// SetDevicePassword replaces both hash and hint. nil clears.
	SetDevicePassword(ctx context.Context, id string, hash, hint *string, now time.Time) (Device, error)
	SetDevicePasswordHint(ctx context.Context, id string, hint *string, now time.Time) (Device, error)

	// SetDeviceAccount binds (accountID != nil) or unbinds the device.
	SetDeviceAccount(ctx context.Context, id string, accountID *string, now time.Time) (Device, error)
}

// AppStore persists the app catalogue.
type AppStore interface {
	CreateApp(ctx context.Context, app App) (App, error)
	GetApp(ctx context.Context, id string) (App, error)
	ListApps(ctx context.Context) ([]App, error)
}

// InstallStore persists app installs.
type InstallStore interface {
	CreateAppInstall(ctx context.Context, in CreateAppInstallInput) (AppInstall, error)
	GetAppInstallByToken(ctx context.Context, token string) (AppInstall, error)
	ListAppInstallsByDevice(ctx context.Context, deviceID string) ([]AppInstall, error)
	DeleteAppInstallByToken(ctx context.Context, token string) error
}

// AutoAuthStore persists auto-auth rules.
type AutoAuthStore interface {
	ListAutoAuth(ctx context.Context, deviceID string) ([]AutoAuth, error)
	GetAutoAuth(ctx context.Context, id string) (AutoAuth, error)
	CreateAutoAuth(ctx context.Context, in CreateAutoAuthInput) (AutoAuth, error)

	// UpdateAutoAuth replaces PasswordHash, DeviceType and IsReadOnly of an existing rule.
	UpdateAutoAuth(ctx context.Context, rule AutoAuth, now time.Time) (AutoAuth, error)
	DeleteAutoAuth(ctx context.Context, id string) error
}

// Store is the full persistence boundary.
type Store interface {
	AccountStore
	DeviceStore
	AppStore
	InstallStore
	AutoAuthStore
}
