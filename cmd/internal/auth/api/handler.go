// Package authapi serves the account, device, app and device-code HTTP routes.
package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/devicecode"
	"classworks/cmd/internal/auth/oauth"
	"classworks/cmd/internal/auth/ratelimit"
	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/internal/auth/session"
	"classworks/cmd/internal/autoauth"
	"classworks/cmd/internal/realtime"
)

// Passwords validates, hashes and verifies device secrets. password.Config
// satisfies it.
type Passwords interface {
	Validate(password string) error
	Hash(password string) (string, error)
	Verify(encodedHash, password string) (bool, error)
}

// OnlineLister reports live realtime rooms.
type OnlineLister interface {
	OnlineDevices() []realtime.OnlineDevice
}

// Deps are the collaborators every route needs.
type Deps struct {
	Store       identity.Store
	Resolver    *resolve.Resolver
	Sessions    *session.Service
	DeviceCodes *devicecode.Store
	OAuth       *oauth.Flow
	AutoAuth    *autoauth.Service
	Passwords   Passwords
	Limits      *ratelimit.Set
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("authapi: nil store")
	case d.Resolver == nil:
		return errors.New("authapi: nil resolver")
	case d.Sessions == nil:
		return errors.New("authapi: nil session service")
	case d.DeviceCodes == nil:
		return errors.New("authapi: nil device code store")
	case d.OAuth == nil:
		return errors.New("authapi: nil oauth flow")
	case d.AutoAuth == nil:
		return errors.New("authapi: nil auto-auth service")
	case d.Passwords == nil:
		return errors.New("authapi: nil password hasher")
	case d.Limits == nil:
		return errors.New("authapi: nil rate limits")
	}
	return nil
}

// Handler wires HTTP routes to the identity, session and device-code services.
type Handler struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	store     identity.Store
	resolver  *resolve.Resolver
	sessions  *session.Service
	codes     *devicecode.Store
	oauth     *oauth.Flow
	autoauth  *autoauth.Service
	passwords Passwords
	limits    *ratelimit.Set

	presence           OnlineLister
	onDeviceRegistered func()
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithPresence enables GET /devices/online.
func WithPresence(p OnlineLister) HandlerOption {
	return func(h *Handler) { h.presence = p }
}

// WithOnDeviceRegistered runs fn after every successful device registration,
// including devices created on first authorize.
func WithOnDeviceRegistered(fn func()) HandlerOption {
	return func(h *Handler) { h.onDeviceRegistered = fn }
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, deps Deps, opts ...HandlerOption) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	h := &Handler{
		cfg:       cfg,
		log:       slog.Default(),
		now:       time.Now,
		store:     deps.Store,
		resolver:  deps.Resolver,
		sessions:  deps.Sessions,
		codes:     deps.DeviceCodes,
		oauth:     deps.OAuth,
		autoauth:  deps.AutoAuth,
		passwords: deps.Passwords,
		limits:    deps.Limits,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes returns the router for every auth-facing route. Credential-guessing
// routes spend the auth rate-limit class before they authenticate.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	rv := h.resolver
	guard := h.limits.Auth.Middleware(ratelimit.ByIP(h.cfg.TrustProxy))

	r.Route("/auth/device", func(r chi.Router) {
		r.Post("/code", h.handleDeviceCodeCreate)
		r.Post("/bind", h.handleDeviceCodeBind)
		r.Get("/token", h.handleDeviceCodeToken)
		r.Get("/status", h.handleDeviceCodeStatus)
	})

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/oauth/providers", h.handleOAuthProviders)
		r.Get("/oauth/{provider}", h.handleOAuthStart)
		r.Get("/oauth/{provider}/callback", h.handleOAuthCallback)
		r.With(guard).Post("/refresh", h.handleRefresh)
		r.Get("/device/{uuid}/account", h.handleDeviceAccount)

		r.Group(func(r chi.Router) {
			r.Use(rv.RequireAccount)
			r.Post("/logout", h.handleLogout)
			r.Post("/logout-all", h.handleLogoutAll)
			r.Get("/profile", h.handleProfile)
			r.Get("/devices", h.handleAccountDevices)
			r.Post("/devices/bind", h.handleBindDevice)
			r.Post("/devices/unbind", h.handleUnbindDevices)
		})
	})

	r.Route("/devices", func(r chi.Router) {
		r.Post("/", h.handleRegisterDevice)
		r.Get("/online", h.handleOnlineDevices)
		r.Get("/{uuid}", h.handleGetDevice)
		r.Post("/{uuid}/password", h.handleSetFirstPassword)
		r.Get("/{uuid}/password-hint", h.handleGetPasswordHint)

		r.Group(func(r chi.Router) {
			r.Use(guard, rv.RequireDeviceIdentity)
			r.Put("/{uuid}/name", h.handleRenameDevice)
			r.Put("/{uuid}/password", h.handleChangePassword)
			r.Delete("/{uuid}/password", h.handleDeletePassword)
			r.Put("/{uuid}/password-hint", h.handleSetPasswordHint)
		})
	})

	r.Route("/apps", func(r chi.Router) {
		r.Get("/", h.handleListApps)
		r.With(guard).Post("/auth/token", h.handleAutoAuthToken)
		r.With(guard, rv.RequireDeviceIdentity).Get("/devices/{uuid}/tokens", h.handleListTokens)
		r.Delete("/tokens/{token}", h.handleRevokeToken)
		r.Get("/{appId}", h.handleGetApp)
		r.With(guard).Post("/{appId}/authorize", h.handleAuthorize)
	})

	r.Route("/auto-auth/devices/{uuid}", func(r chi.Router) {
		r.Use(rv.RequireAccount)
		r.Get("/auth-configs", h.handleListRules)
		r.Post("/auth-configs", h.handleCreateRule)
		r.Put("/auth-configs/{configId}", h.handleUpdateRule)
		r.Delete("/auth-configs/{configId}", h.handleDeleteRule)
		r.Put("/namespace", h.handleSetNamespace)
	})

	return r
}

func (h *Handler) account(r *http.Request) (identity.Account, bool) {
	p, ok := resolve.AccountFrom(r.Context())
	return p.Account, ok
}
