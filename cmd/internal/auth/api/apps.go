package authapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/internal/autoauth"
	"classworks/cmd/internal/httpx"
	"classworks/cmd/security/token"
)

// DefaultAuthorizeNote labels installs created without a note.
const DefaultAuthorizeNote = "授权访问"

const (
	defaultAppsLimit = 20
	maxAppsLimit     = 100
)

func queryInt(r *http.Request, key string, def, ceiling int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	if ceiling > 0 && n > ceiling {
		return ceiling
	}
	return n
}

func (h *Handler) handleListApps(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultAppsLimit, maxAppsLimit)
	skip := queryInt(r, "skip", 0, 0)
	search := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("search")))

	apps, err := h.store.ListApps(r.Context())
	if err != nil {
		h.writeError(w, r, "apps.list.fail", err)
		return
	}
	matched := make([]appView, 0, len(apps))
	for _, a := range apps {
		if search != "" &&
			!strings.Contains(strings.ToLower(a.Name), search) &&
			!strings.Contains(strings.ToLower(a.Description), search) {
			continue
		}
		matched = append(matched, toAppView(a))
	}
	total := len(matched)
	page := matched[min(skip, total):min(skip+limit, total)]
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"apps": page, "total": total, "limit": limit, "skip": skip})
}

func (h *Handler) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.store.GetApp(r.Context(), chi.URLParam(r, "appId"))
	if err != nil {
		if identity.IsNotFound(err) {
			notFound(w, "应用不存在")
			return
		}
		h.writeError(w, r, "apps.get.fail", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppView(app))
}

// authorizeDevice loads (or, if allowed, creates) the device and checks the
// device password unless the caller's JWT owns the device.
func (h *Handler) authorizeDevice(w http.ResponseWriter, r *http.Request, uuid, passwordValue string) (identity.Device, bool) {
	ctx := r.Context()
	dev, err := h.store.GetDeviceByUUID(ctx, uuid)
	switch {
	case err == nil:
	case identity.IsNotFound(err) && h.cfg.AllowDeviceAutoCreate:
		dev, err = h.store.CreateDevice(ctx, identity.CreateDeviceInput{UUID: uuid, Now: h.now()})
		if err != nil {
			h.writeError(w, r, "apps.authorize.fail", err)
			return identity.Device{}, false
		}
		h.deviceRegistered()
		h.log.Info("apps.device.autocreate", "device_uuid", uuid)
	case identity.IsNotFound(err):
		httpx.WriteError(w, http.StatusNotFound, resolve.CodeDeviceNotFound, "设备不存在")
		return identity.Device{}, false
	default:
		h.writeError(w, r, "apps.authorize.fail", err)
		return identity.Device{}, false
	}

	if raw := resolve.BearerToken(r); raw != "" {
		if p, err := h.resolver.ResolveAccount(ctx, raw); err == nil && dev.BoundTo(p.Account.ID) {
			return dev, true
		}
	}
	if !dev.HasPassword() {
		return dev, true
	}
	if passwordValue == "" {
		resolve.WriteError(w, resolve.NewError(http.StatusUnauthorized, resolve.CodePasswordRequired, "设备需要密码"))
		return identity.Device{}, false
	}
	ok, err := h.passwords.Verify(*dev.PasswordHash, passwordValue)
	if err != nil || !ok {
		resolve.WriteError(w, resolve.NewError(http.StatusUnauthorized, resolve.CodePasswordInvalid, "设备密码错误"))
		return identity.Device{}, false
	}
	return dev, true
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	var req authorizeRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	uuid := identity.NormalizeDeviceUUID(req.DeviceUUID)
	if uuid == "" {
		uuid = resolve.DeviceUUID(r)
	}
	if uuid == "" {
		resolve.WriteError(w, resolve.NewError(http.StatusBadRequest, resolve.CodeDeviceUUIDRequired, "缺少设备UUID"))
		return
	}
	secret := req.Password
	if secret == "" {
		secret = resolve.DevicePassword(r)
	}

	dev, ok := h.authorizeDevice(w, r, uuid, secret)
	if !ok {
		return
	}
	app, err := h.store.GetApp(r.Context(), appID)
	if err != nil {
		if identity.IsNotFound(err) {
			notFound(w, "应用不存在")
			return
		}
		h.writeError(w, r, "apps.authorize.fail", err)
		return
	}

	now := h.now()
	tok, err := token.NewInstallToken(app.ID, dev.UUID, strconv.FormatInt(now.UnixMilli(), 10))
	if err != nil {
		h.writeError(w, r, "apps.authorize.fail", err)
		return
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = DefaultAuthorizeNote
	}
	inst, err := h.store.CreateAppInstall(r.Context(), identity.CreateAppInstallInput{
		DeviceID:    dev.ID,
		AppID:       app.ID,
		Token:       tok,
		Note:        note,
		Permissions: identity.Permissions{Read: true, Write: true},
		Now:         now,
	})
	if err != nil {
		h.writeError(w, r, "apps.authorize.fail", err)
		return
	}

	h.audit(r, "apps.authorize", "app_id", app.ID, "device_uuid", dev.UUID, "token_fp", token.Fingerprint(tok))
	httpx.WriteJSON(w, http.StatusOK, toAuthorizeResponse(inst, app, dev))
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	id, _ := resolve.IdentityFrom(r.Context())
	dev := id.Device

	insts, err := h.store.ListAppInstallsByDevice(r.Context(), dev.ID)
	if err != nil {
		h.writeError(w, r, "apps.tokens.fail", err)
		return
	}
	apps := make(map[string]identity.App)
	out := make([]installView, 0, len(insts))
	for _, inst := range insts {
		app, ok := apps[inst.AppID]
		if !ok {
			app, err = h.store.GetApp(r.Context(), inst.AppID)
			if err != nil && !identity.IsNotFound(err) {
				h.writeError(w, r, "apps.tokens.fail", err)
				return
			}
			if err != nil {
				app = identity.App{ID: inst.AppID}
			}
			apps[inst.AppID] = app
		}
		out = append(out, toInstallView(inst, app))
	}
	httpx.WriteJSON(w, http.StatusOK, tokensResponse{DeviceUUID: dev.UUID, DeviceName: dev.Name, Tokens: out, Total: len(out)})
}

// handleRevokeToken treats knowledge of the token as the capability to revoke it.
func (h *Handler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimSpace(chi.URLParam(r, "token"))
	if err := h.store.DeleteAppInstallByToken(r.Context(), tok); err != nil {
		if identity.IsNotFound(err) {
			notFound(w, "Token不存在")
			return
		}
		h.writeError(w, r, "apps.revoke.fail", err)
		return
	}
	h.audit(r, "apps.token.revoke", "token_fp", token.Fingerprint(tok))
	w.WriteHeader(http.StatusNoContent)
}

// handleAutoAuthToken issues a token by auto-auth rule. Failures spend the
// auth rate-limit class.
func (h *Handler) handleAutoAuthToken(w http.ResponseWriter, r *http.Request) {
	var req autoTokenRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	if strings.TrimSpace(req.Namespace) == "" && strings.TrimSpace(req.UUID) == "" {
		badRequest(w, "请提供 namespace 或 uuid")
		return
	}
	if strings.TrimSpace(req.AppID) == "" {
		badRequest(w, "请提供 appId")
		return
	}

	out, err := h.autoauth.IssueToken(r.Context(), autoauth.IssueInput{
		Namespace: req.Namespace,
		UUID:      req.UUID,
		Password:  req.Password,
		AppID:     req.AppID,
		Note:      req.Note,
	})
	if err != nil {
		h.audit(r, "autoauth.token.fail", "namespace", req.Namespace, "uuid", req.UUID, "err", err)
		h.writeError(w, r, "autoauth.token.fail", err)
		return
	}
	h.audit(r, "autoauth.token.issue", "device_uuid", out.Device.UUID, "app_id", out.App.ID, "token_fp", token.Fingerprint(out.Install.Token))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   out.Install.Token,
		"device": map[string]any{
			"uuid":      out.Device.UUID,
			"name":      out.Device.Name,
			"namespace": out.Device.Namespace,
		},
		"appId":       out.App.ID,
		"appName":     out.App.Name,
		"deviceType":  out.Install.DeviceType,
		"isReadOnly":  out.Install.IsReadOnly,
		"note":        out.Install.Note,
		"installedAt": out.Install.InstalledAt,
	})
}
