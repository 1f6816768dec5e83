package authapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/internal/httpx"
)

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	id := identity.NormalizeDeviceUUID(req.UUID)
	name := strings.TrimSpace(req.DeviceName)
	if id == "" {
		badRequest(w, "设备UUID是必需的")
		return
	}
	if name == "" {
		badRequest(w, "设备名称是必需的")
		return
	}
	if h.cfg.StrictDeviceUUID {
		if _, err := uuid.Parse(id); err != nil {
			badRequest(w, "设备UUID格式无效")
			return
		}
	}

	dev, err := h.store.CreateDevice(r.Context(), identity.CreateDeviceInput{UUID: id, Name: name, Now: h.now()})
	if err != nil {
		if identity.IsConflict(err) {
			httpx.WriteError(w, http.StatusConflict, CodeConflict, "设备UUID已存在")
			return
		}
		h.writeError(w, r, "devices.register.fail", err)
		return
	}
	h.deviceRegistered()
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"device":  map[string]any{"id": dev.ID, "uuid": dev.UUID, "name": dev.Name, "createdAt": dev.CreatedAt},
	})
}

func (h *Handler) deviceRegistered() {
	if h.onDeviceRegistered != nil {
		h.onDeviceRegistered()
	}
}

// loadDevice fetches the {uuid} route device and answers 404 itself.
func (h *Handler) loadDevice(w http.ResponseWriter, r *http.Request, event string) (identity.Device, bool) {
	dev, err := h.store.GetDeviceByUUID(r.Context(), identity.NormalizeDeviceUUID(chi.URLParam(r, "uuid")))
	if err != nil {
		if identity.IsNotFound(err) {
			httpx.WriteError(w, http.StatusNotFound, resolve.CodeDeviceNotFound, "设备不存在")
			return identity.Device{}, false
		}
		h.writeError(w, r, event, err)
		return identity.Device{}, false
	}
	return dev, true
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.loadDevice(w, r, "devices.get.fail")
	if !ok {
		return
	}
	var owner *identity.Account
	if dev.AccountID != nil {
		acc, err := h.store.GetAccount(r.Context(), *dev.AccountID)
		switch {
		case err == nil:
			owner = &acc
		case !identity.IsNotFound(err):
			h.writeError(w, r, "devices.get.fail", err)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, toDeviceView(dev, owner))
}

func (h *Handler) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := resolve.IdentityFrom(r.Context())
	var req renameRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		badRequest(w, "设备名称是必需的")
		return
	}
	dev, err := h.store.RenameDevice(r.Context(), id.Device.ID, name, h.now())
	if err != nil {
		h.writeError(w, r, "devices.rename.fail", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device": map[string]any{
			"id":           dev.ID,
			"uuid":         dev.UUID,
			"name":         dev.Name,
			"hasPassword":  dev.HasPassword(),
			"passwordHint": dev.PasswordHint,
		},
	})
}

// newPassword reads newPassword from the query string, then the JSON body.
func newPassword(r *http.Request) string {
	if v := r.URL.Query().Get("newPassword"); v != "" {
		return v
	}
	return httpx.BodyString(r, "newPassword")
}

func (h *Handler) hashNew(w http.ResponseWriter, r *http.Request, plain, event string) (string, bool) {
	if err := h.passwords.Validate(plain); err != nil {
		h.writeError(w, r, event, err)
		return "", false
	}
	hash, err := h.passwords.Hash(plain)
	if err != nil {
		h.writeError(w, r, event, err)
		return "", false
	}
	return hash, true
}

// handleSetFirstPassword needs no credentials and only works while the
// device has no password.
func (h *Handler) handleSetFirstPassword(w http.ResponseWriter, r *http.Request) {
	plain := newPassword(r)
	if plain == "" {
		badRequest(w, "新密码是必需的")
		return
	}
	dev, ok := h.loadDevice(w, r, "devices.password.set.fail")
	if !ok {
		return
	}
	if dev.HasPassword() {
		httpx.WriteError(w, http.StatusForbidden, CodeForbidden, "设备已设置密码，请使用修改密码接口")
		return
	}
	hash, ok := h.hashNew(w, r, plain, "devices.password.set.fail")
	if !ok {
		return
	}
	if _, err := h.store.SetDevicePassword(r.Context(), dev.ID, &hash, dev.PasswordHint, h.now()); err != nil {
		h.writeError(w, r, "devices.password.set.fail", err)
		return
	}
	h.audit(r, "devices.password.set", "device_uuid", dev.UUID)
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "密码设置成功"})
}

// handleChangePassword runs behind RequireDeviceIdentity, which has already
// checked the current password for callers that are not the owner.
func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := resolve.IdentityFrom(r.Context())
	dev := id.Device

	plain := newPassword(r)
	if plain == "" {
		badRequest(w, "新密码是必需的")
		return
	}
	if !id.IsAccountOwner && !dev.HasPassword() {
		badRequest(w, "设备未设置密码，请使用设置密码接口")
		return
	}

	hint := dev.PasswordHint
	if v := r.URL.Query().Get("passwordHint"); v != "" {
		hint = &v
	} else if v := httpx.BodyString(r, "passwordHint"); v != "" {
		hint = &v
	}

	hash, ok := h.hashNew(w, r, plain, "devices.password.change.fail")
	if !ok {
		return
	}
	if _, err := h.store.SetDevicePassword(r.Context(), dev.ID, &hash, hint, h.now()); err != nil {
		h.writeError(w, r, "devices.password.change.fail", err)
		return
	}
	h.audit(r, "devices.password.change", "device_uuid", dev.UUID, "owner", id.IsAccountOwner)
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "密码修改成功"})
}

func (h *Handler) handleDeletePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := resolve.IdentityFrom(r.Context())
	dev := id.Device
	if !dev.HasPassword() {
		badRequest(w, "设备未设置密码")
		return
	}
	if _, err := h.store.SetDevicePassword(r.Context(), dev.ID, nil, nil, h.now()); err != nil {
		h.writeError(w, r, "devices.password.delete.fail", err)
		return
	}
	h.audit(r, "devices.password.delete", "device_uuid", dev.UUID, "owner", id.IsAccountOwner)
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "密码删除成功"})
}

func (h *Handler) handleSetPasswordHint(w http.ResponseWriter, r *http.Request) {
	id, _ := resolve.IdentityFrom(r.Context())
	var req hintRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	var hint *string
	if req.PasswordHint != nil && strings.TrimSpace(*req.PasswordHint) != "" {
		hint = req.PasswordHint
	}
	if _, err := h.store.SetDevicePasswordHint(r.Context(), id.Device.ID, hint, h.now()); err != nil {
		h.writeError(w, r, "devices.hint.set.fail", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": "密码提示设置成功", "passwordHint": hint})
}

func (h *Handler) handleGetPasswordHint(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.loadDevice(w, r, "devices.hint.get.fail")
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "passwordHint": dev.PasswordHint})
}

func (h *Handler) handleOnlineDevices(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "devices": []onlineDeviceView{}})
		return
	}
	online := h.presence.OnlineDevices()
	out := make([]onlineDeviceView, 0, len(online))
	for _, o := range online {
		v := onlineDeviceView{UUID: o.UUID, Connections: o.Connections}
		dev, err := h.store.GetDeviceByUUID(r.Context(), o.UUID)
		switch {
		case err == nil:
			v.Name = stringPtr(dev.Name)
		case !identity.IsNotFound(err):
			h.writeError(w, r, "devices.online.fail", err)
			return
		}
		out = append(out, v)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "devices": out})
}
