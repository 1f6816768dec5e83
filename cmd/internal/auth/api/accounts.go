package authapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"classworks/cmd/identity"
	"classworks/cmd/internal/httpx"
)

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		badRequest(w, "请提供 refresh_token")
		return
	}

	out, err := h.sessions.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		h.log.Warn("auth.refresh.fail", "err", err)
		h.writeError(w, r, "auth.refresh.fail", err)
		return
	}
	h.audit(r, "auth.refresh.success", "account_id", out.Account.ID)
	httpx.WriteJSON(w, http.StatusOK, refreshResponse{
		Success:     true,
		AccessToken: out.AccessToken,
		ExpiresIn:   int64(out.ExpiresIn / time.Second),
		Account:     toAccountView(out.Account),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	if err := h.sessions.RevokeOne(r.Context(), acc.ID); err != nil {
		h.writeError(w, r, "auth.logout.fail", err)
		return
	}
	h.audit(r, "auth.logout", "account_id", acc.ID)
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "已退出登录"})
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	version, err := h.sessions.RevokeAll(r.Context(), acc.ID)
	if err != nil {
		h.writeError(w, r, "auth.logout_all.fail", err)
		return
	}
	h.audit(r, "auth.logout_all", "account_id", acc.ID, "token_version", version)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "已退出所有设备",
		"tokenVersion": version,
	})
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	devs, err := h.store.ListDevicesByAccount(r.Context(), acc.ID)
	if err != nil {
		h.writeError(w, r, "accounts.profile.fail", err)
		return
	}
	v := profileView{accountView: toAccountView(acc), Devices: make([]deviceSummary, 0, len(devs))}
	for _, d := range devs {
		v.Devices = append(v.Devices, toDeviceSummary(d))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": v})
}

func (h *Handler) handleAccountDevices(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	devs, err := h.store.ListDevicesByAccount(r.Context(), acc.ID)
	if err != nil {
		h.writeError(w, r, "accounts.devices.fail", err)
		return
	}
	out := make([]deviceSummary, 0, len(devs))
	for _, d := range devs {
		out = append(out, toDeviceSummary(d))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": out})
}

func (h *Handler) handleBindDevice(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	var req bindRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	uuid := identity.NormalizeDeviceUUID(req.UUID)
	if uuid == "" {
		badRequest(w, "请提供设备UUID")
		return
	}

	dev, err := h.store.GetDeviceByUUID(r.Context(), uuid)
	if err != nil {
		if identity.IsNotFound(err) {
			notFound(w, "设备不存在")
			return
		}
		h.writeError(w, r, "accounts.bind.fail", err)
		return
	}
	if dev.AccountID != nil && *dev.AccountID != acc.ID {
		httpx.WriteError(w, http.StatusBadRequest, CodeConflict, "该设备已绑定到其他账户")
		return
	}
	id := acc.ID
	dev, err = h.store.SetDeviceAccount(r.Context(), dev.ID, &id, h.now())
	if err != nil {
		h.writeError(w, r, "accounts.bind.fail", err)
		return
	}

	h.audit(r, "accounts.device.bind", "account_id", acc.ID, "device_uuid", dev.UUID)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "设备绑定成功",
		"data":    map[string]any{"deviceId": dev.ID, "uuid": dev.UUID, "name": dev.Name},
	})
}

// handleUnbindDevices is all-or-nothing: every uuid must exist and be bound
// to the caller before anything changes.
func (h *Handler) handleUnbindDevices(w http.ResponseWriter, r *http.Request) {
	acc, _ := h.account(r)
	var req unbindRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	uuids := req.UUIDs
	if len(uuids) == 0 && strings.TrimSpace(req.UUID) != "" {
		uuids = []string{req.UUID}
	}
	if len(uuids) == 0 {
		badRequest(w, "请提供要解绑的设备UUID")
		return
	}

	devs := make([]identity.Device, 0, len(uuids))
	var missing, foreign []string
	for _, raw := range uuids {
		uuid := identity.NormalizeDeviceUUID(raw)
		dev, err := h.store.GetDeviceByUUID(r.Context(), uuid)
		if err != nil {
			if identity.IsNotFound(err) {
				missing = append(missing, uuid)
				continue
			}
			h.writeError(w, r, "accounts.unbind.fail", err)
			return
		}
		if !dev.BoundTo(acc.ID) {
			foreign = append(foreign, uuid)
		}
		devs = append(devs, dev)
	}
	if len(missing) > 0 {
		notFound(w, "以下设备不存在: "+strings.Join(missing, ", "))
		return
	}
	if len(foreign) > 0 {
		httpx.WriteError(w, http.StatusForbidden, CodeForbidden, "您没有权限解绑以下设备: "+strings.Join(foreign, ", "))
		return
	}

	now := h.now()
	for _, d := range devs {
		if _, err := h.store.SetDeviceAccount(r.Context(), d.ID, nil, now); err != nil {
			h.writeError(w, r, "accounts.unbind.fail", err)
			return
		}
	}

	msg := "设备解绑成功"
	if len(devs) > 1 {
		msg = fmt.Sprintf("成功解绑 %d 个设备", len(devs))
	}
	h.audit(r, "accounts.device.unbind", "account_id", acc.ID, "count", len(devs))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg, "unboundCount": len(devs)})
}

// handleDeviceAccount is public and exposes only non-sensitive account fields.
func (h *Handler) handleDeviceAccount(w http.ResponseWriter, r *http.Request) {
	dev, err := h.store.GetDeviceByUUID(r.Context(), identity.NormalizeDeviceUUID(chi.URLParam(r, "uuid")))
	if err != nil {
		if identity.IsNotFound(err) {
			notFound(w, "设备不存在")
			return
		}
		h.writeError(w, r, "accounts.device_account.fail", err)
		return
	}
	if dev.AccountID == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		return
	}
	acc, err := h.store.GetAccount(r.Context(), *dev.AccountID)
	if err != nil {
		if identity.IsNotFound(err) {
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
			return
		}
		h.writeError(w, r, "accounts.device_account.fail", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": publicAccountView{
		ID:        acc.ID,
		Provider:  acc.Provider,
		Name:      acc.Name,
		AvatarURL: acc.AvatarURL,
		BindTime:  dev.UpdatedAt,
	}})
}
