package authapi

import (
	"net/http"
	"strings"
	"time"

	"classworks/cmd/identity"
	"classworks/cmd/internal/httpx"
	"classworks/cmd/security/token"
)

func secondsLeft(until, now time.Time) int64 {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

func (h *Handler) handleDeviceCodeCreate(w http.ResponseWriter, r *http.Request) {
	code, err := h.codes.Create()
	if err != nil {
		h.writeError(w, r, "devicecode.create.fail", err)
		return
	}
	h.log.Info("devicecode.create", "active", h.codes.Len())
	httpx.WriteJSON(w, http.StatusOK, deviceCodeResponse{
		DeviceCode: code,
		ExpiresIn:  int64(h.codes.TTL() / time.Second),
		Message:    h.cfg.DeviceCodeMessage,
	})
}

func (h *Handler) handleDeviceCodeBind(w http.ResponseWriter, r *http.Request) {
	var req deviceBindRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		badRequest(w, "请求体格式错误")
		return
	}
	req.DeviceCode = strings.TrimSpace(req.DeviceCode)
	req.Token = strings.TrimSpace(req.Token)
	if req.DeviceCode == "" || req.Token == "" {
		badRequest(w, "请提供 device_code 和 token")
		return
	}

	if _, err := h.store.GetAppInstallByToken(r.Context(), req.Token); err != nil {
		if identity.IsNotFound(err) {
			badRequest(w, "无效的令牌")
			return
		}
		h.writeError(w, r, "devicecode.bind.fail", err)
		return
	}
	if !h.codes.BindToken(req.DeviceCode, req.Token) {
		httpx.WriteError(w, http.StatusBadRequest, CodeDeviceCodeInvalid, "设备代码不存在或已过期")
		return
	}

	h.log.Info("devicecode.bind", "token_fp", token.Fingerprint(req.Token))
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "令牌已成功绑定到设备代码"})
}

// handleDeviceCodeToken is polled by the device. A bound code yields its
// token once and is then gone.
func (h *Handler) handleDeviceCodeToken(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("device_code"))
	if code == "" {
		badRequest(w, "请提供 device_code")
		return
	}

	if tok, ok := h.codes.GetAndRemove(code); ok {
		httpx.WriteJSON(w, http.StatusOK, deviceTokenResponse{Status: "success", Token: tok})
		return
	}
	st, ok := h.codes.GetStatus(code)
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, deviceTokenResponse{Status: "expired", Message: "设备代码不存在或已过期"})
		return
	}
	left := secondsLeft(st.ExpiresAt, h.now())
	httpx.WriteJSON(w, http.StatusOK, deviceTokenResponse{Status: "pending", Message: "等待用户授权", ExpiresIn: &left})
}

func (h *Handler) handleDeviceCodeStatus(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("device_code"))
	if code == "" {
		badRequest(w, "请提供 device_code")
		return
	}

	st, ok := h.codes.GetStatus(code)
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, deviceStatusResponse{DeviceCode: code, Exists: false, Message: "设备代码不存在或已过期"})
		return
	}
	left := secondsLeft(st.ExpiresAt, h.now())
	created := st.CreatedAt
	httpx.WriteJSON(w, http.StatusOK, deviceStatusResponse{
		DeviceCode: code,
		Exists:     true,
		HasToken:   &st.HasToken,
		ExpiresIn:  &left,
		CreatedAt:  &created,
	})
}
