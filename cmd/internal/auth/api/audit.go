package authapi

import (
	"net/http"
	"strings"

	"classworks/cmd/internal/httpx"
)

// audit records a security-relevant action on the "auth.audit" channel.
// Callers pass identifiers only; never secrets.
func (h *Handler) audit(r *http.Request, action string, attrs ...any) {
	action = strings.TrimSpace(action)
	if h == nil || action == "" {
		return
	}
	base := []any{"action", action, "ip", httpx.ClientIPString(r, h.cfg.TrustProxy)}
	if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
		base = append(base, "user_agent", ua)
	}
	h.log.Info("auth.audit", append(base, attrs...)...)
}
