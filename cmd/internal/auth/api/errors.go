package authapi

import (
	"errors"
	"net/http"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/oauth"
	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/internal/auth/session"
	"classworks/cmd/internal/autoauth"
	"classworks/cmd/internal/httpx"
	"classworks/cmd/security/password"
)

// ReasonRefreshExpired tells clients to sign in again rather than refresh.
const ReasonRefreshExpired = "REFRESH_EXPIRED"

// Stable error codes owned by this package. Auth codes live in resolve.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeForbidden         = "FORBIDDEN"
	CodeDeviceCodeInvalid = "DEVICE_CODE_INVALID"
	CodeRefreshInvalid    = "AUTH_REFRESH_INVALID"
	CodeRefreshMismatch   = "AUTH_REFRESH_TOKEN_MISMATCH"
	CodeRefreshExpired    = "AUTH_REFRESH_EXPIRED"
	CodeAutoAuthNoMatch   = "AUTO_AUTH_NO_MATCH"
	CodeOAuthProvider     = "OAUTH_PROVIDER_UNSUPPORTED"
	CodeOAuthConfig       = "OAUTH_PROVIDER_NOT_CONFIGURED"
	CodeInternal          = resolve.CodeInternal
)

func badRequest(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusBadRequest, CodeInvalidInput, msg)
}

func notFound(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusNotFound, CodeNotFound, msg)
}

// writeError maps domain errors to the wire. Unknown errors are logged under
// event and rendered as a bare 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, event string, err error) {
	if e, ok := resolve.AsError(err); ok {
		resolve.WriteError(w, e)
		return
	}

	switch {
	// session
	case errors.Is(err, session.ErrTokenExpired):
		httpx.WriteErrorReason(w, http.StatusUnauthorized, CodeRefreshExpired, "refresh token has expired", ReasonRefreshExpired)
	case errors.Is(err, session.ErrVersionMismatch):
		httpx.WriteErrorReason(w, http.StatusUnauthorized, resolve.CodeTokenRevoked, "token has been revoked", resolve.ReasonVersionRevoked)
	case errors.Is(err, session.ErrTokenMismatch):
		httpx.WriteError(w, http.StatusUnauthorized, CodeRefreshMismatch, "refresh token is not current")
	case errors.Is(err, session.ErrAccountNotFound):
		httpx.WriteError(w, http.StatusUnauthorized, resolve.CodeAccountNotFound, "account does not exist")
	case errors.Is(err, session.ErrInvalidToken):
		httpx.WriteError(w, http.StatusUnauthorized, CodeRefreshInvalid, "invalid refresh token")

	// autoauth
	case errors.Is(err, autoauth.ErrNoMatch):
		httpx.WriteError(w, http.StatusUnauthorized, CodeAutoAuthNoMatch, "密码错误或未配置自动授权")
	case errors.Is(err, autoauth.ErrNotOwner):
		httpx.WriteError(w, http.StatusForbidden, resolve.CodeDeviceNotBound, "该设备未绑定到您的账户")
	case errors.Is(err, autoauth.ErrRuleForeign):
		httpx.WriteError(w, http.StatusForbidden, CodeForbidden, "无权操作此配置")
	case errors.Is(err, autoauth.ErrDeviceNotFound):
		httpx.WriteError(w, http.StatusNotFound, resolve.CodeDeviceNotFound, "设备不存在")
	case errors.Is(err, autoauth.ErrRuleNotFound):
		notFound(w, "自动授权配置不存在")
	case errors.Is(err, autoauth.ErrAppNotFound):
		notFound(w, "应用不存在")
	case errors.Is(err, autoauth.ErrDuplicatePassword):
		httpx.WriteError(w, http.StatusConflict, CodeConflict, "该密码的自动授权配置已存在")
	case errors.Is(err, autoauth.ErrNamespaceTaken):
		httpx.WriteError(w, http.StatusConflict, CodeConflict, "该 namespace 已被其他设备使用")
	case errors.Is(err, autoauth.ErrInvalidDeviceType):
		badRequest(w, "设备类型必须是以下之一: teacher, student, classroom, parent")
	case errors.Is(err, autoauth.ErrInvalidInput):
		badRequest(w, err.Error())

	// oauth
	case errors.Is(err, oauth.ErrUnknownProvider):
		httpx.WriteError(w, http.StatusBadRequest, CodeOAuthProvider, "不支持的OAuth提供者")
	case errors.Is(err, oauth.ErrNotConfigured):
		httpx.WriteError(w, http.StatusInternalServerError, CodeOAuthConfig, "OAuth提供者未配置")

	// password policy
	case errors.Is(err, password.ErrPasswordEmpty),
		errors.Is(err, password.ErrPasswordTooShort),
		errors.Is(err, password.ErrPasswordTooLong),
		errors.Is(err, password.ErrWeakPassword):
		badRequest(w, "密码不符合要求: "+err.Error())

	// identity
	case identity.IsNotFound(err):
		notFound(w, "资源不存在")
	case identity.IsConflict(err):
		msg := "资源已存在"
		if field, ok := identity.ConflictField(err); ok {
			msg = field + " 已存在"
		}
		httpx.WriteError(w, http.StatusConflict, CodeConflict, msg)
	case identity.IsInvalidInput(err):
		badRequest(w, err.Error())

	default:
		h.log.Error(event, "path", r.URL.Path, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
