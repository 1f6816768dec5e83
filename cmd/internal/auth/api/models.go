package authapi

import (
	"time"

	"classworks/cmd/internal/autoauth"
	"classworks/cmd/internal/auth/oauth"
)

// ---- device code ----

type deviceCodeResponse struct {
	DeviceCode string `json:"device_code"`
	ExpiresIn  int64  `json:"expires_in"`
	Message    string `json:"message"`
}

type deviceBindRequest struct {
	DeviceCode string `json:"device_code"`
	Token      string `json:"token"`
}

type deviceTokenResponse struct {
	Status    string `json:"status"`
	Token     string `json:"token,omitempty"`
	ExpiresIn *int64 `json:"expires_in,omitempty"`
	Message   string `json:"message,omitempty"`
}

type deviceStatusResponse struct {
	DeviceCode string     `json:"device_code"`
	Exists     bool       `json:"exists"`
	HasToken   *bool      `json:"has_token,omitempty"`
	ExpiresIn  *int64     `json:"expires_in,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// ---- accounts ----

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Success     bool        `json:"success"`
	AccessToken string      `json:"access_token"`
	ExpiresIn   int64       `json:"expires_in"`
	Account     accountView `json:"account"`
}

type accountView struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type profileView struct {
	accountView
	Devices []deviceSummary `json:"devices"`
}

type publicAccountView struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	BindTime  time.Time `json:"bindTime"`
}

type bindRequest struct {
	UUID string `json:"uuid"`
}

type unbindRequest struct {
	UUID  string   `json:"uuid"`
	UUIDs []string `json:"uuids"`
}

type providersResponse struct {
	Success bool          `json:"success"`
	Data    []oauth.Info  `json:"data"`
}

// ---- devices ----

type deviceSummary struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type deviceView struct {
	ID               string             `json:"id"`
	UUID             string             `json:"uuid"`
	Name             string             `json:"name"`
	Namespace        *string            `json:"namespace"`
	HasPassword      bool               `json:"hasPassword"`
	PasswordHint     *string            `json:"passwordHint"`
	CreatedAt        time.Time          `json:"createdAt"`
	Account          *deviceAccountView `json:"account"`
	IsBoundToAccount bool               `json:"isBoundToAccount"`
}

type deviceAccountView struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type registerDeviceRequest struct {
	UUID       string `json:"uuid"`
	DeviceName string `json:"deviceName"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type passwordRequest struct {
	NewPassword  string  `json:"newPassword"`
	PasswordHint *string `json:"passwordHint"`
}

type hintRequest struct {
	PasswordHint *string `json:"passwordHint"`
}

type onlineDeviceView struct {
	UUID        string  `json:"uuid"`
	Connections int     `json:"connections"`
	Name        *string `json:"name"`
}

// ---- apps ----

type appView struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	PermissionPrefix string `json:"permissionPrefix,omitempty"`
}

type authorizeRequest struct {
	DeviceUUID string `json:"deviceUuid"`
	Password   string `json:"password"`
	Note       string `json:"note"`
}

type authorizeResponse struct {
	Token        string    `json:"token"`
	AppID        string    `json:"appId"`
	AppName      string    `json:"appName"`
	DeviceUUID   string    `json:"deviceUuid"`
	DeviceName   string    `json:"deviceName"`
	IsReadOnly   bool      `json:"isReadOnly"`
	DeviceType   string    `json:"deviceType,omitempty"`
	Note         string    `json:"note"`
	AuthorizedAt time.Time `json:"authorizedAt"`
}

type installView struct {
	ID          string    `json:"id"`
	Token       string    `json:"token"`
	App         appView   `json:"app"`
	IsReadOnly  bool      `json:"isReadOnly"`
	DeviceType  string    `json:"deviceType,omitempty"`
	Note        string    `json:"note"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type tokensResponse struct {
	DeviceUUID string        `json:"deviceUuid"`
	DeviceName string        `json:"deviceName"`
	Tokens     []installView `json:"tokens"`
	Total      int           `json:"total"`
}

type autoTokenRequest struct {
	Namespace string `json:"namespace"`
	UUID      string `json:"uuid"`
	Password  string `json:"password"`
	AppID     string `json:"appId"`
	Note      string `json:"note"`
}

// ---- auto-auth ----

type ruleRequest struct {
	Password   *string `json:"password"`
	DeviceType *string `json:"deviceType"`
	IsReadOnly *bool   `json:"isReadOnly"`
}

type rulesResponse struct {
	Success bool            `json:"success"`
	Configs []autoauth.Rule `json:"configs"`
}

type ruleResponse struct {
	Success bool          `json:"success"`
	Config  autoauth.Rule `json:"config"`
}

type namespaceRequest struct {
	Namespace string `json:"namespace"`
}

type namespaceDeviceView struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Namespace *string   `json:"namespace"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ---- generic ----

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
