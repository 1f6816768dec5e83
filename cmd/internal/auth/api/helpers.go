package authapi

import (
	"classworks/cmd/identity"
)

func toAccountView(a identity.Account) accountView {
	return accountView{
		ID:        a.ID,
		Provider:  a.Provider,
		Email:     a.Email,
		Name:      a.Name,
		AvatarURL: a.AvatarURL,
		CreatedAt: a.CreatedAt,
	}
}

func toDeviceSummary(d identity.Device) deviceSummary {
	return deviceSummary{ID: d.ID, UUID: d.UUID, Name: d.Name, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func toDeviceView(d identity.Device, owner *identity.Account) deviceView {
	v := deviceView{
		ID:           d.ID,
		UUID:         d.UUID,
		Name:         d.Name,
		Namespace:    d.Namespace,
		HasPassword:  d.HasPassword(),
		PasswordHint: d.PasswordHint,
		CreatedAt:    d.CreatedAt,
	}
	if owner != nil {
		v.Account = &deviceAccountView{ID: owner.ID, Name: owner.Name, Email: owner.Email, AvatarURL: owner.AvatarURL}
		v.IsBoundToAccount = true
	}
	return v
}

func toAppView(a identity.App) appView {
	return appView{ID: a.ID, Name: a.Name, Description: a.Description, PermissionPrefix: a.PermissionPrefix}
}

func toInstallView(i identity.AppInstall, app identity.App) installView {
	return installView{
		ID:          i.ID,
		Token:       i.Token,
		App:         toAppView(app),
		IsReadOnly:  i.IsReadOnly,
		DeviceType:  i.DeviceType,
		Note:        i.Note,
		InstalledAt: i.InstalledAt,
		UpdatedAt:   i.UpdatedAt,
	}
}

func toAuthorizeResponse(i identity.AppInstall, app identity.App, d identity.Device) authorizeResponse {
	return authorizeResponse{
		Token:        i.Token,
		AppID:        app.ID,
		AppName:      app.Name,
		DeviceUUID:   d.UUID,
		DeviceName:   d.Name,
		IsReadOnly:   i.IsReadOnly,
		DeviceType:   i.DeviceType,
		Note:         i.Note,
		AuthorizedAt: i.InstalledAt,
	}
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
