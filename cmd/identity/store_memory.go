package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records are copied on the way in and out
// so callers never alias internal state.
type MemoryStore struct {
	mu sync.RWMutex

	accounts         map[string]Account
	accountBySubject map[string]string // provider + "\x00" + providerId -> id

	devices       map[string]Device
	deviceByUUID  map[string]string
	deviceByAlias map[string]string

	apps map[string]App

	installs       map[string]AppInstall // token -> install
	installsByDev  map[string]map[string]struct{}
	autoAuths      map[string]AutoAuth
	autoAuthsByDev map[string]map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore seeded with apps.
func NewMemoryStore(apps ...App) *MemoryStore {
	s := &MemoryStore{
		accounts:         make(map[string]Account),
		accountBySubject: make(map[string]string),
		devices:          make(map[string]Device),
		deviceByUUID:     make(map[string]string),
		deviceByAlias:    make(map[string]string),
		apps:             make(map[string]App),
		installs:         make(map[string]AppInstall),
		installsByDev:    make(map[string]map[string]struct{}),
		autoAuths:        make(map[string]AutoAuth),
		autoAuthsByDev:   make(map[string]map[string]struct{}),
	}
	for _, a := range apps {
		if a.ID != "" {
			s.apps[a.ID] = a
		}
	}
	return s
}

func nowOr(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}

func subjectKey(provider, providerID string) string { return provider + "\x00" + providerID }

// ---- accounts ----

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, NotFoundError{Op: "identity.GetAccount", Resource: "account"}
	}
	return cloneAccount(a), nil
}

func (s *MemoryStore) UpsertOAuthAccount(ctx context.Context, in UpsertAccountInput) (Account, error) {
	const op = "identity.UpsertOAuthAccount"
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	provider := strings.TrimSpace(in.Provider)
	subject := strings.TrimSpace(in.ProviderID)
	if provider == "" || subject == "" {
		return Account{}, invalid(op, "provider and provider_id are required")
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := subjectKey(provider, subject)
	if id, ok := s.accountBySubject[key]; ok {
		a := s.accounts[id]
		a.Email = NormalizeEmail(in.Email)
		a.Name = in.Name
		a.AvatarURL = in.AvatarURL
		a.UpdatedAt = now
		s.accounts[id] = a
		return cloneAccount(a), nil
	}

	id, err := NewULID(now)
	if err != nil {
		return Account{}, err
	}
	a := Account{
		ID:           id,
		Provider:     provider,
		ProviderID:   subject,
		Email:        NormalizeEmail(in.Email),
		Name:         in.Name,
		AvatarURL:    in.AvatarURL,
		TokenVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.accounts[id] = a
	s.accountBySubject[key] = id
	return cloneAccount(a), nil
}

func (s *MemoryStore) SetRefreshToken(ctx context.Context, accountID, hash string, expiresAt, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(hash) == "" {
		return invalid("identity.SetRefreshToken", "empty token hash")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return NotFoundError{Op: "identity.SetRefreshToken", Resource: "account"}
	}
	exp := expiresAt.UTC()
	a.RefreshTokenHash = &hash
	a.RefreshTokenExpiry = &exp
	a.UpdatedAt = nowOr(now)
	s.accounts[accountID] = a
	return nil
}

func (s *MemoryStore) ClearRefreshToken(ctx context.Context, accountID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return NotFoundError{Op: "identity.ClearRefreshToken", Resource: "account"}
	}
	a.RefreshTokenHash = nil
	a.RefreshTokenExpiry = nil
	a.UpdatedAt = nowOr(now)
	s.accounts[accountID] = a
	return nil
}

func (s *MemoryStore) BumpTokenVersion(ctx context.Context, accountID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0, NotFoundError{Op: "identity.BumpTokenVersion", Resource: "account"}
	}
	a.TokenVersion++
	a.RefreshTokenHash = nil
	a.RefreshTokenExpiry = nil
	a.UpdatedAt = nowOr(now)
	s.accounts[accountID] = a
	return a.TokenVersion, nil
}

// ---- devices ----

func (s *MemoryStore) CreateDevice(ctx context.Context, in CreateDeviceInput) (Device, error) {
	const op = "identity.CreateDevice"
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	uuid := NormalizeDeviceUUID(in.UUID)
	if uuid == "" {
		return Device{}, invalid(op, "uuid is required")
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deviceByUUID[uuid]; ok {
		return Device{}, ConflictError{Op: op, Field: "uuid"}
	}
	id, err := NewULID(now)
	if err != nil {
		return Device{}, err
	}
	name := strings.TrimSpace(in.Name)
	d := Device{ID: id, UUID: uuid, Name: name, CreatedAt: now, UpdatedAt: now}
	s.devices[id] = d
	s.deviceByUUID[uuid] = id
	return cloneDevice(d), nil
}

func (s *MemoryStore) GetDeviceByID(ctx context.Context, id string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, NotFoundError{Op: "identity.GetDeviceByID", Resource: "device"}
	}
	return cloneDevice(d), nil
}

func (s *MemoryStore) GetDeviceByUUID(ctx context.Context, uuid string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.deviceByUUID[NormalizeDeviceUUID(uuid)]
	if !ok {
		return Device{}, NotFoundError{Op: "identity.GetDeviceByUUID", Resource: "device"}
	}
	return cloneDevice(s.devices[id]), nil
}

func (s *MemoryStore) GetDeviceByNamespace(ctx context.Context, namespace string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.deviceByAlias[NormalizeNamespace(namespace)]
	if !ok {
		return Device{}, NotFoundError{Op: "identity.GetDeviceByNamespace", Resource: "device"}
	}
	return cloneDevice(s.devices[id]), nil
}

func (s *MemoryStore) ListDevicesByAccount(ctx context.Context, accountID string) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0)
	for _, d := range s.devices {
		if d.BoundTo(accountID) {
			out = append(out, cloneDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountDevices(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices), nil
}

func (s *MemoryStore) RenameDevice(ctx context.Context, id, name string, now time.Time) (Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Device{}, invalid("identity.RenameDevice", "name is required")
	}
	return s.updateDevice(ctx, "identity.RenameDevice", id, now, func(d *Device) error {
		d.Name = name
		return nil
	})
}

func (s *MemoryStore) SetDeviceNamespace(ctx context.Context, id, namespace string, now time.Time) (Device, error) {
	const op = "identity.SetDeviceNamespace"
	ns := NormalizeNamespace(namespace)
	if ns == "" {
		return Device{}, invalid(op, "namespace is required")
	}
	return s.updateDevice(ctx, op, id, now, func(d *Device) error {
		if owner, ok := s.deviceByAlias[ns]; ok && owner != d.ID {
			return ConflictError{Op: op, Field: "namespace"}
		}
		if d.Namespace != nil {
			delete(s.deviceByAlias, *d.Namespace)
		}
		d.Namespace = &ns
		s.deviceByAlias[ns] = d.ID
		return nil
	})
}

func (s *MemoryStore) SetDevicePassword(ctx context.Context, id string, hash, hint *string, now time.Time) (Device, error) {
	return s.updateDevice(ctx, "identity.SetDevicePassword", id, now, func(d *Device) error {
		d.PasswordHash = cloneStr(hash)
		d.PasswordHint = cloneStr(hint)
		return nil
	})
}

func (s *MemoryStore) SetDevicePasswordHint(ctx context.Context, id string, hint *string, now time.Time) (Device, error) {
	return s.updateDevice(ctx, "identity.SetDevicePasswordHint", id, now, func(d *Device) error {
		d.PasswordHint = cloneStr(hint)
		return nil
	})
}

func (s *MemoryStore) SetDeviceAccount(ctx context.Context, id string, accountID *string, now time.Time) (Device, error) {
	const op = "identity.SetDeviceAccount"
	return s.updateDevice(ctx, op, id, now, func(d *Device) error {
		if accountID != nil {
			if _, ok := s.accounts[*accountID]; !ok {
				return NotFoundError{Op: op, Resource: "account"}
			}
		}
		d.AccountID = cloneStr(accountID)
		return nil
	})
}

func (s *MemoryStore) updateDevice(ctx context.Context, op, id string, now time.Time, fn func(*Device) error) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, NotFoundError{Op: op, Resource: "device"}
	}
	if err := fn(&d); err != nil {
		return Device{}, err
	}
	d.UpdatedAt = nowOr(now)
	s.devices[id] = d
	return cloneDevice(d), nil
}

// ---- apps ----

func (s *MemoryStore) CreateApp(ctx context.Context, app App) (App, error) {
	const op = "identity.CreateApp"
	if err := ctx.Err(); err != nil {
		return App{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if app.ID == "" {
		id, err := NewULID(app.CreatedAt)
		if err != nil {
			return App{}, err
		}
		app.ID = id
	}
	if _, ok := s.apps[app.ID]; ok {
		return App{}, ConflictError{Op: op, Field: "id"}
	}
	app.CreatedAt = nowOr(app.CreatedAt)
	s.apps[app.ID] = app
	return app, nil
}

func (s *MemoryStore) GetApp(ctx context.Context, id string) (App, error) {
	if err := ctx.Err(); err != nil {
		return App{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apps[id]
	if !ok {
		return App{}, NotFoundError{Op: "identity.GetApp", Resource: "app"}
	}
	return a, nil
}

func (s *MemoryStore) ListApps(ctx context.Context) ([]App, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]App, 0, len(s.apps))
	for _, a := range s.apps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- installs ----

func (s *MemoryStore) CreateAppInstall(ctx context.Context, in CreateAppInstallInput) (AppInstall, error) {
	const op = "identity.CreateAppInstall"
	if err := ctx.Err(); err != nil {
		return AppInstall{}, err
	}
	if strings.TrimSpace(in.Token) == "" {
		return AppInstall{}, invalid(op, "token is required")
	}
	if !ValidDeviceType(in.DeviceType) {
		return AppInstall{}, invalid(op, "unknown device type")
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[in.DeviceID]; !ok {
		return AppInstall{}, NotFoundError{Op: op, Resource: "device"}
	}
	if _, ok := s.apps[in.AppID]; !ok {
		return AppInstall{}, NotFoundError{Op: op, Resource: "app"}
	}
	if _, ok := s.installs[in.Token]; ok {
		return AppInstall{}, ConflictError{Op: op, Field: "token"}
	}
	id, err := NewULID(now)
	if err != nil {
		return AppInstall{}, err
	}
	inst := AppInstall{
		ID:                 id,
		DeviceID:           in.DeviceID,
		AppID:              in.AppID,
		Token:              in.Token,
		IsReadOnly:         in.IsReadOnly,
		DeviceType:         in.DeviceType,
		Note:               in.Note,
		Permissions:        in.Permissions,
		SpecialPermissions: append([]string(nil), in.SpecialPermissions...),
		InstalledAt:        now,
		UpdatedAt:          now,
	}
	s.installs[inst.Token] = inst
	set := s.installsByDev[inst.DeviceID]
	if set == nil {
		set = make(map[string]struct{})
		s.installsByDev[inst.DeviceID] = set
	}
	set[inst.Token] = struct{}{}
	return cloneInstall(inst), nil
}

func (s *MemoryStore) GetAppInstallByToken(ctx context.Context, token string) (AppInstall, error) {
	if err := ctx.Err(); err != nil {
		return AppInstall{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.installs[token]
	if !ok {
		return AppInstall{}, NotFoundError{Op: "identity.GetAppInstallByToken", Resource: "app_install"}
	}
	return cloneInstall(inst), nil
}

func (s *MemoryStore) ListAppInstallsByDevice(ctx context.Context, deviceID string) ([]AppInstall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AppInstall, 0, len(s.installsByDev[deviceID]))
	for tok := range s.installsByDev[deviceID] {
		out = append(out, cloneInstall(s.installs[tok]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstalledAt.After(out[j].InstalledAt) })
	return out, nil
}

func (s *MemoryStore) DeleteAppInstallByToken(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installs[token]
	if !ok {
		return NotFoundError{Op: "identity.DeleteAppInstallByToken", Resource: "app_install"}
	}
	delete(s.installs, token)
	delete(s.installsByDev[inst.DeviceID], token)
	return nil
}

// ---- auto-auth ----

func (s *MemoryStore) ListAutoAuth(ctx context.Context, deviceID string) ([]AutoAuth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AutoAuth, 0, len(s.autoAuthsByDev[deviceID]))
	for id := range s.autoAuthsByDev[deviceID] {
		out = append(out, cloneAutoAuth(s.autoAuths[id]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetAutoAuth(ctx context.Context, id string) (AutoAuth, error) {
	if err := ctx.Err(); err != nil {
		return AutoAuth{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.autoAuths[id]
	if !ok {
		return AutoAuth{}, NotFoundError{Op: "identity.GetAutoAuth", Resource: "auto_auth"}
	}
	return cloneAutoAuth(r), nil
}

func (s *MemoryStore) CreateAutoAuth(ctx context.Context, in CreateAutoAuthInput) (AutoAuth, error) {
	const op = "identity.CreateAutoAuth"
	if err := ctx.Err(); err != nil {
		return AutoAuth{}, err
	}
	if !ValidDeviceType(in.DeviceType) {
		return AutoAuth{}, invalid(op, "unknown device type")
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[in.DeviceID]; !ok {
		return AutoAuth{}, NotFoundError{Op: op, Resource: "device"}
	}
	id, err := NewULID(now)
	if err != nil {
		return AutoAuth{}, err
	}
	r := AutoAuth{
		ID:           id,
		DeviceID:     in.DeviceID,
		PasswordHash: cloneStr(in.PasswordHash),
		DeviceType:   in.DeviceType,
		IsReadOnly:   in.IsReadOnly,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.autoAuths[id] = r
	set := s.autoAuthsByDev[r.DeviceID]
	if set == nil {
		set = make(map[string]struct{})
		s.autoAuthsByDev[r.DeviceID] = set
	}
	set[id] = struct{}{}
	return cloneAutoAuth(r), nil
}

func (s *MemoryStore) UpdateAutoAuth(ctx context.Context, rule AutoAuth, now time.Time) (AutoAuth, error) {
	const op = "identity.UpdateAutoAuth"
	if err := ctx.Err(); err != nil {
		return AutoAuth{}, err
	}
	if !ValidDeviceType(rule.DeviceType) {
		return AutoAuth{}, invalid(op, "unknown device type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.autoAuths[rule.ID]
	if !ok {
		return AutoAuth{}, NotFoundError{Op: op, Resource: "auto_auth"}
	}
	cur.PasswordHash = cloneStr(rule.PasswordHash)
	cur.DeviceType = rule.DeviceType
	cur.IsReadOnly = rule.IsReadOnly
	cur.UpdatedAt = nowOr(now)
	s.autoAuths[cur.ID] = cur
	return cloneAutoAuth(cur), nil
}

func (s *MemoryStore) DeleteAutoAuth(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.autoAuths[id]
	if !ok {
		return NotFoundError{Op: "identity.DeleteAutoAuth", Resource: "auto_auth"}
	}
	delete(s.autoAuths, id)
	delete(s.autoAuthsByDev[r.DeviceID], id)
	return nil
}

// ---- copies ----

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneAccount(a Account) Account {
	a.RefreshTokenHash = cloneStr(a.RefreshTokenHash)
	if a.RefreshTokenExpiry != nil {
		t := *a.RefreshTokenExpiry
		a.RefreshTokenExpiry = &t
	}
	return a
}

func cloneDevice(d Device) Device {
	d.Namespace = cloneStr(d.Namespace)
	d.PasswordHash = cloneStr(d.PasswordHash)
	d.PasswordHint = cloneStr(d.PasswordHint)
	d.AccountID = cloneStr(d.AccountID)
	return d
}

func cloneInstall(i AppInstall) AppInstall {
	i.SpecialPermissions = append([]string(nil), i.SpecialPermissions...)
	return i
}

func cloneAutoAuth(r AutoAuth) AutoAuth {
	r.PasswordHash = cloneStr(r.PasswordHash)
	return r
}
