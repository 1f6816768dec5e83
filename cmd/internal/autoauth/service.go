// Package autoauth manages per-device rules that let a client obtain an app
// token unattended by presenting a password (or nothing, for a rule without
// one). Rule passwords are stored hashed only.
package autoauth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"classworks/cmd/identity"
	"classworks/cmd/security/token"
)

// DefaultNote labels installs created by IssueToken without a note.
const DefaultNote = "自动授权"

// Store is the persistence the service needs.
type Store interface {
	GetDeviceByUUID(ctx context.Context, uuid string) (identity.Device, error)
	GetDeviceByNamespace(ctx context.Context, namespace string) (identity.Device, error)
	SetDeviceNamespace(ctx context.Context, id, namespace string, now time.Time) (identity.Device, error)
	GetApp(ctx context.Context, id string) (identity.App, error)
	CreateAppInstall(ctx context.Context, in identity.CreateAppInstallInput) (identity.AppInstall, error)
	identity.AutoAuthStore
}

// Hasher hashes and verifies rule passwords; password.Config satisfies it.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(encodedHash, password string) (bool, error)
}

// Rule is the public view of an auto-auth rule. The password never leaves the store.
type Rule struct {
	ID          string    `json:"id"`
	HasPassword bool      `json:"hasPassword"`
	DeviceType  string    `json:"deviceType,omitempty"`
	IsReadOnly  bool      `json:"isReadOnly"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func view(r identity.AutoAuth) Rule {
	return Rule{
		ID:          r.ID,
		HasPassword: r.PasswordHash != nil,
		DeviceType:  r.DeviceType,
		IsReadOnly:  r.IsReadOnly,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// RuleInput carries optional fields; nil leaves a field untouched on update.
// An empty Password means "no password required".
type RuleInput struct {
	Password   *string
	DeviceType *string
	IsReadOnly *bool
}

// IssueInput requests a token. Namespace is tried first, then UUID.
type IssueInput struct {
	Namespace string
	UUID      string
	Password  string
	AppID     string
	Note      string
}

// Issued is a freshly created install.
type Issued struct {
	Install identity.AppInstall
	Device  identity.Device
	App     identity.App
}

// Service implements rule management and unattended token issuance.
type Service struct {
	store  Store
	hasher Hasher
	now    func() time.Time

	// mu serializes the uniqueness check with the write that follows it.
	mu sync.Mutex
}

// Option configures the Service.
type Option func(*Service) error

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service.
func NewService(store Store, hasher Hasher, opts ...Option) (*Service, error) {
	if store == nil || hasher == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{store: store, hasher: hasher, now: time.Now}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OwnedDevice loads the device by uuid and checks it is bound to accountID.
func (s *Service) OwnedDevice(ctx context.Context, accountID, uuid string) (identity.Device, error) {
	dev, err := s.store.GetDeviceByUUID(ctx, identity.NormalizeDeviceUUID(uuid))
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.Device{}, ErrDeviceNotFound
		}
		return identity.Device{}, err
	}
	if !dev.BoundTo(accountID) {
		return identity.Device{}, ErrNotOwner
	}
	return dev, nil
}

// List returns the device's rules, newest first.
func (s *Service) List(ctx context.Context, accountID, uuid string) ([]Rule, error) {
	dev, err := s.OwnedDevice(ctx, accountID, uuid)
	if err != nil {
		return nil, err
	}
	rules, err := s.store.ListAutoAuth(ctx, dev.ID)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(rules))
	for i := len(rules) - 1; i >= 0; i-- {
		out = append(out, view(rules[i]))
	}
	return out, nil
}

// Create adds a rule. Two rules of one device never share a password.
func (s *Service) Create(ctx context.Context, accountID, uuid string, in RuleInput) (Rule, error) {
	dev, err := s.OwnedDevice(ctx, accountID, uuid)
	if err != nil {
		return Rule{}, err
	}
	deviceType := deref(in.DeviceType)
	if !identity.ValidDeviceType(deviceType) {
		return Rule{}, ErrInvalidDeviceType
	}
	plain := normalizePassword(in.Password)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUnique(ctx, dev.ID, "", plain); err != nil {
		return Rule{}, err
	}
	hash, err := s.hash(plain)
	if err != nil {
		return Rule{}, err
	}
	r, err := s.store.CreateAutoAuth(ctx, identity.CreateAutoAuthInput{
		DeviceID:     dev.ID,
		PasswordHash: hash,
		DeviceType:   deviceType,
		IsReadOnly:   in.IsReadOnly != nil && *in.IsReadOnly,
		Now:          s.now().UTC(),
	})
	if err != nil {
		return Rule{}, err
	}
	return view(r), nil
}

// Update changes the fields set in in.
func (s *Service) Update(ctx context.Context, accountID, uuid, ruleID string, in RuleInput) (Rule, error) {
	dev, err := s.OwnedDevice(ctx, accountID, uuid)
	if err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule, err := s.ownedRule(ctx, dev.ID, ruleID)
	if err != nil {
		return Rule{}, err
	}
	if in.DeviceType != nil {
		if !identity.ValidDeviceType(*in.DeviceType) {
			return Rule{}, ErrInvalidDeviceType
		}
		rule.DeviceType = *in.DeviceType
	}
	if in.Password != nil {
		plain := normalizePassword(in.Password)
		if err := s.checkUnique(ctx, dev.ID, rule.ID, plain); err != nil {
			return Rule{}, err
		}
		if rule.PasswordHash, err = s.hash(plain); err != nil {
			return Rule{}, err
		}
	}
	if in.IsReadOnly != nil {
		rule.IsReadOnly = *in.IsReadOnly
	}
	out, err := s.store.UpdateAutoAuth(ctx, rule, s.now().UTC())
	if err != nil {
		return Rule{}, err
	}
	return view(out), nil
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, accountID, uuid, ruleID string) error {
	dev, err := s.OwnedDevice(ctx, accountID, uuid)
	if err != nil {
		return err
	}
	if _, err := s.ownedRule(ctx, dev.ID, ruleID); err != nil {
		return err
	}
	if err := s.store.DeleteAutoAuth(ctx, ruleID); err != nil {
		if identity.IsNotFound(err) {
			return ErrRuleNotFound
		}
		return err
	}
	return nil
}

// SetNamespace changes the device's namespace alias.
func (s *Service) SetNamespace(ctx context.Context, accountID, uuid, namespace string) (identity.Device, error) {
	namespace = identity.NormalizeNamespace(namespace)
	if namespace == "" {
		return identity.Device{}, fmt.Errorf("%w: namespace is required", ErrInvalidInput)
	}
	dev, err := s.OwnedDevice(ctx, accountID, uuid)
	if err != nil {
		return identity.Device{}, err
	}
	if dev.Namespace != nil && *dev.Namespace == namespace {
		return dev, nil
	}
	out, err := s.store.SetDeviceNamespace(ctx, dev.ID, namespace, s.now().UTC())
	if err != nil {
		if identity.IsConflict(err) {
			return identity.Device{}, ErrNamespaceTaken
		}
		return identity.Device{}, err
	}
	return out, nil
}

// IssueToken creates an install from the first rule matching in.Password.
// A rule without a password matches only an empty password.
func (s *Service) IssueToken(ctx context.Context, in IssueInput) (Issued, error) {
	appID := strings.TrimSpace(in.AppID)
	if appID == "" {
		return Issued{}, fmt.Errorf("%w: appId is required", ErrInvalidInput)
	}
	dev, err := s.findDevice(ctx, in.Namespace, in.UUID)
	if err != nil {
		return Issued{}, err
	}
	app, err := s.store.GetApp(ctx, appID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Issued{}, ErrAppNotFound
		}
		return Issued{}, err
	}

	rules, err := s.store.ListAutoAuth(ctx, dev.ID)
	if err != nil {
		return Issued{}, err
	}
	rule, ok := s.match(rules, in.Password)
	if !ok {
		return Issued{}, ErrNoMatch
	}

	now := s.now().UTC()
	tok, err := token.NewInstallToken(app.ID, dev.UUID, now.Format(time.RFC3339Nano))
	if err != nil {
		return Issued{}, err
	}
	note := strings.TrimSpace(in.Note)
	if note == "" {
		note = DefaultNote
	}
	inst, err := s.store.CreateAppInstall(ctx, identity.CreateAppInstallInput{
		DeviceID:    dev.ID,
		AppID:       app.ID,
		Token:       tok,
		IsReadOnly:  rule.IsReadOnly,
		DeviceType:  rule.DeviceType,
		Note:        note,
		Permissions: identity.Permissions{Read: true, Write: !rule.IsReadOnly},
		Now:         now,
	})
	if err != nil {
		return Issued{}, err
	}
	return Issued{Install: inst, Device: dev, App: app}, nil
}

func (s *Service) findDevice(ctx context.Context, namespace, uuid string) (identity.Device, error) {
	if ns := identity.NormalizeNamespace(namespace); ns != "" {
		dev, err := s.store.GetDeviceByNamespace(ctx, ns)
		if err == nil {
			return dev, nil
		}
		if !identity.IsNotFound(err) {
			return identity.Device{}, err
		}
		if uuid == "" {
			uuid = ns
		}
	}
	uuid = identity.NormalizeDeviceUUID(uuid)
	if uuid == "" {
		return identity.Device{}, fmt.Errorf("%w: namespace or uuid is required", ErrInvalidInput)
	}
	dev, err := s.store.GetDeviceByUUID(ctx, uuid)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.Device{}, ErrDeviceNotFound
		}
		return identity.Device{}, err
	}
	return dev, nil
}

func (s *Service) match(rules []identity.AutoAuth, password string) (identity.AutoAuth, bool) {
	for _, r := range rules {
		if r.PasswordHash == nil {
			if password == "" {
				return r, true
			}
			continue
		}
		if password == "" {
			continue
		}
		if ok, err := s.hasher.Verify(*r.PasswordHash, password); err == nil && ok {
			return r, true
		}
	}
	return identity.AutoAuth{}, false
}

func (s *Service) checkUnique(ctx context.Context, deviceID, exceptID string, plain *string) error {
	rules, err := s.store.ListAutoAuth(ctx, deviceID)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if r.ID == exceptID {
			continue
		}
		switch {
		case plain == nil && r.PasswordHash == nil:
			return ErrDuplicatePassword
		case plain != nil && r.PasswordHash != nil:
			if ok, err := s.hasher.Verify(*r.PasswordHash, *plain); err == nil && ok {
				return ErrDuplicatePassword
			}
		}
	}
	return nil
}

func (s *Service) ownedRule(ctx context.Context, deviceID, ruleID string) (identity.AutoAuth, error) {
	r, err := s.store.GetAutoAuth(ctx, strings.TrimSpace(ruleID))
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.AutoAuth{}, ErrRuleNotFound
		}
		return identity.AutoAuth{}, err
	}
	if r.DeviceID != deviceID {
		return identity.AutoAuth{}, ErrRuleForeign
	}
	return r, nil
}

func (s *Service) hash(plain *string) (*string, error) {
	if plain == nil {
		return nil, nil
	}
	h, err := s.hasher.Hash(*plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return &h, nil
}

func normalizePassword(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	v := *p
	return &v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
