package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_UpsertOAuthAccount_KeyedBySubject(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	a1, err := s.UpsertOAuthAccount(ctx, UpsertAccountInput{Provider: "github", ProviderID: "42", Email: " A@B.c ", Name: "a", Now: now})
	if err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if a1.TokenVersion != 1 {
		t.Fatalf("token version: got=%d want=1", a1.TokenVersion)
	}
	if a1.Email != "a@b.c" {
		t.Fatalf("email not normalized: %q", a1.Email)
	}

	a2, err := s.UpsertOAuthAccount(ctx, UpsertAccountInput{Provider: "github", ProviderID: "42", Name: "renamed", Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("upsert 2: %v", err)
	}
	if a2.ID != a1.ID {
		t.Fatalf("expected same account, got %s vs %s", a2.ID, a1.ID)
	}
	if a2.Name != "renamed" {
		t.Fatalf("name: got=%q", a2.Name)
	}

	a3, err := s.UpsertOAuthAccount(ctx, UpsertAccountInput{Provider: "stcn", ProviderID: "42", Now: now})
	if err != nil {
		t.Fatalf("upsert 3: %v", err)
	}
	if a3.ID == a1.ID {
		t.Fatalf("different provider must yield a different account")
	}
}

func TestMemoryStore_RefreshSlotAndVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	a, err := s.UpsertOAuthAccount(ctx, UpsertAccountInput{Provider: "github", ProviderID: "1", Now: now})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetRefreshToken(ctx, a.ID, "h1", now.Add(time.Hour), now); err != nil {
		t.Fatalf("set refresh: %v", err)
	}
	got, _ := s.GetAccount(ctx, a.ID)
	if got.RefreshTokenHash == nil || *got.RefreshTokenHash != "h1" {
		t.Fatalf("refresh hash not stored")
	}

	// Mutating the returned copy must not leak into the store.
	*got.RefreshTokenHash = "tampered"
	again, _ := s.GetAccount(ctx, a.ID)
	if *again.RefreshTokenHash != "h1" {
		t.Fatalf("store aliased caller memory")
	}

	v, err := s.BumpTokenVersion(ctx, a.ID, now)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if v != 2 {
		t.Fatalf("version: got=%d want=2", v)
	}
	after, _ := s.GetAccount(ctx, a.ID)
	if after.RefreshTokenHash != nil || after.RefreshTokenExpiry != nil {
		t.Fatalf("bump must clear refresh slot")
	}

	if _, err := s.BumpTokenVersion(ctx, "missing", now); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_Devices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	d1, err := s.CreateDevice(ctx, CreateDeviceInput{UUID: " dev-1 ", Name: "Room 1", Now: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d1.UUID != "dev-1" {
		t.Fatalf("uuid not trimmed: %q", d1.UUID)
	}
	if _, err := s.CreateDevice(ctx, CreateDeviceInput{UUID: "dev-1", Now: now}); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	d2, err := s.CreateDevice(ctx, CreateDeviceInput{UUID: "dev-2", Now: now})
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}

	if _, err := s.SetDeviceNamespace(ctx, d1.ID, " class-7a ", now); err != nil {
		t.Fatalf("namespace: %v", err)
	}
	_, err = s.SetDeviceNamespace(ctx, d2.ID, "class-7a", now)
	if field, ok := ConflictField(err); !ok || field != "namespace" {
		t.Fatalf("expected namespace conflict, got %v", err)
	}
	byNS, err := s.GetDeviceByNamespace(ctx, "class-7a")
	if err != nil || byNS.ID != d1.ID {
		t.Fatalf("lookup by namespace: %v %+v", err, byNS)
	}

	// Renaming the namespace frees the old alias.
	if _, err := s.SetDeviceNamespace(ctx, d1.ID, "class-7b", now); err != nil {
		t.Fatalf("rename namespace: %v", err)
	}
	if _, err := s.GetDeviceByNamespace(ctx, "class-7a"); !IsNotFound(err) {
		t.Fatalf("old alias should be gone, got %v", err)
	}

	h := "hash"
	d, err := s.SetDevicePassword(ctx, d1.ID, &h, nil, now)
	if err != nil || !d.HasPassword() {
		t.Fatalf("set password: %v", err)
	}
	d, err = s.SetDevicePassword(ctx, d1.ID, nil, nil, now)
	if err != nil || d.HasPassword() {
		t.Fatalf("clear password: %v", err)
	}

	missing := "nope"
	if _, err := s.SetDeviceAccount(ctx, d1.ID, &missing, now); !IsNotFound(err) {
		t.Fatalf("binding to unknown account must fail, got %v", err)
	}

	n, _ := s.CountDevices(ctx)
	if n != 2 {
		t.Fatalf("count: got=%d want=2", n)
	}
}

func TestMemoryStore_Installs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(App{ID: "1", Name: "Classworks", PermissionPrefix: "cw"})
	now := time.Now().UTC()

	d, _ := s.CreateDevice(ctx, CreateDeviceInput{UUID: "dev", Now: now})

	tests := []struct {
		name string
		in   CreateAppInstallInput
		want error
	}{
		{"ok", CreateAppInstallInput{DeviceID: d.ID, AppID: "1", Token: "t1", Now: now}, nil},
		{"duplicate token", CreateAppInstallInput{DeviceID: d.ID, AppID: "1", Token: "t1", Now: now}, ErrConflict},
		{"unknown app", CreateAppInstallInput{DeviceID: d.ID, AppID: "x", Token: "t2", Now: now}, ErrNotFound},
		{"unknown device", CreateAppInstallInput{DeviceID: "x", AppID: "1", Token: "t3", Now: now}, ErrNotFound},
		{"bad device type", CreateAppInstallInput{DeviceID: d.ID, AppID: "1", Token: "t4", DeviceType: "robot", Now: now}, ErrInvalidInput},
		{"empty token", CreateAppInstallInput{DeviceID: d.ID, AppID: "1", Now: now}, ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateAppInstall(ctx, tc.in)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("got=%v want=%v", err, tc.want)
			}
		})
	}

	list, _ := s.ListAppInstallsByDevice(ctx, d.ID)
	if len(list) != 1 {
		t.Fatalf("list: got=%d want=1", len(list))
	}
	if err := s.DeleteAppInstallByToken(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteAppInstallByToken(ctx, "t1"); !IsNotFound(err) {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.GetAppInstallByToken(ctx, "t1"); !IsNotFound(err) {
		t.Fatalf("lookup after delete: %v", err)
	}
}

func TestMemoryStore_AutoAuth(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	d, _ := s.CreateDevice(ctx, CreateDeviceInput{UUID: "dev", Now: now})

	r1, err := s.CreateAutoAuth(ctx, CreateAutoAuthInput{DeviceID: d.ID, DeviceType: DeviceTypeStudent, Now: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h := "hash"
	if _, err := s.CreateAutoAuth(ctx, CreateAutoAuthInput{DeviceID: d.ID, PasswordHash: &h, IsReadOnly: true, Now: now.Add(time.Second)}); err != nil {
		t.Fatalf("create 2: %v", err)
	}

	list, _ := s.ListAutoAuth(ctx, d.ID)
	if len(list) != 2 || list[0].ID != r1.ID {
		t.Fatalf("list order: %+v", list)
	}

	r1.DeviceType = DeviceTypeTeacher
	r1.IsReadOnly = true
	up, err := s.UpdateAutoAuth(ctx, r1, now)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.DeviceType != DeviceTypeTeacher || !up.IsReadOnly {
		t.Fatalf("update not applied: %+v", up)
	}

	if err := s.DeleteAutoAuth(ctx, r1.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetAutoAuth(ctx, r1.ID); !IsNotFound(err) {
		t.Fatalf("get after delete: %v", err)
	}
}
