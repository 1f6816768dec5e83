package kv

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/ratelimit"
	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/security/password"
	realtimev1 "classworks/shared/contracts/realtime/v1"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

type recorder struct {
	mu     sync.Mutex
	uuids  []string
	events []realtimev1.KeyChangedPayload
}

func (r *recorder) BroadcastKeyChanged(uuid string, p realtimev1.KeyChangedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uuids = append(r.uuids, uuid)
	r.events = append(r.events, p)
}

type env struct {
	h        http.Handler
	store    *MemoryStore
	ids      *identity.MemoryStore
	clk      *fakeClock
	bus      *recorder
	device   identity.Device
	cfg      ratelimit.Config
	limits   *ratelimit.Set
	resolver *resolve.Resolver
}

func newEnv(t *testing.T, mutate ...func(*ratelimit.Config)) *env {
	t.Helper()
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}

	ids := identity.NewMemoryStore(identity.App{ID: "1", Name: "Homework", PermissionPrefix: "hw"})
	dev, err := ids.CreateDevice(ctx, identity.CreateDeviceInput{UUID: "class-3a", Name: "3A", Now: clk.t})
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	for _, in := range []identity.CreateAppInstallInput{
		{DeviceID: dev.ID, AppID: "1", Token: "rw-token", Permissions: identity.Permissions{Read: true, Write: true}},
		{DeviceID: dev.ID, AppID: "1", Token: "ro-token", IsReadOnly: true, Permissions: identity.Permissions{Read: true}},
	} {
		in.Now = clk.t
		if _, err := ids.CreateAppInstall(ctx, in); err != nil {
			t.Fatalf("install: %v", err)
		}
	}

	cfg := ratelimit.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		store:  NewMemoryStore(),
		ids:    ids,
		clk:    clk,
		bus:    &recorder{},
		device: dev,
		cfg:    cfg,
		limits: ratelimit.NewSet(cfg, ratelimit.WithClock(clk.Now)),
	}
	e.resolver = resolve.New(ids, nil, password.DefaultConfig(), resolve.WithLogger(quiet))
	h, err := NewHandler(e.store, ids, e.resolver, e.limits, WithBroadcaster(e.bus), WithClock(clk.Now), WithLogger(quiet))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	r := chi.NewRouter()
	r.Mount("/kv", h.Routes())
	e.h = r
	return e
}

func (e *env) do(method, target, tok, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if tok != "" {
		req.Header.Set("X-App-Token", tok)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestHandler_UpsertGetDelete(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/kv/hw.notes", "rw-token", `{"text":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body)
	}
	up := decode[upsertResponse](t, rec)
	if !up.Created || up.Key != "hw.notes" || up.DeviceID != e.device.ID {
		t.Fatalf("create response: %+v", up)
	}

	e.clk.Advance(time.Second)
	up = decode[upsertResponse](t, e.do(http.MethodPost, "/kv/hw.notes", "rw-token", `{"text":"bye"}`))
	if up.Created {
		t.Fatalf("second write must not report created")
	}

	rec = e.do(http.MethodGet, "/kv/hw.notes", "ro-token", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"text":"bye"}` {
		t.Fatalf("get: got=%d %s", rec.Code, rec.Body)
	}

	meta := decode[itemView](t, e.do(http.MethodGet, "/kv/hw.notes/metadata", "ro-token", ""))
	if meta.Metadata.CreatorIP == "" || !meta.Metadata.UpdatedAt.After(meta.Metadata.CreatedAt) {
		t.Fatalf("metadata: %+v", meta)
	}

	if rec := e.do(http.MethodDelete, "/kv/hw.notes", "rw-token", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got=%d want=%d", rec.Code, http.StatusNoContent)
	}
	rec = e.do(http.MethodGet, "/kv/hw.notes", "rw-token", "")
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "KV_KEY_NOT_FOUND" {
		t.Fatalf("get after delete: got=%d %s", rec.Code, rec.Body)
	}
	if rec := e.do(http.MethodDelete, "/kv/hw.notes", "rw-token", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: got=%d want=%d", rec.Code, http.StatusNotFound)
	}

	if len(e.bus.events) != 3 {
		t.Fatalf("broadcasts: got=%d want=3", len(e.bus.events))
	}
	for _, u := range e.bus.uuids {
		if u != "class-3a" {
			t.Fatalf("broadcast room: got=%s want=class-3a", u)
		}
	}
	first, last := e.bus.events[0], e.bus.events[2]
	if first.Action != realtimev1.KeyActionUpsert || first.Created == nil || !*first.Created || first.UpdatedAt == nil {
		t.Fatalf("upsert event: %+v", first)
	}
	if last.Action != realtimev1.KeyActionDelete || last.DeletedAt == nil || last.Created != nil {
		t.Fatalf("delete event: %+v", last)
	}
}

func TestHandler_Rejections(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name   string
		method string
		target string
		tok    string
		body   string
		status int
		code   string
	}{
		{"missing token", http.MethodGet, "/kv/hw.a", "", "", http.StatusUnauthorized, resolve.CodeTokenMissing},
		{"unknown token", http.MethodGet, "/kv/hw.a", "nope", "", http.StatusUnauthorized, resolve.CodeTokenInvalid},
		{"key outside prefix", http.MethodPost, "/kv/other.a", "rw-token", `{"x":1}`, http.StatusForbidden, resolve.CodePermissionDenied},
		{"read-only write", http.MethodPost, "/kv/hw.a", "ro-token", `{"x":1}`, http.StatusForbidden, resolve.CodePermissionDenied},
		{"read-only delete", http.MethodDelete, "/kv/hw.a", "ro-token", "", http.StatusForbidden, resolve.CodePermissionDenied},
		{"empty object", http.MethodPost, "/kv/hw.a", "rw-token", `{}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"array value", http.MethodPost, "/kv/hw.a", "rw-token", `[1,2]`, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad sort", http.MethodGet, "/kv/_keys?sortBy=value", "rw-token", "", http.StatusBadRequest, "INVALID_INPUT"},
		{"bad limit", http.MethodGet, "/kv?limit=-1", "rw-token", "", http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(tc.method, tc.target, tc.tok, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status: got=%d want=%d body=%s", rec.Code, tc.status, rec.Body)
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Fatalf("code: got=%s want=%s", got, tc.code)
			}
		})
	}
	if len(e.bus.events) != 0 {
		t.Fatalf("rejected requests must not broadcast: %+v", e.bus.events)
	}
}

func TestHandler_ListFiltersAndPaginates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, k := range []string{"hw.c", "hw.a", "other.x", "hw.b"} {
		if _, err := e.store.Upsert(ctx, e.device.ID, k, json.RawMessage(`{"v":1}`), "", e.clk.Now()); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}

	keys := decode[keysResponse](t, e.do(http.MethodGet, "/kv/_keys?limit=2", "ro-token", ""))
	if strings.Join(keys.Keys, ",") != "hw.a,hw.b" {
		t.Fatalf("keys: got=%v want=[hw.a hw.b]", keys.Keys)
	}
	if keys.TotalRows != 3 || keys.CurrentPage.Count != 2 || keys.CurrentPage.Limit != 2 {
		t.Fatalf("page: %+v", keys)
	}
	if !strings.HasPrefix(keys.LoadMore, "/kv/_keys?") || !strings.Contains(keys.LoadMore, "skip=2") {
		t.Fatalf("load_more: %q", keys.LoadMore)
	}

	list := decode[listResponse](t, e.do(http.MethodGet, "/kv?skip=2&limit=2", "ro-token", ""))
	if len(list.Items) != 1 || list.Items[0].Key != "hw.c" || list.TotalRows != 3 || list.LoadMore != "" {
		t.Fatalf("list: %+v", list)
	}

	desc := decode[keysResponse](t, e.do(http.MethodGet, "/kv/_keys?sortDir=desc", "ro-token", ""))
	if strings.Join(desc.Keys, ",") != "hw.c,hw.b,hw.a" {
		t.Fatalf("desc keys: %v", desc.Keys)
	}
}

func TestHandler_BatchImport(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/kv/_batchimport", "rw-token", `{"hw.a":{"x":1},"other.b":{"x":1},"hw.c":[1]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch: got=%d body=%s", rec.Code, rec.Body)
	}
	got := decode[batchResponse](t, rec)
	if got.Total != 3 || got.Successful != 1 || got.Failed != 2 {
		t.Fatalf("batch counts: %+v", got)
	}
	if got.Results[0].Key != "hw.a" || !got.Results[0].Created {
		t.Fatalf("batch results: %+v", got.Results)
	}
	if len(e.bus.events) != 1 || !e.bus.events[0].Batch {
		t.Fatalf("batch broadcasts: %+v", e.bus.events)
	}

	if rec := e.do(http.MethodPost, "/kv/_batchimport", "rw-token", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandler_Info(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	info := decode[infoResponse](t, e.do(http.MethodGet, "/kv/_info", "ro-token", ""))
	if info.Device.UUID != "class-3a" || info.Account != nil {
		t.Fatalf("unbound info: %+v", info)
	}

	acc, err := e.ids.UpsertOAuthAccount(ctx, identity.UpsertAccountInput{Provider: "github", ProviderID: "5", Name: "Ms. Li", Now: e.clk.t})
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if _, err := e.ids.SetDeviceAccount(ctx, e.device.ID, &acc.ID, e.clk.t); err != nil {
		t.Fatalf("bind: %v", err)
	}
	info = decode[infoResponse](t, e.do(http.MethodGet, "/kv/_info", "ro-token", ""))
	if info.Account == nil || info.Account.Name != "Ms. Li" {
		t.Fatalf("bound info: %+v", info)
	}
}

func TestHandler_RateLimitRunsBeforeAuth(t *testing.T) {
	e := newEnv(t, func(c *ratelimit.Config) { c.Write = ratelimit.Policy{Limit: 1, Window: time.Minute} })

	if rec := e.do(http.MethodPost, "/kv/hw.a", "bad-token", `{"x":1}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("first: got=%d want=%d", rec.Code, http.StatusUnauthorized)
	}
	rec := e.do(http.MethodPost, "/kv/hw.a", "bad-token", `{"x":1}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second: got=%d want=%d", rec.Code, http.StatusTooManyRequests)
	}
	// Counters are per token: another caller is unaffected.
	if rec := e.do(http.MethodPost, "/kv/hw.a", "rw-token", `{"x":1}`); rec.Code != http.StatusOK {
		t.Fatalf("other token: got=%d want=%d", rec.Code, http.StatusOK)
	}
}
