package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/codec"
	"classworks/cmd/internal/auth/devicecode"
	"classworks/cmd/internal/auth/oauth"
	"classworks/cmd/internal/auth/ratelimit"
	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/internal/auth/session"
	"classworks/cmd/internal/autoauth"
	"classworks/cmd/internal/realtime"
	"classworks/cmd/security/password"
	"classworks/cmd/security/token"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

type onlineStub []realtime.OnlineDevice

func (o onlineStub) OnlineDevices() []realtime.OnlineDevice { return o }

type env struct {
	h          http.Handler
	handler    *Handler
	ids        *identity.MemoryStore
	clk        *fakeClock
	sessions   *session.Service
	acc        identity.Account
	registered int
}

func newFakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "provider-at", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sub": "user-7", "email": "t7@school.cn", "preferred_username": "teacher7"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newEnv(t *testing.T) *env {
	return newEnvConfig(t, DefaultConfig(), ratelimit.DefaultConfig())
}

func newEnvConfig(t *testing.T, cfg Config, limits ratelimit.Config) *env {
	t.Helper()
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	ids := identity.NewMemoryStore(
		identity.App{ID: "1", Name: "Homework", Description: "作业板", PermissionPrefix: "hw"},
		identity.App{ID: "2", Name: "Timetable"},
	)

	ccfg := codec.DefaultConfig()
	ccfg.AccessSecret = "access-secret"
	ccfg.RefreshSecret = "refresh-secret"
	c, err := codec.New(ccfg, codec.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	sessions, err := session.NewService(session.DefaultConfig(), c, ids,
		session.WithClock(clk.Now),
		session.WithHasher(token.NewHasher([]byte("0123456789abcdef0123456789abcdef"))),
	)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	pw := password.DefaultConfig()
	rv := resolve.New(ids, resolve.Chain{resolve.SessionVerifier{Service: sessions}}, pw, resolve.WithLogger(quiet))
	aa, err := autoauth.NewService(ids, pw, autoauth.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("autoauth: %v", err)
	}

	provider := newFakeProvider(t)
	reg := oauth.NewEmptyRegistry("https://kv.example.com")
	reg.Register(oauth.Definition{
		Key:         "hly",
		Name:        "HLY",
		AuthURL:     provider.URL + "/authorize",
		TokenURL:    provider.URL + "/token",
		UserInfoURL: provider.URL + "/userinfo",
		AuthStyle:   oauth2.AuthStyleInParams,
		Order:       40,
	}, oauth.Credentials{ClientID: "cid", ClientSecret: "csecret"})
	flow, err := oauth.NewFlow(reg, oauth.NewStateStore(), "https://app.example.com", oauth.WithHTTPClient(provider.Client()))
	if err != nil {
		t.Fatalf("flow: %v", err)
	}

	e := &env{ids: ids, clk: clk, sessions: sessions}
	h, err := NewHandler(cfg, Deps{
		Store:       ids,
		Resolver:    rv,
		Sessions:    sessions,
		DeviceCodes: devicecode.New(devicecode.WithClock(clk.Now)),
		OAuth:       flow,
		AutoAuth:    aa,
		Passwords:   pw,
		Limits:      ratelimit.NewSet(limits, ratelimit.WithClock(clk.Now)),
	},
		WithLogger(quiet),
		WithClock(clk.Now),
		WithPresence(onlineStub{{UUID: "class-3a", Connections: 2}, {UUID: "ghost", Connections: 1}}),
		WithOnDeviceRegistered(func() { e.registered++ }),
	)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	e.handler = h
	e.h = h.Routes()

	e.acc, err = ids.UpsertOAuthAccount(ctx, identity.UpsertAccountInput{
		Provider: "github", ProviderID: "42", Email: "li@school.cn", Name: "Ms. Li", Now: clk.t,
	})
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return e
}

// do sends a request; hdr holds header key/value pairs.
func (e *env) do(method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func (e *env) login(t *testing.T, acc identity.Account) session.Pair {
	t.Helper()
	p, err := e.sessions.IssuePair(context.Background(), acc)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	return p
}

func (e *env) otherAccount(t *testing.T) identity.Account {
	t.Helper()
	acc, err := e.ids.UpsertOAuthAccount(context.Background(), identity.UpsertAccountInput{
		Provider: "github", ProviderID: "43", Name: "Mr. Wang", Now: e.clk.t,
	})
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return acc
}

func (e *env) register(t *testing.T, uuid, name string) {
	t.Helper()
	if rec := e.do(http.MethodPost, "/devices", `{"uuid":"`+uuid+`","deviceName":"`+name+`"}`); rec.Code != http.StatusCreated {
		t.Fatalf("register %s: got=%d body=%s", uuid, rec.Code, rec.Body)
	}
}

func bearer(tok string) []string { return []string{"Authorization", "Bearer " + tok} }

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

func expect(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status: got=%d want=%d body=%s", rec.Code, status, rec.Body)
	}
	if code != "" {
		if got := errorCode(t, rec); got != code {
			t.Fatalf("code: got=%q want=%q", got, code)
		}
	}
}

func TestNewHandler_RequiresDeps(t *testing.T) {
	if _, err := NewHandler(DefaultConfig(), Deps{}); err == nil {
		t.Fatalf("expected error for empty deps")
	}
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 0
	if _, err := NewHandler(cfg, Deps{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("got=%v want ErrConfig", err)
	}
}

func TestDeviceCodeFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dev, _ := e.ids.CreateDevice(ctx, identity.CreateDeviceInput{UUID: "class-3a", Name: "3A", Now: e.clk.t})
	if _, err := e.ids.CreateAppInstall(ctx, identity.CreateAppInstallInput{
		DeviceID: dev.ID, AppID: "1", Token: "tok123", Permissions: identity.Permissions{Read: true}, Now: e.clk.t,
	}); err != nil {
		t.Fatalf("install: %v", err)
	}

	created := decode[deviceCodeResponse](t, e.do(http.MethodPost, "/auth/device/code", ""))
	if created.DeviceCode == "" || created.ExpiresIn != 900 || created.Message == "" {
		t.Fatalf("create: %+v", created)
	}
	code := created.DeviceCode

	st := decode[deviceStatusResponse](t, e.do(http.MethodGet, "/auth/device/status?device_code="+code, ""))
	if !st.Exists || st.HasToken == nil || *st.HasToken || st.ExpiresIn == nil || *st.ExpiresIn != 900 {
		t.Fatalf("status pending: %+v", st)
	}
	pending := decode[deviceTokenResponse](t, e.do(http.MethodGet, "/auth/device/token?device_code="+code, ""))
	if pending.Status != "pending" || pending.Token != "" {
		t.Fatalf("pending: %+v", pending)
	}

	expect(t, e.do(http.MethodPost, "/auth/device/bind", `{"device_code":"`+code+`"}`), http.StatusBadRequest, CodeInvalidInput)
	expect(t, e.do(http.MethodPost, "/auth/device/bind", `{"device_code":"`+code+`","token":"nope"}`), http.StatusBadRequest, CodeInvalidInput)
	expect(t, e.do(http.MethodPost, "/auth/device/bind", `{"device_code":"000-000","token":"tok123"}`), http.StatusBadRequest, CodeDeviceCodeInvalid)

	bound := e.do(http.MethodPost, "/auth/device/bind", `{"device_code":"`+code+`","token":"tok123"}`)
	if bound.Code != http.StatusOK || !decode[messageResponse](t, bound).Success {
		t.Fatalf("bind: got=%d body=%s", bound.Code, bound.Body)
	}

	got := decode[deviceTokenResponse](t, e.do(http.MethodGet, "/auth/device/token?device_code="+code, ""))
	if got.Status != "success" || got.Token != "tok123" {
		t.Fatalf("token: %+v", got)
	}
	again := decode[deviceTokenResponse](t, e.do(http.MethodGet, "/auth/device/token?device_code="+code, ""))
	if again.Status != "expired" || again.Token != "" {
		t.Fatalf("token must be delivered once: %+v", again)
	}

	stale := decode[deviceCodeResponse](t, e.do(http.MethodPost, "/auth/device/code", "")).DeviceCode
	e.clk.Advance(16 * time.Minute)
	if st := decode[deviceStatusResponse](t, e.do(http.MethodGet, "/auth/device/status?device_code="+stale, "")); st.Exists {
		t.Fatalf("expired code still exists: %+v", st)
	}
	expect(t, e.do(http.MethodPost, "/auth/device/bind", `{"device_code":"`+stale+`","token":"tok123"}`), http.StatusBadRequest, CodeDeviceCodeInvalid)
	expect(t, e.do(http.MethodGet, "/auth/device/token", ""), http.StatusBadRequest, CodeInvalidInput)
}

func TestRefreshLogoutAndRevokeAll(t *testing.T) {
	e := newEnv(t)
	pair := e.login(t, e.acc)

	expect(t, e.do(http.MethodPost, "/accounts/refresh", `{}`), http.StatusBadRequest, CodeInvalidInput)

	rec := e.do(http.MethodPost, "/accounts/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: got=%d body=%s", rec.Code, rec.Body)
	}
	out := decode[refreshResponse](t, rec)
	if out.AccessToken == "" || out.ExpiresIn != 900 || out.Account.ID != e.acc.ID {
		t.Fatalf("refresh body: %+v", out)
	}

	if rec := e.do(http.MethodGet, "/accounts/profile", "", bearer(pair.AccessToken)...); rec.Code != http.StatusOK {
		t.Fatalf("profile: got=%d", rec.Code)
	}

	rec = e.do(http.MethodPost, "/accounts/logout-all", "", bearer(pair.AccessToken)...)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout-all: got=%d body=%s", rec.Code, rec.Body)
	}
	if v := decode[map[string]any](t, rec)["tokenVersion"]; v != float64(2) {
		t.Fatalf("tokenVersion: got=%v want=2", v)
	}

	expect(t, e.do(http.MethodGet, "/accounts/profile", "", bearer(pair.AccessToken)...), http.StatusUnauthorized, resolve.CodeTokenRevoked)
	expect(t, e.do(http.MethodGet, "/accounts/profile", "", bearer(out.AccessToken)...), http.StatusUnauthorized, resolve.CodeTokenRevoked)
	expect(t, e.do(http.MethodPost, "/accounts/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`), http.StatusUnauthorized, resolve.CodeTokenRevoked)

	acc, _ := e.ids.GetAccount(context.Background(), e.acc.ID)
	fresh := e.login(t, acc)
	if rec := e.do(http.MethodPost, "/accounts/logout", "", bearer(fresh.AccessToken)...); rec.Code != http.StatusOK {
		t.Fatalf("logout: got=%d", rec.Code)
	}
	expect(t, e.do(http.MethodPost, "/accounts/refresh", `{"refresh_token":"`+fresh.RefreshToken+`"}`), http.StatusUnauthorized, CodeRefreshMismatch)
	// Access tokens outlive a single logout.
	if rec := e.do(http.MethodGet, "/accounts/profile", "", bearer(fresh.AccessToken)...); rec.Code != http.StatusOK {
		t.Fatalf("profile after logout: got=%d", rec.Code)
	}

	expect(t, e.do(http.MethodPost, "/accounts/logout", ""), http.StatusUnauthorized, resolve.CodeJWTMissing)
}

func TestAccountDeviceBinding(t *testing.T) {
	e := newEnv(t)
	e.register(t, "class-3a", "3A")
	e.register(t, "class-3b", "3B")
	if e.registered != 2 {
		t.Fatalf("registered: got=%d want=2", e.registered)
	}
	expect(t, e.do(http.MethodPost, "/devices", `{"uuid":"class-3a","deviceName":"again"}`), http.StatusConflict, CodeConflict)
	expect(t, e.do(http.MethodPost, "/devices", `{"uuid":"class-3c"}`), http.StatusBadRequest, CodeInvalidInput)

	li := bearer(e.login(t, e.acc).AccessToken)
	wang := bearer(e.login(t, e.otherAccount(t)).AccessToken)

	expect(t, e.do(http.MethodPost, "/accounts/devices/bind", `{"uuid":"ghost"}`, li...), http.StatusNotFound, CodeNotFound)
	for _, uuid := range []string{"class-3a", "class-3b"} {
		if rec := e.do(http.MethodPost, "/accounts/devices/bind", `{"uuid":"`+uuid+`"}`, li...); rec.Code != http.StatusOK {
			t.Fatalf("bind %s: got=%d body=%s", uuid, rec.Code, rec.Body)
		}
	}
	expect(t, e.do(http.MethodPost, "/accounts/devices/bind", `{"uuid":"class-3a"}`, wang...), http.StatusBadRequest, CodeConflict)

	devs := decode[struct {
		Data []deviceSummary `json:"data"`
	}](t, e.do(http.MethodGet, "/accounts/devices", "", li...))
	if len(devs.Data) != 2 {
		t.Fatalf("devices: %+v", devs)
	}

	pub := decode[struct {
		Data *publicAccountView `json:"data"`
	}](t, e.do(http.MethodGet, "/accounts/device/class-3a/account", ""))
	if pub.Data == nil || pub.Data.Name != "Ms. Li" || pub.Data.Provider != "github" {
		t.Fatalf("public account: %+v", pub.Data)
	}

	view := decode[deviceView](t, e.do(http.MethodGet, "/devices/class-3a", ""))
	if !view.IsBoundToAccount || view.Account == nil || view.Account.Email != "li@school.cn" {
		t.Fatalf("device view: %+v", view)
	}

	expect(t, e.do(http.MethodPost, "/accounts/devices/unbind", `{"uuids":["class-3a","ghost"]}`, li...), http.StatusNotFound, CodeNotFound)
	expect(t, e.do(http.MethodPost, "/accounts/devices/unbind", `{"uuid":"class-3a"}`, wang...), http.StatusForbidden, CodeForbidden)
	expect(t, e.do(http.MethodPost, "/accounts/devices/unbind", `{}`, li...), http.StatusBadRequest, CodeInvalidInput)

	rec := e.do(http.MethodPost, "/accounts/devices/unbind", `{"uuids":["class-3a","class-3b"]}`, li...)
	if rec.Code != http.StatusOK {
		t.Fatalf("unbind: got=%d body=%s", rec.Code, rec.Body)
	}
	if n := decode[map[string]any](t, rec)["unboundCount"]; n != float64(2) {
		t.Fatalf("unboundCount: got=%v want=2", n)
	}

	pub = decode[struct {
		Data *publicAccountView `json:"data"`
	}](t, e.do(http.MethodGet, "/accounts/device/class-3a/account", ""))
	if pub.Data != nil {
		t.Fatalf("unbound device still reports an account: %+v", pub.Data)
	}
	expect(t, e.do(http.MethodGet, "/accounts/device/ghost/account", ""), http.StatusNotFound, CodeNotFound)
}

func TestDevicePasswordRoutes(t *testing.T) {
	e := newEnv(t)
	e.register(t, "class-3a", "3A")
	const dev = "/devices/class-3a"

	expect(t, e.do(http.MethodPut, dev+"/password", `{"newPassword":"x"}`), http.StatusBadRequest, CodeInvalidInput)

	if rec := e.do(http.MethodPost, dev+"/password?newPassword=secret-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("first password: got=%d body=%s", rec.Code, rec.Body)
	}
	expect(t, e.do(http.MethodPost, dev+"/password", `{"newPassword":"again"}`), http.StatusForbidden, CodeForbidden)
	expect(t, e.do(http.MethodPost, "/devices/ghost/password", `{"newPassword":"x"}`), http.StatusNotFound, resolve.CodeDeviceNotFound)

	expect(t, e.do(http.MethodPut, dev+"/name", `{"name":"3A 班"}`), http.StatusUnauthorized, resolve.CodePasswordRequired)
	expect(t, e.do(http.MethodPut, dev+"/name", `{"name":"3A 班"}`, "X-Device-Password", "wrong"), http.StatusUnauthorized, resolve.CodePasswordInvalid)

	renamed := decode[struct {
		Device struct {
			Name        string `json:"name"`
			HasPassword bool   `json:"hasPassword"`
		} `json:"device"`
	}](t, e.do(http.MethodPut, dev+"/name", `{"name":"3A 班"}`, "X-Device-Password", "secret-1"))
	if renamed.Device.Name != "3A 班" || !renamed.Device.HasPassword {
		t.Fatalf("rename: %+v", renamed)
	}

	if rec := e.do(http.MethodPut, dev+"/password-hint", `{"passwordHint":"first"}`, "X-Device-Password", "secret-1"); rec.Code != http.StatusOK {
		t.Fatalf("hint: got=%d body=%s", rec.Code, rec.Body)
	}
	hint := decode[map[string]any](t, e.do(http.MethodGet, dev+"/password-hint", ""))
	if hint["passwordHint"] != "first" {
		t.Fatalf("hint: %+v", hint)
	}

	if rec := e.do(http.MethodPut, dev+"/password?currentPassword=secret-1", `{"newPassword":"secret-2","passwordHint":"second"}`); rec.Code != http.StatusOK {
		t.Fatalf("change: got=%d body=%s", rec.Code, rec.Body)
	}
	view := decode[deviceView](t, e.do(http.MethodGet, dev, ""))
	if !view.HasPassword || view.PasswordHint == nil || *view.PasswordHint != "second" {
		t.Fatalf("after change: %+v", view)
	}

	if rec := e.do(http.MethodDelete, dev+"/password", "", "X-Device-Password", "secret-2"); rec.Code != http.StatusOK {
		t.Fatalf("delete: got=%d body=%s", rec.Code, rec.Body)
	}
	view = decode[deviceView](t, e.do(http.MethodGet, dev, ""))
	if view.HasPassword || view.PasswordHint != nil {
		t.Fatalf("delete must clear hash and hint: %+v", view)
	}

	// The owning account needs no current password.
	li := bearer(e.login(t, e.acc).AccessToken)
	if rec := e.do(http.MethodPost, "/accounts/devices/bind", `{"uuid":"class-3a"}`, li...); rec.Code != http.StatusOK {
		t.Fatalf("bind: got=%d", rec.Code)
	}
	if rec := e.do(http.MethodPut, dev+"/password", `{"newPassword":"owner-set"}`, li...); rec.Code != http.StatusOK {
		t.Fatalf("owner change: got=%d body=%s", rec.Code, rec.Body)
	}
	expect(t, e.do(http.MethodPut, dev+"/name", `{"name":"x"}`, bearer(e.login(t, e.otherAccount(t)).AccessToken)...), http.StatusForbidden, resolve.CodeDeviceNotBound)
}

func TestAppsAuthorizeAndTokens(t *testing.T) {
	e := newEnv(t)

	list := decode[struct {
		Apps  []appView `json:"apps"`
		Total int       `json:"total"`
	}](t, e.do(http.MethodGet, "/apps", ""))
	if list.Total != 2 || len(list.Apps) != 2 || list.Apps[0].ID != "1" {
		t.Fatalf("apps: %+v", list)
	}
	list = decode[struct {
		Apps  []appView `json:"apps"`
		Total int       `json:"total"`
	}](t, e.do(http.MethodGet, "/apps?limit=5&search="+url.QueryEscape("作业"), ""))
	if list.Total != 1 || list.Apps[0].Name != "Homework" {
		t.Fatalf("search: %+v", list)
	}
	if app := decode[appView](t, e.do(http.MethodGet, "/apps/2", "")); app.Name != "Timetable" {
		t.Fatalf("get app: %+v", app)
	}
	expect(t, e.do(http.MethodGet, "/apps/9", ""), http.StatusNotFound, CodeNotFound)

	rec := e.do(http.MethodPost, "/apps/1/authorize", `{"deviceUuid":"new-dev"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize: got=%d body=%s", rec.Code, rec.Body)
	}
	first := decode[authorizeResponse](t, rec)
	if len(first.Token) != 64 || first.DeviceUUID != "new-dev" || first.Note != DefaultAuthorizeNote || first.AppName != "Homework" {
		t.Fatalf("authorize body: %+v", first)
	}
	if e.registered != 1 {
		t.Fatalf("auto-created device not counted: %d", e.registered)
	}

	if rec := e.do(http.MethodPost, "/devices/new-dev/password", `{"newPassword":"pw"}`); rec.Code != http.StatusOK {
		t.Fatalf("set password: got=%d", rec.Code)
	}
	expect(t, e.do(http.MethodPost, "/apps/1/authorize", `{"deviceUuid":"new-dev"}`), http.StatusUnauthorized, resolve.CodePasswordRequired)
	expect(t, e.do(http.MethodPost, "/apps/1/authorize", `{"deviceUuid":"new-dev","password":"bad"}`), http.StatusUnauthorized, resolve.CodePasswordInvalid)
	second := decode[authorizeResponse](t, e.do(http.MethodPost, "/apps/2/authorize", `{"deviceUuid":"new-dev","password":"pw","note":"大屏"}`))
	if second.Note != "大屏" || second.AppID != "2" {
		t.Fatalf("second authorize: %+v", second)
	}

	expect(t, e.do(http.MethodGet, "/apps/devices/new-dev/tokens", ""), http.StatusUnauthorized, resolve.CodePasswordRequired)
	tokens := decode[tokensResponse](t, e.do(http.MethodGet, "/apps/devices/new-dev/tokens", "", "X-Device-Password", "pw"))
	if tokens.Total != 2 || tokens.DeviceUUID != "new-dev" {
		t.Fatalf("tokens: %+v", tokens)
	}

	if rec := e.do(http.MethodDelete, "/apps/tokens/"+first.Token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: got=%d", rec.Code)
	}
	expect(t, e.do(http.MethodDelete, "/apps/tokens/"+first.Token, ""), http.StatusNotFound, CodeNotFound)
	tokens = decode[tokensResponse](t, e.do(http.MethodGet, "/apps/devices/new-dev/tokens", "", "X-Device-Password", "pw"))
	if tokens.Total != 1 || tokens.Tokens[0].Token != second.Token || tokens.Tokens[0].App.Name != "Timetable" {
		t.Fatalf("tokens after revoke: %+v", tokens)
	}
}

func TestAuthorize_AutoCreateDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowDeviceAutoCreate = false
	e := newEnvConfig(t, cfg, ratelimit.DefaultConfig())

	expect(t, e.do(http.MethodPost, "/apps/1/authorize", `{"deviceUuid":"unknown"}`), http.StatusNotFound, resolve.CodeDeviceNotFound)
	expect(t, e.do(http.MethodPost, "/apps/1/authorize", `{}`), http.StatusBadRequest, resolve.CodeDeviceUUIDRequired)
	if e.registered != 0 {
		t.Fatalf("registered: got=%d want=0", e.registered)
	}
}

func TestStrictDeviceUUID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictDeviceUUID = true
	e := newEnvConfig(t, cfg, ratelimit.DefaultConfig())

	expect(t, e.do(http.MethodPost, "/devices", `{"uuid":"class-3a","deviceName":"3A"}`), http.StatusBadRequest, CodeInvalidInput)
	e.register(t, "0b0f5a4e-8f9c-4d35-9a53-1b0c2d3e4f50", "3A")
}

func TestAutoAuthRulesAndToken(t *testing.T) {
	e := newEnv(t)
	e.register(t, "class-3a", "3A")
	li := bearer(e.login(t, e.acc).AccessToken)
	if rec := e.do(http.MethodPost, "/accounts/devices/bind", `{"uuid":"class-3a"}`, li...); rec.Code != http.StatusOK {
		t.Fatalf("bind: got=%d", rec.Code)
	}
	const base = "/auto-auth/devices/class-3a"

	rec := e.do(http.MethodPost, base+"/auth-configs", `{"password":"p1","deviceType":"teacher"}`, li...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got=%d body=%s", rec.Code, rec.Body)
	}
	teacher := decode[ruleResponse](t, rec).Config
	if !teacher.HasPassword || teacher.DeviceType != "teacher" {
		t.Fatalf("rule: %+v", teacher)
	}
	expect(t, e.do(http.MethodPost, base+"/auth-configs", `{"password":"p1"}`, li...), http.StatusConflict, CodeConflict)
	expect(t, e.do(http.MethodPost, base+"/auth-configs", `{"deviceType":"janitor"}`, li...), http.StatusBadRequest, CodeInvalidInput)
	if rec := e.do(http.MethodPost, base+"/auth-configs", `{"isReadOnly":true,"deviceType":"student"}`, li...); rec.Code != http.StatusCreated {
		t.Fatalf("create open rule: got=%d body=%s", rec.Code, rec.Body)
	}

	rec = e.do(http.MethodGet, base+"/auth-configs", "", li...)
	if strings.Contains(rec.Body.String(), "p1") {
		t.Fatalf("listing leaks a password: %s", rec.Body)
	}
	if rules := decode[rulesResponse](t, rec); len(rules.Configs) != 2 {
		t.Fatalf("list: %+v", rules)
	}
	wang := bearer(e.login(t, e.otherAccount(t)).AccessToken)
	expect(t, e.do(http.MethodGet, base+"/auth-configs", "", wang...), http.StatusForbidden, resolve.CodeDeviceNotBound)
	expect(t, e.do(http.MethodGet, base+"/auth-configs", ""), http.StatusUnauthorized, resolve.CodeJWTMissing)

	ns := decode[struct {
		Device namespaceDeviceView `json:"device"`
	}](t, e.do(http.MethodPut, base+"/namespace", `{"namespace":"room-101"}`, li...))
	if ns.Device.Namespace == nil || *ns.Device.Namespace != "room-101" {
		t.Fatalf("namespace: %+v", ns)
	}

	tok := decode[map[string]any](t, e.do(http.MethodPost, "/apps/auth/token", `{"namespace":"room-101","password":"p1","appId":"1"}`))
	if tok["deviceType"] != "teacher" || tok["isReadOnly"] != false || tok["note"] != autoauth.DefaultNote {
		t.Fatalf("teacher token: %+v", tok)
	}
	tok = decode[map[string]any](t, e.do(http.MethodPost, "/apps/auth/token", `{"uuid":"class-3a","appId":"1"}`))
	if tok["deviceType"] != "student" || tok["isReadOnly"] != true {
		t.Fatalf("open token: %+v", tok)
	}
	inst, err := e.ids.GetAppInstallByToken(context.Background(), tok["token"].(string))
	if err != nil || inst.CanWrite() {
		t.Fatalf("open install must be read-only: %+v err=%v", inst, err)
	}

	updated := decode[ruleResponse](t, e.do(http.MethodPut, base+"/auth-configs/"+teacher.ID, `{"isReadOnly":true}`, li...))
	if !updated.Config.IsReadOnly || !updated.Config.HasPassword {
		t.Fatalf("update: %+v", updated)
	}
	if rec := e.do(http.MethodDelete, base+"/auth-configs/"+teacher.ID, "", li...); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got=%d", rec.Code)
	}
	expect(t, e.do(http.MethodDelete, base+"/auth-configs/"+teacher.ID, "", li...), http.StatusNotFound, CodeNotFound)

	// Five wrong passwords are answered, the sixth is throttled.
	for i := 0; i < 5; i++ {
		expect(t, e.do(http.MethodPost, "/apps/auth/token", `{"namespace":"room-101","password":"nope","appId":"1"}`), http.StatusUnauthorized, CodeAutoAuthNoMatch)
	}
	rec = e.do(http.MethodPost, "/apps/auth/token", `{"namespace":"room-101","appId":"1"}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("sixth: got=%d want=%d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestAutoAuthToken_SuccessesDoNotCount(t *testing.T) {
	e := newEnv(t)
	e.register(t, "class-3a", "3A")
	li := bearer(e.login(t, e.acc).AccessToken)
	e.do(http.MethodPost, "/accounts/devices/bind", `{"uuid":"class-3a"}`, li...)
	if rec := e.do(http.MethodPost, "/auto-auth/devices/class-3a/auth-configs", `{"password":"p1"}`, li...); rec.Code != http.StatusCreated {
		t.Fatalf("create: got=%d", rec.Code)
	}

	for i := 0; i < 4; i++ {
		expect(t, e.do(http.MethodPost, "/apps/auth/token", `{"uuid":"class-3a","password":"bad","appId":"1"}`), http.StatusUnauthorized, CodeAutoAuthNoMatch)
	}
	if rec := e.do(http.MethodPost, "/apps/auth/token", `{"uuid":"class-3a","password":"p1","appId":"1"}`); rec.Code != http.StatusOK {
		t.Fatalf("success: got=%d body=%s", rec.Code, rec.Body)
	}
	expect(t, e.do(http.MethodPost, "/apps/auth/token", `{"uuid":"class-3a","password":"bad","appId":"1"}`), http.StatusUnauthorized, CodeAutoAuthNoMatch)
	expect(t, e.do(http.MethodPost, "/apps/auth/token", `{"uuid":"class-3a","password":"bad","appId":"1"}`), http.StatusTooManyRequests, "RATE_LIMITED")
}

func TestOAuthFlow(t *testing.T) {
	e := newEnv(t)

	providers := decode[providersResponse](t, e.do(http.MethodGet, "/accounts/oauth/providers", ""))
	if len(providers.Data) != 1 || providers.Data[0].ID != "hly" || providers.Data[0].AuthURL != "/accounts/oauth/hly" {
		t.Fatalf("providers: %+v", providers)
	}
	expect(t, e.do(http.MethodGet, "/accounts/oauth/google", ""), http.StatusBadRequest, CodeOAuthProvider)

	start := e.do(http.MethodGet, "/accounts/oauth/hly?redirect_uri="+url.QueryEscape("https://app.example.com/done"), "")
	if start.Code != http.StatusFound {
		t.Fatalf("start: got=%d", start.Code)
	}
	authURL, err := url.Parse(start.Header().Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	state := authURL.Query().Get("state")
	if state == "" || authURL.Query().Get("client_id") != "cid" {
		t.Fatalf("authorize url: %s", authURL)
	}

	cb := e.do(http.MethodGet, "/accounts/oauth/hly/callback?code=good-code&state="+state, "")
	if cb.Code != http.StatusFound {
		t.Fatalf("callback: got=%d", cb.Code)
	}
	landing, _ := url.Parse(cb.Header().Get("Location"))
	q := landing.Query()
	if landing.Host != "app.example.com" || landing.Path != "/done" || q.Get("success") != "true" || q.Get("provider") != "hly" {
		t.Fatalf("landing: %s", landing)
	}
	if q.Get("access_token") == "" || q.Get("token") != q.Get("access_token") || q.Get("refresh_token") == "" || q.Get("expires_in") != "900" {
		t.Fatalf("landing tokens: %v", q)
	}

	rec := e.do(http.MethodGet, "/accounts/profile", "", bearer(q.Get("access_token"))...)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile: got=%d body=%s", rec.Code, rec.Body)
	}
	profile := decode[struct {
		Data profileView `json:"data"`
	}](t, rec)
	if profile.Data.Provider != "hly" || profile.Data.Name != "teacher7" || profile.Data.Email != "t7@school.cn" {
		t.Fatalf("profile: %+v", profile.Data)
	}

	tests := []struct {
		name, query, wantErr string
	}{
		{"replayed state", "code=good-code&state=" + state, "invalid_state"},
		{"provider error", "error=access_denied", "access_denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodGet, "/accounts/oauth/hly/callback?"+tt.query, "")
			loc, _ := url.Parse(rec.Header().Get("Location"))
			if rec.Code != http.StatusFound || loc.Query().Get("success") != "false" || loc.Query().Get("error") != tt.wantErr {
				t.Fatalf("got=%d location=%s want error=%s", rec.Code, loc, tt.wantErr)
			}
		})
	}

	start = e.do(http.MethodGet, "/accounts/oauth/hly", "")
	authURL, _ = url.Parse(start.Header().Get("Location"))
	cb = e.do(http.MethodGet, "/accounts/oauth/hly/callback?code=bad-code&state="+authURL.Query().Get("state"), "")
	landing, _ = url.Parse(cb.Header().Get("Location"))
	if landing.Query().Get("error") != "token_exchange_failed" || landing.Path != "" {
		t.Fatalf("exchange failure landing: %s", landing)
	}
}

func TestOnlineDevices(t *testing.T) {
	e := newEnv(t)
	e.register(t, "class-3a", "3A")

	got := decode[struct {
		Devices []onlineDeviceView `json:"devices"`
	}](t, e.do(http.MethodGet, "/devices/online", ""))
	if len(got.Devices) != 2 {
		t.Fatalf("devices: %+v", got)
	}
	if d := got.Devices[0]; d.UUID != "class-3a" || d.Connections != 2 || d.Name == nil || *d.Name != "3A" {
		t.Fatalf("first: %+v", d)
	}
	if d := got.Devices[1]; d.UUID != "ghost" || d.Name != nil {
		t.Fatalf("unknown device: %+v", d)
	}
}

func TestWriteError_Mapping(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"resolve passthrough", resolve.NewError(http.StatusForbidden, resolve.CodePermissionDenied, "no"), http.StatusForbidden, resolve.CodePermissionDenied},
		{"expired refresh", session.ErrTokenExpired, http.StatusUnauthorized, CodeRefreshExpired},
		{"expired refresh jwt", fmt.Errorf("%w: %w", session.ErrTokenExpired, codec.ErrExpired), http.StatusUnauthorized, CodeRefreshExpired},
		{"revoked", session.ErrVersionMismatch, http.StatusUnauthorized, resolve.CodeTokenRevoked},
		{"bad refresh", session.ErrInvalidToken, http.StatusUnauthorized, CodeRefreshInvalid},
		{"not owner", autoauth.ErrNotOwner, http.StatusForbidden, resolve.CodeDeviceNotBound},
		{"duplicate rule", autoauth.ErrDuplicatePassword, http.StatusConflict, CodeConflict},
		{"oauth unconfigured", oauth.ErrNotConfigured, http.StatusInternalServerError, CodeOAuthConfig},
		{"long password", password.ErrPasswordTooLong, http.StatusBadRequest, CodeInvalidInput},
		{"identity conflict", identity.ConflictError{Op: "x", Field: "namespace"}, http.StatusConflict, CodeConflict},
		{"identity not found", identity.NotFoundError{Op: "x", Resource: "device"}, http.StatusNotFound, CodeNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.handler.writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "test.fail", tt.err)
			expect(t, rec, tt.status, tt.code)
		})
	}

	rec := httptest.NewRecorder()
	e.handler.writeError(rec, httptest.NewRequest(http.MethodPost, "/accounts/refresh", nil), "test.fail", session.ErrTokenExpired)
	var body struct {
		Error struct {
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error.Reason != ReasonRefreshExpired {
		t.Fatalf("expired refresh reason: got=%q err=%v want=%q", body.Error.Reason, err, ReasonRefreshExpired)
	}
}
