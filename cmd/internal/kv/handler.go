package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"classworks/cmd/identity"
	"classworks/cmd/internal/auth/permission"
	"classworks/cmd/internal/auth/ratelimit"
	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/internal/httpx"
	realtimev1 "classworks/shared/contracts/realtime/v1"
)

// Paging defaults for the list routes.
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// Broadcaster announces key changes to a device's realtime room.
type Broadcaster interface {
	BroadcastKeyChanged(deviceUUID string, p realtimev1.KeyChangedPayload)
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastKeyChanged(string, realtimev1.KeyChangedPayload) {}

// AccountGetter loads the account a device is bound to.
type AccountGetter interface {
	GetAccount(ctx context.Context, id string) (identity.Account, error)
}

// Handler serves the /kv routes.
type Handler struct {
	store       Store
	accounts    AccountGetter
	resolver    *resolve.Resolver
	limits      *ratelimit.Set
	broadcaster Broadcaster
	log         *slog.Logger
	now         func() time.Time
	trustProxy  bool
	maxBody     int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithBroadcaster(b Broadcaster) HandlerOption {
	return func(h *Handler) {
		if b != nil {
			h.broadcaster = b
		}
	}
}

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithTrustProxy makes creator IPs and rate-limit keys honor X-Forwarded-For.
func WithTrustProxy(trust bool) HandlerOption {
	return func(h *Handler) { h.trustProxy = trust }
}

// WithMaxBody bounds request bodies. Zero keeps httpx.DefaultMaxBody.
func WithMaxBody(n int64) HandlerOption {
	return func(h *Handler) { h.maxBody = n }
}

// NewHandler builds the kv HTTP surface.
func NewHandler(store Store, accounts AccountGetter, rv *resolve.Resolver, limits *ratelimit.Set, opts ...HandlerOption) (*Handler, error) {
	if store == nil || accounts == nil || rv == nil || limits == nil {
		return nil, errors.New("kv: store, accounts, resolver and limits are required")
	}
	h := &Handler{
		store:       store,
		accounts:    accounts,
		resolver:    rv,
		limits:      limits,
		broadcaster: nopBroadcaster{},
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes returns the router to mount at /kv. The rate-limit class runs
// before authentication so rejected credentials still spend quota.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	key := ratelimit.ByTokenOrIP(h.trustProxy, resolve.TokenFrom)
	rv := h.resolver

	read := r.With(h.limits.Read.Middleware(key), rv.RequireDeviceToken, rv.RequireRead)
	write := r.With(h.limits.Write.Middleware(key), rv.RequireDeviceToken, rv.RequireWrite)
	del := r.With(h.limits.Delete.Middleware(key), rv.RequireDeviceToken, rv.RequireWrite)
	batch := r.With(h.limits.Batch.Middleware(key), rv.RequireDeviceToken, rv.RequireWrite)

	read.Get("/_info", h.handleInfo)
	read.Get("/_keys", h.handleKeys)
	read.Get("/", h.handleList)
	read.Get("/{key}", h.handleGet)
	read.Get("/{key}/metadata", h.handleMetadata)
	batch.Post("/_batchimport", h.handleBatchImport)
	write.Post("/{key}", h.handleUpsert)
	del.Delete("/{key}", h.handleDelete)
	return r
}

// ---- views ----

type deviceView struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type accountView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

type infoResponse struct {
	Device  deviceView   `json:"device"`
	Account *accountView `json:"account,omitempty"`
}

type metadataView struct {
	CreatorIP string    `json:"creatorIp"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type itemView struct {
	DeviceID string       `json:"deviceId"`
	Key      string       `json:"key"`
	Metadata metadataView `json:"metadata"`
}

func viewItem(it Item) itemView {
	return itemView{
		DeviceID: it.DeviceID,
		Key:      it.Key,
		Metadata: metadataView{CreatorIP: it.CreatorIP, CreatedAt: it.CreatedAt, UpdatedAt: it.UpdatedAt},
	}
}

type pageView struct {
	Limit int `json:"limit"`
	Skip  int `json:"skip"`
	Count int `json:"count"`
}

type keysResponse struct {
	Keys        []string `json:"keys"`
	TotalRows   int      `json:"total_rows"`
	CurrentPage pageView `json:"current_page"`
	LoadMore    string   `json:"load_more,omitempty"`
}

type listResponse struct {
	Items     []itemView `json:"items"`
	TotalRows int        `json:"total_rows"`
	LoadMore  string     `json:"load_more,omitempty"`
}

type upsertResponse struct {
	DeviceID  string    `json:"deviceId"`
	Key       string    `json:"key"`
	Created   bool      `json:"created"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type batchResult struct {
	Key     string `json:"key"`
	Created bool   `json:"created"`
}

type batchError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type batchResponse struct {
	DeviceID   string        `json:"deviceId"`
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Results    []batchResult `json:"results"`
	Errors     []batchError  `json:"errors,omitempty"`
}

// ---- handlers ----

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	p, _ := resolve.DeviceFrom(r.Context())
	d := p.Device
	resp := infoResponse{Device: deviceView{ID: d.ID, UUID: d.UUID, Name: d.Name, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}}
	if d.AccountID != nil {
		acc, err := h.accounts.GetAccount(r.Context(), *d.AccountID)
		switch {
		case err == nil:
			resp.Account = &accountView{ID: acc.ID, Name: acc.Name, AvatarURL: acc.AvatarURL}
		case identity.IsNotFound(err):
		default:
			h.internal(w, r, "kv.info.fail", err)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	p, _ := resolve.DeviceFrom(r.Context())
	q, err := parsePage(r.URL.Query())
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	items, err := h.visible(r.Context(), p, q.list)
	if err != nil {
		h.internal(w, r, "kv.keys.fail", err)
		return
	}
	page := paginate(items, q)
	keys := make([]string, 0, len(page))
	for _, it := range page {
		keys = append(keys, it.Key)
	}
	httpx.WriteJSON(w, http.StatusOK, keysResponse{
		Keys:        keys,
		TotalRows:   len(items),
		CurrentPage: pageView{Limit: q.limit, Skip: q.skip, Count: len(keys)},
		LoadMore:    q.loadMore(r.URL.Path, len(items)),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, _ := resolve.DeviceFrom(r.Context())
	q, err := parsePage(r.URL.Query())
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	items, err := h.visible(r.Context(), p, q.list)
	if err != nil {
		h.internal(w, r, "kv.list.fail", err)
		return
	}
	page := paginate(items, q)
	out := make([]itemView, 0, len(page))
	for _, it := range page {
		out = append(out, viewItem(it))
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{
		Items:     out,
		TotalRows: len(items),
		LoadMore:  q.loadMore(r.URL.Path, len(items)),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, key, ok := h.keyParam(w, r)
	if !ok {
		return
	}
	it, err := h.store.Get(r.Context(), p.Device.ID, key)
	if err != nil {
		h.storeError(w, r, "kv.get.fail", key, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(it.Value)
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	p, key, ok := h.keyParam(w, r)
	if !ok {
		return
	}
	it, err := h.store.Get(r.Context(), p.Device.ID, key)
	if err != nil {
		h.storeError(w, r, "kv.metadata.fail", key, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewItem(it))
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	p, key, ok := h.keyParam(w, r)
	if !ok {
		return
	}
	var value json.RawMessage
	if err := httpx.DecodeJSON(w, r, h.maxBody, &value); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "请提供有效的JSON值")
		return
	}
	if err := ValidateValue(value); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "请提供有效的JSON值")
		return
	}
	it, err := h.store.Upsert(r.Context(), p.Device.ID, key, value, httpx.ClientIPString(r, h.trustProxy), h.now())
	if err != nil {
		h.storeError(w, r, "kv.upsert.fail", key, err)
		return
	}
	h.announceUpsert(p.Device.UUID, it, false)
	httpx.WriteJSON(w, http.StatusOK, upsertResponse{DeviceID: it.DeviceID, Key: it.Key, Created: it.Created(), UpdatedAt: it.UpdatedAt})
}

func (h *Handler) handleBatchImport(w http.ResponseWriter, r *http.Request) {
	p, _ := resolve.DeviceFrom(r.Context())
	var data map[string]json.RawMessage
	if err := httpx.DecodeJSON(w, r, h.maxBody, &data); err != nil || len(data) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", `请提供有效的JSON数据，格式为 {"key":{}, "key2":{}}`)
		return
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ip := httpx.ClientIPString(r, h.trustProxy)
	resp := batchResponse{DeviceID: p.Device.ID, Total: len(keys), Results: make([]batchResult, 0, len(keys))}
	for _, k := range keys {
		if err := p.Filter.Check(k); err != nil {
			resp.Errors = append(resp.Errors, batchError{Key: k, Error: err.Error()})
			continue
		}
		if err := ValidateValue(data[k]); err != nil {
			resp.Errors = append(resp.Errors, batchError{Key: k, Error: err.Error()})
			continue
		}
		it, err := h.store.Upsert(r.Context(), p.Device.ID, k, data[k], ip, h.now())
		if err != nil {
			if !errors.Is(err, ErrInvalidInput) {
				h.log.Error("kv.batch.item.fail", "key", k, "err", err)
			}
			resp.Errors = append(resp.Errors, batchError{Key: k, Error: err.Error()})
			continue
		}
		resp.Results = append(resp.Results, batchResult{Key: it.Key, Created: it.Created()})
		h.announceUpsert(p.Device.UUID, it, true)
	}
	resp.Successful = len(resp.Results)
	resp.Failed = len(resp.Errors)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, key, ok := h.keyParam(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), p.Device.ID, key); err != nil {
		h.storeError(w, r, "kv.delete.fail", key, err)
		return
	}
	at := h.now().UTC()
	h.broadcaster.BroadcastKeyChanged(p.Device.UUID, realtimev1.KeyChangedPayload{
		Key:       key,
		Action:    realtimev1.KeyActionDelete,
		DeletedAt: &at,
	})
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func (h *Handler) announceUpsert(uuid string, it Item, batch bool) {
	created := it.Created()
	at := it.UpdatedAt
	h.broadcaster.BroadcastKeyChanged(uuid, realtimev1.KeyChangedPayload{
		Key:       it.Key,
		Action:    realtimev1.KeyActionUpsert,
		Created:   &created,
		UpdatedAt: &at,
		Batch:     batch,
	})
}

// keyParam returns the route key after the install's permission check.
func (h *Handler) keyParam(w http.ResponseWriter, r *http.Request) (resolve.DevicePrincipal, string, bool) {
	p, _ := resolve.DeviceFrom(r.Context())
	key := chi.URLParam(r, "key")
	if k, err := url.PathUnescape(key); err == nil {
		key = k
	}
	if err := ValidateKey(key); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid key")
		return p, "", false
	}
	if err := p.Filter.Check(key); err != nil {
		httpx.WriteError(w, http.StatusForbidden, resolve.CodePermissionDenied, err.Error())
		return p, "", false
	}
	return p, key, true
}

// visible lists the device's items the install may see.
func (h *Handler) visible(ctx context.Context, p resolve.DevicePrincipal, opts ListOptions) ([]Item, error) {
	items, err := h.store.List(ctx, p.Device.ID, opts)
	if err != nil {
		return nil, err
	}
	if p.Filter.Unrestricted() {
		return items, nil
	}
	out := items[:0]
	for _, it := range items {
		if p.Filter.Allowed(it.Key) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, event, key string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "KV_KEY_NOT_FOUND", fmt.Sprintf("未找到键名为 '%s' 的记录", key))
	case errors.Is(err, ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, permission.ErrDenied):
		httpx.WriteError(w, http.StatusForbidden, resolve.CodePermissionDenied, err.Error())
	default:
		h.internal(w, r, event, err)
	}
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.log.Error(event, "path", r.URL.Path, "err", err)
	httpx.WriteError(w, http.StatusInternalServerError, resolve.CodeInternal, "internal error")
}

type pageQuery struct {
	list  ListOptions
	limit int
	skip  int
}

func parsePage(q url.Values) (pageQuery, error) {
	out := pageQuery{limit: DefaultPageLimit}
	switch v := strings.TrimSpace(q.Get("sortBy")); v {
	case "", SortKey, SortCreatedAt, SortUpdatedAt:
		out.list.SortBy = v
	default:
		return pageQuery{}, fmt.Errorf("sortBy must be one of %s, %s, %s", SortKey, SortCreatedAt, SortUpdatedAt)
	}
	out.list = out.list.normalized()
	switch strings.ToLower(strings.TrimSpace(q.Get("sortDir"))) {
	case "", "asc":
	case "desc":
		out.list.Desc = true
	default:
		return pageQuery{}, errors.New("sortDir must be asc or desc")
	}
	var err error
	if out.limit, err = intParam(q, "limit", DefaultPageLimit); err != nil {
		return pageQuery{}, err
	}
	switch {
	case out.limit == 0:
		out.limit = DefaultPageLimit
	case out.limit > MaxPageLimit:
		out.limit = MaxPageLimit
	}
	if out.skip, err = intParam(q, "skip", 0); err != nil {
		return pageQuery{}, err
	}
	return out, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func paginate(items []Item, q pageQuery) []Item {
	if q.skip >= len(items) {
		return nil
	}
	end := min(q.skip+q.limit, len(items))
	return items[q.skip:end]
}

func (q pageQuery) loadMore(path string, total int) string {
	next := q.skip + q.limit
	if next >= total {
		return ""
	}
	dir := "asc"
	if q.list.Desc {
		dir = "desc"
	}
	v := url.Values{}
	v.Set("sortBy", q.list.SortBy)
	v.Set("sortDir", dir)
	v.Set("limit", strconv.Itoa(q.limit))
	v.Set("skip", strconv.Itoa(next))
	return path + "?" + v.Encode()
}
