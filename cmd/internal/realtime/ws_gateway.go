package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"classworks/cmd/internal/auth/resolve"
	"classworks/cmd/security/token"
	v1 "classworks/shared/contracts/realtime/v1"
)

// Subprotocol is offered to clients that negotiate one. It is not required.
const Subprotocol = "classworks.realtime.v1"

const (
	wsCloseGrace      = time.Second
	wsMaxPingFailures = 3
)

// Event kinds reported to the event counter.
const (
	EventKindClient     = "client"
	EventKindKeyChanged = "kv-key-changed"
	EventKindSystem     = "system"
	EventKindRejected   = "rejected"
)

var (
	kvSenderInfo = v1.SenderInfo{
		AppID:      "5c2a54d553951a37b47066ead68c8642",
		DeviceType: "server",
		DeviceName: "realtime",
		Note:       "Database realtime sync",
	}
	systemSenderInfo = v1.SenderInfo{
		AppID:      "system",
		DeviceType: "system",
		DeviceName: "System",
		Note:       "System broadcast",
	}
)

// ErrContentNotObject rejects device event content that is not an object or null.
var ErrContentNotObject = errors.New("realtime: content must be a JSON object or null")

// TokenResolver maps an app token to its install and device.
type TokenResolver interface {
	ResolveDeviceToken(ctx context.Context, tok string) (resolve.DevicePrincipal, error)
}

// WSGateway is the websocket entry point for device rooms.
//
// It enforces the origin policy, heartbeats, a per-connection event quota
// and write deadlines, and routes validated envelopes to the Hub.
type WSGateway struct {
	log     *slog.Logger
	cfg     Config
	tokens  TokenResolver
	hub     *Hub
	history *History
	cache   *TokenCache
	now     func() time.Time
	onEvent func(kind string)

	allowAny       bool
	originPatterns []string
}

// Option configures a WSGateway.
type Option func(*WSGateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *WSGateway) {
		if l != nil {
			g.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *WSGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithEventCounter is called once per relayed, broadcast or rejected event.
func WithEventCounter(fn func(kind string)) Option {
	return func(g *WSGateway) { g.onEvent = fn }
}

// WithPresence is called with the number of distinct online tokens after
// every join and leave.
func WithPresence(fn func(onlineTokens int)) Option {
	return func(g *WSGateway) { g.hub.onPresence = fn }
}

// NewWSGateway constructs a gateway.
func NewWSGateway(cfg Config, tokens TokenResolver, opts ...Option) (*WSGateway, error) {
	if tokens == nil {
		return nil, errors.New("realtime: nil token resolver")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SendQueue = max(cfg.SendQueue, minSendQueue)

	g := &WSGateway{
		log:     slog.Default(),
		cfg:     cfg,
		tokens:  tokens,
		history: NewHistory(cfg.HistorySize),
		cache:   NewTokenCache(cfg.TokenCacheSize, cfg.TokenCacheTTL),
		now:     time.Now,
	}
	g.hub = NewHub(g.log)
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.hub.log = g.log

	for _, o := range cfg.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			g.allowAny = true
		}
	}
	// websocket.Accept runs its own cross-origin check against host
	// patterns, so derive them from the same allowlist.
	if g.allowAny {
		g.originPatterns = []string{"*"}
	} else {
		g.originPatterns = originPatterns(cfg.AllowedOrigins)
	}
	return g, nil
}

// Hub exposes the room index.
func (g *WSGateway) Hub() *Hub { return g.hub }

// OnlineDevices lists device rooms by connection count.
func (g *WSGateway) OnlineDevices() []OnlineDevice { return g.hub.OnlineDevices() }

// TokenInfo returns cached metadata for an app token seen on a join.
func (g *WSGateway) TokenInfo(tok string) (TokenInfo, bool) { return g.cache.Get(tok) }

// EventHistory pages through uuid's recorded events, oldest first.
func (g *WSGateway) EventHistory(uuid string, limit, offset int) []v1.Event {
	return g.history.Page(uuid, limit, offset)
}

// ForgetDevice drops uuid's history and cached tokens.
func (g *WSGateway) ForgetDevice(uuid string) {
	g.history.Forget(uuid)
	g.cache.ForgetDevice(uuid)
}

// BroadcastKeyChanged announces a kv mutation to uuid's room.
func (g *WSGateway) BroadcastKeyChanged(uuid string, p v1.KeyChangedPayload) {
	if strings.TrimSpace(uuid) == "" {
		return
	}
	content, err := json.Marshal(p)
	if err != nil {
		g.log.Error("realtime.kv.marshal.fail", "uuid", uuid, "err", err)
		return
	}
	now := g.now().UTC()
	g.publish(uuid, v1.Event{
		EventID:    newEventID("kv", now),
		Type:       v1.TypeKeyChanged,
		Content:    content,
		Timestamp:  now,
		SenderID:   v1.KeyChangedSenderID,
		SenderInfo: kvSenderInfo,
	}, "")
	g.count(EventKindKeyChanged)
}

// BroadcastDeviceEvent sends a server-originated event of type typ to uuid's
// room. content must be a JSON object or null; an empty senderID means
// "system".
func (g *WSGateway) BroadcastDeviceEvent(uuid, typ string, content json.RawMessage, senderID string) error {
	typ = strings.TrimSpace(typ)
	if strings.TrimSpace(uuid) == "" || typ == "" {
		return errors.New("realtime: uuid and type are required")
	}
	content, ok := objectOrNull(content)
	if !ok {
		return ErrContentNotObject
	}
	if senderID == "" {
		senderID = v1.DeviceEventSenderID
	}
	now := g.now().UTC()
	g.publish(uuid, v1.Event{
		EventID:    newEventID("sys", now),
		Type:       typ,
		Content:    content,
		Timestamp:  now,
		SenderID:   senderID,
		SenderInfo: systemSenderInfo,
	}, "")
	g.count(EventKindSystem)
	return nil
}

// publish records ev into uuid's history and fans it out to the room,
// skipping exceptID.
func (g *WSGateway) publish(uuid string, ev v1.Event, exceptID string) {
	recorded := ev
	recorded.RecordedAt = g.now().UTC()
	g.history.Record(uuid, recorded)

	env, err := v1.NewEnvelope(ev.Type, newEventID("", ev.Timestamp), ev.Timestamp, ev)
	if err != nil {
		g.log.Error("realtime.publish.fail", "uuid", uuid, "type", ev.Type, "err", err)
		return
	}
	g.hub.Broadcast(uuid, env, exceptID)
}

func (g *WSGateway) count(kind string) {
	if g.onEvent != nil {
		g.onEvent(kind)
	}
}

// ServeHTTP lets the gateway be mounted as an http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the connection until it closes.
// A token or apptoken query parameter joins that device room immediately.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(newConnID(g.now()), r.UserAgent(), g.cfg.SendQueue)
	g.log.Info("ws.connect", "conn_id", client.ID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown leaves every room before the client stops, so broadcasters
	// never hold a member whose goroutines are gone.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.LeaveAll(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// lastSeen is the last inbound frame or answered ping. Listeners that
	// never send stay alive as long as they answer heartbeats.
	var lastSeen atomic.Int64
	alive := func() { lastSeen.Store(time.Now().UnixNano()) }
	alive()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
				} else {
					failures = 0
					alive()
				}
				if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > g.cfg.ReadIdleTimeout {
					g.log.Info("ws.idle.timeout", "conn_id", client.ID, "idle", idle)
					shutdown(websocket.StatusGoingAway, "idle timeout")
					return
				}
			}
		}
	}()

	q := r.URL.Query()
	if tok := firstNonBlank(q.Get("token"), q.Get("apptoken")); tok != "" {
		g.join(ctx, client, tok)
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		data, err := readFrame(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}
		alive()

		if !rl.Allow(g.now()) {
			g.sendError(client, v1.ReasonRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.sendError(client, "bad_json", "invalid JSON")
			continue
		}
		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeJoinToken:
			var p v1.TokenPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.Value() != "" {
				g.join(ctx, client, p.Value())
			}
		case v1.TypeLeaveToken:
			var p v1.TokenPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.Value() != "" {
				g.hub.LeaveToken(client, p.Value())
			}
		case v1.TypeLeaveAll:
			g.hub.LeaveAll(client)
		case v1.TypeSendEvent:
			g.onSendEvent(client, env.Payload)
		case v1.TypeGetEventHistory:
			g.onHistory(client, env.Payload)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.disconnect", "conn_id", client.ID)
}

// ---- handlers ----

func (g *WSGateway) join(ctx context.Context, c *Client, tok string) {
	p, err := g.tokens.ResolveDeviceToken(ctx, tok)
	if err != nil {
		reason := v1.ReasonDatabaseError
		if e, ok := resolve.AsError(err); ok && e.Status < http.StatusInternalServerError {
			reason = v1.ReasonInvalidToken
		} else {
			g.log.Error("ws.join.fail", "conn_id", c.ID, "token_fp", token.Fingerprint(tok), "err", err)
		}
		g.send(c, v1.TypeJoinError, v1.JoinErrorPayload{By: "token", Reason: reason})
		return
	}

	detected := DetectDevice(c.UserAgent)
	info := TokenInfo{
		AppID:          p.Install.AppID,
		IsReadOnly:     p.Install.IsReadOnly,
		DeviceType:     p.Install.DeviceType,
		Note:           p.Install.Note,
		DeviceUUID:     p.Device.UUID,
		DeviceName:     deviceName(detected, p.Install.Note),
		DetectedDevice: detected,
		InstalledAt:    p.Install.InstalledAt,
	}
	g.cache.Put(tok, info)

	n := g.hub.Join(c, p.Device.UUID, tok, info)
	g.send(c, v1.TypeJoined, v1.JoinedPayload{
		By:   "token",
		UUID: p.Device.UUID,
		TokenInfo: v1.JoinedTokenInfo{
			IsReadOnly: info.IsReadOnly,
			DeviceType: info.DeviceType,
			DeviceName: info.DeviceName,
			UserAgent:  c.UserAgent,
		},
	})
	if env, err := v1.NewEnvelope(v1.TypeDeviceJoined, newEventID("", g.now()), g.now(),
		v1.DeviceJoinedPayload{UUID: p.Device.UUID, Connections: n}); err == nil {
		g.hub.Broadcast(p.Device.UUID, env, "")
	}
}

func (g *WSGateway) onSendEvent(c *Client, raw json.RawMessage) {
	reject := func(reason string, maxSize int) {
		g.count(EventKindRejected)
		g.send(c, v1.TypeEventError, v1.EventErrorPayload{Reason: reason, MaxSize: maxSize})
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		reject(v1.ReasonInvalidDataFormat, 0)
		return
	}
	var typ string
	if err := json.Unmarshal(fields["type"], &typ); err != nil || strings.TrimSpace(typ) == "" {
		reject(v1.ReasonInvalidEventType, 0)
		return
	}
	typ = strings.TrimSpace(typ)
	content, ok := objectOrNull(fields["content"])
	if !ok {
		reject(v1.ReasonContentNotObject, 0)
		return
	}
	if len(g.hub.Rooms(c)) == 0 {
		reject(v1.ReasonNotJoined, 0)
		return
	}
	// Only rooms reached through a writable token receive the event.
	rooms, info, ok := g.hub.Writable(c)
	if !ok {
		reject(v1.ReasonReadOnlyToken, 0)
		return
	}
	if len(content) > v1.MaxEventContentBytes {
		reject(v1.ReasonContentTooLarge, v1.MaxEventContentBytes)
		return
	}

	now := g.now().UTC()
	ev := v1.Event{
		EventID:   newEventID("", now),
		Type:      typ,
		Content:   content,
		Timestamp: now,
		SenderID:  c.ID,
		SenderInfo: v1.SenderInfo{
			AppID:      info.AppID,
			DeviceType: info.DeviceType,
			DeviceName: info.DeviceName,
			IsReadOnly: info.IsReadOnly,
			Note:       info.Note,
		},
	}
	for _, uuid := range rooms {
		g.publish(uuid, ev, c.ID)
	}
	g.count(EventKindClient)
	g.send(c, v1.TypeEventSent, v1.EventSentPayload{
		EventID:       ev.EventID,
		EventName:     typ,
		Timestamp:     now,
		TargetDevices: len(rooms),
		SenderInfo:    ev.SenderInfo,
	})
}

func (g *WSGateway) onHistory(c *Client, raw json.RawMessage) {
	rooms := g.hub.Rooms(c)
	if len(rooms) == 0 {
		g.send(c, v1.TypeEventHistoryError, v1.EventHistoryErrorPayload{Reason: v1.ReasonNotJoined})
		return
	}
	var p v1.HistoryFetchPayload
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	limit, offset := v1.DefaultHistoryLimit, 0
	if p.Limit != nil && *p.Limit > 0 {
		limit = min(*p.Limit, maxHistoryPage)
	}
	if p.Offset != nil && *p.Offset > 0 {
		offset = *p.Offset
	}

	out := v1.EventHistoryPayload{Devices: make(map[string][]v1.Event, len(rooms)), Timestamp: g.now().UTC()}
	for _, uuid := range rooms {
		out.Devices[uuid] = g.history.Page(uuid, limit, offset)
	}
	if info, ok := g.hub.Current(c); ok {
		out.RequestedBy = v1.RequestedBy{DeviceType: info.DeviceType, DeviceName: info.DeviceName, IsReadOnly: info.IsReadOnly}
	}
	g.send(c, v1.TypeEventHistory, out)
}

// ---- send helpers ----

func (g *WSGateway) send(c *Client, typ string, payload any) bool {
	now := g.now()
	env, err := v1.NewEnvelope(typ, newEventID("", now), now, payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "conn_id", c.ID, "type", typ, "err", err)
		return false
	}
	if !c.offer(env) {
		g.log.Warn("ws.send.drop", "conn_id", c.ID, "type", typ)
		return false
	}
	return true
}

func (g *WSGateway) sendError(c *Client, code, msg string) {
	g.send(c, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// objectOrNull normalizes content: absent or null becomes null, an object
// is compacted, anything else is rejected.
func objectOrNull(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("null"), true
	}
	if trimmed[0] != '{' {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if g.allowAny {
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if origin == a || (host != "" && host == originHost(a)) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost returns the lowercase host of an origin or host[:port] string.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" {
			continue
		}
		if _, dup := seen[h]; !dup {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}
