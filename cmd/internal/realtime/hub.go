package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "classworks/shared/contracts/realtime/v1"
)

// OnlineDevice is one device room with its live connection count.
type OnlineDevice struct {
	UUID        string `json:"uuid"`
	Connections int    `json:"connections"`
}

// Hub is the room index. Rooms are keyed by device uuid; a connection can
// be in several rooms and a room holds many connections. Both directions
// and the token presence table change under one lock.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[string]*Client    // uuid -> conn id -> client
	joined map[string]map[string]membership // conn id -> token -> membership
	tokens map[string]map[string]struct{}   // token -> conn ids
	seq    uint64

	onPresence func(onlineTokens int)
}

// membership is one token a connection joined with.
type membership struct {
	uuid string
	info TokenInfo
	seq  uint64
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		rooms:  make(map[string]map[string]*Client),
		joined: make(map[string]map[string]membership),
		tokens: make(map[string]map[string]struct{}),
	}
}

// Join adds c to uuid's room under token and returns the room size. info is
// kept per token, so leaving one token never changes what another allows.
func (h *Hub) Join(c *Client, uuid, token string, info TokenInfo) int {
	h.mu.Lock()
	room := h.rooms[uuid]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[uuid] = room
	}
	room[c.ID] = c

	toks := h.joined[c.ID]
	if toks == nil {
		toks = make(map[string]membership)
		h.joined[c.ID] = toks
	}
	h.seq++
	toks[token] = membership{uuid: uuid, info: info, seq: h.seq}

	conns := h.tokens[token]
	if conns == nil {
		conns = make(map[string]struct{})
		h.tokens[token] = conns
	}
	conns[c.ID] = struct{}{}

	n, online := len(room), len(h.tokens)
	h.mu.Unlock()

	h.log.Info("realtime.room.join", "conn_id", c.ID, "uuid", uuid, "connections", n)
	h.presence(online)
	return n
}

// LeaveToken drops token from c and leaves its room when no other token of
// c still maps there. It returns the room's uuid.
func (h *Hub) LeaveToken(c *Client, token string) (string, bool) {
	h.mu.Lock()
	m, ok := h.joined[c.ID][token]
	uuid := m.uuid
	if !ok {
		h.mu.Unlock()
		return "", false
	}
	h.dropTokenLocked(c.ID, token)
	still := false
	for _, o := range h.joined[c.ID] {
		if o.uuid == uuid {
			still = true
			break
		}
	}
	if !still {
		h.leaveRoomLocked(c.ID, uuid)
	}
	online := len(h.tokens)
	h.mu.Unlock()

	h.log.Info("realtime.room.leave", "conn_id", c.ID, "uuid", uuid)
	h.presence(online)
	return uuid, true
}

// LeaveAll removes c from every room and drops its tokens. It returns the
// rooms c was in.
func (h *Hub) LeaveAll(c *Client) []string {
	h.mu.Lock()
	var left []string
	seen := map[string]struct{}{}
	for tok, m := range h.joined[c.ID] {
		uuid := m.uuid
		if _, dup := seen[uuid]; !dup {
			seen[uuid] = struct{}{}
			left = append(left, uuid)
			h.leaveRoomLocked(c.ID, uuid)
		}
		h.dropTokenLocked(c.ID, tok)
	}
	delete(h.joined, c.ID)
	online := len(h.tokens)
	h.mu.Unlock()

	sort.Strings(left)
	if len(left) > 0 {
		h.log.Info("realtime.room.leave_all", "conn_id", c.ID, "rooms", len(left))
		h.presence(online)
	}
	return left
}

func (h *Hub) leaveRoomLocked(connID, uuid string) {
	room := h.rooms[uuid]
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, uuid)
	}
}

func (h *Hub) dropTokenLocked(connID, token string) {
	delete(h.joined[connID], token)
	conns := h.tokens[token]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.tokens, token)
	}
}

// Rooms returns the uuids c has joined, sorted.
func (h *Hub) Rooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[string]struct{}{}
	out := make([]string, 0, len(h.joined[c.ID]))
	for _, m := range h.joined[c.ID] {
		if _, dup := seen[m.uuid]; !dup {
			seen[m.uuid] = struct{}{}
			out = append(out, m.uuid)
		}
	}
	sort.Strings(out)
	return out
}

// Writable returns the rooms where c holds at least one token that is not
// read-only, sorted, and the info of its most recently joined such token.
// ok is false when no joined token may send.
func (h *Hub) Writable(c *Client) (rooms []string, info TokenInfo, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[string]struct{}{}
	var latest uint64
	for _, m := range h.joined[c.ID] {
		if m.info.IsReadOnly {
			continue
		}
		if m.seq > latest {
			latest, info = m.seq, m.info
		}
		if _, dup := seen[m.uuid]; !dup {
			seen[m.uuid] = struct{}{}
			rooms = append(rooms, m.uuid)
		}
	}
	sort.Strings(rooms)
	return rooms, info, len(rooms) > 0
}

// Current returns the info of the most recently joined token c still holds.
func (h *Hub) Current(c *Client) (TokenInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var (
		info   TokenInfo
		latest uint64
	)
	for _, m := range h.joined[c.ID] {
		if m.seq > latest {
			latest, info = m.seq, m.info
		}
	}
	return info, latest > 0
}

// Connections returns the size of uuid's room.
func (h *Hub) Connections(uuid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[uuid])
}

// Broadcast offers env to every member of uuid's room except the
// connection exceptID. Full queues drop the envelope. It returns the number
// of members that accepted it.
func (h *Hub) Broadcast(uuid string, env v1.Envelope, exceptID string) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[uuid]))
	for id, m := range h.rooms[uuid] {
		if id != exceptID {
			members = append(members, m)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, m := range members {
		if m.offer(env) {
			n++
		} else {
			h.log.Warn("realtime.broadcast.drop", "conn_id", m.ID, "uuid", uuid, "type", env.Type)
		}
	}
	return n
}

// OnlineDevices lists rooms by connection count, largest first.
func (h *Hub) OnlineDevices() []OnlineDevice {
	h.mu.RLock()
	out := make([]OnlineDevice, 0, len(h.rooms))
	for uuid, room := range h.rooms {
		out = append(out, OnlineDevice{UUID: uuid, Connections: len(room)})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Connections != out[j].Connections {
			return out[i].Connections > out[j].Connections
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

// OnlineTokens is the number of distinct tokens with a live connection.
func (h *Hub) OnlineTokens() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tokens)
}

func (h *Hub) presence(online int) {
	if h.onPresence != nil {
		h.onPresence(online)
	}
}
