package chat

import (
	"context"
	"encoding/json"
	"sync"

	"CProject/logger"
	"CProject/module/chat/model"
	"CProject/tools/safe"
)

// Relay mirrors room payloads to the other gateway nodes. natsx
// implements it; a nil relay keeps fanout node-local.
type Relay interface {
	PublishRoom(chatID int64, payload []byte) error
}

// PresenceNotifier receives connection-layer events. The presence router
// consumes them to recompute online partitions on demand.
type PresenceNotifier interface {
	OnConnect(ctx context.Context, userID string)
	OnDisconnect(ctx context.Context, userID string)
}

// Manager is the live-connection topology: user -> connections and
// room -> subscribed connections. It implements the presence layer's
// Live contract.
type Manager struct {
	mu     sync.RWMutex
	byUser map[string]map[*Client]bool
	rooms  map[int64]map[*Client]bool

	fanout   *Fanout
	relay    Relay
	notifier PresenceNotifier
}

func NewManager(fanout *Fanout) *Manager {
	return &Manager{
		byUser: make(map[string]map[*Client]bool),
		rooms:  make(map[int64]map[*Client]bool),
		fanout: fanout,
	}
}

// SetRelay and SetNotifier are wired at boot, before any connection is
// accepted.
func (m *Manager) SetRelay(r Relay)               { m.relay = r }
func (m *Manager) SetNotifier(n PresenceNotifier) { m.notifier = n }

func (m *Manager) Register(c *Client) {
	m.mu.Lock()
	if m.byUser[c.UserID] == nil {
		m.byUser[c.UserID] = make(map[*Client]bool)
	}
	m.byUser[c.UserID][c] = true
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.OnConnect(context.Background(), c.UserID)
	}
}

// Unregister drops the client from every index. The user counts as
// disconnected only when their last connection goes.
func (m *Manager) Unregister(c *Client) {
	m.mu.Lock()
	delete(m.byUser[c.UserID], c)
	lastConn := len(m.byUser[c.UserID]) == 0
	if lastConn {
		delete(m.byUser, c.UserID)
	}
	for chatID, subs := range m.rooms {
		delete(subs, c)
		if len(subs) == 0 {
			delete(m.rooms, chatID)
		}
	}
	m.mu.Unlock()

	c.shutdown()
	if lastConn && m.notifier != nil {
		m.notifier.OnDisconnect(context.Background(), c.UserID)
	}
}

// Online filters userIDs down to those holding at least one connection.
func (m *Manager) Online(userIDs []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, u := range userIDs {
		if len(m.byUser[u]) > 0 {
			out = append(out, u)
		}
	}
	return out
}

func (m *Manager) RoomActive(chatID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[chatID]) > 0
}

// JoinRoom subscribes every current connection of the given users. Users
// without a connection are skipped; they cannot hold a subscription.
func (m *Manager) JoinRoom(chatID int64, userIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range userIDs {
		for c := range m.byUser[u] {
			if m.rooms[chatID] == nil {
				m.rooms[chatID] = make(map[*Client]bool)
			}
			m.rooms[chatID][c] = true
		}
	}
}

func (m *Manager) LeaveRoom(chatID int64, userIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.rooms[chatID]
	if subs == nil {
		return
	}
	for _, u := range userIDs {
		for c := range m.byUser[u] {
			delete(subs, c)
		}
	}
	if len(subs) == 0 {
		delete(m.rooms, chatID)
	}
}

// CloseRoom forces every connection out of the room.
func (m *Manager) CloseRoom(chatID int64) {
	m.mu.Lock()
	delete(m.rooms, chatID)
	m.mu.Unlock()
}

// EmitRoom delivers the event to the room's local subscribers and relays
// it to the other gateway nodes.
func (m *Manager) EmitRoom(chatID int64, ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[ws] event marshal failed: chat=%d type=%s err=%v", chatID, ev.Type, err)
		return
	}
	m.emitLocal(chatID, payload)
	if m.relay != nil {
		relay := m.relay
		safe.Go(func() {
			if err := relay.PublishRoom(chatID, payload); err != nil {
				logger.Warnf("[ws] room relay failed: chat=%d err=%v", chatID, err)
			}
		})
	}
}

// HandleRelayed feeds a payload received from another gateway node into
// the local fanout only; relaying it again would loop.
func (m *Manager) HandleRelayed(chatID int64, payload []byte) {
	m.emitLocal(chatID, payload)
}

func (m *Manager) emitLocal(chatID int64, payload []byte) {
	m.mu.RLock()
	subs := m.rooms[chatID]
	conns := make([]*Client, 0, len(subs))
	for c := range subs {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	m.fanout.Broadcast(conns, payload)
}

// SendUser delivers to every connection of one user, bypassing rooms.
func (m *Manager) SendUser(userID string, payload []byte) {
	m.mu.RLock()
	conns := make([]*Client, 0, len(m.byUser[userID]))
	for c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	m.fanout.Broadcast(conns, payload)
}
