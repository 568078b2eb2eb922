package presence

import (
	"context"
	"sort"
	"sync"
	"testing"

	"CProject/module/chat/model"
)

type fakeLive struct {
	mu     sync.Mutex
	online map[string]bool
	rooms  map[int64]map[string]bool
	events []model.Event
	closed []int64
}

func newFakeLive(online ...string) *fakeLive {
	f := &fakeLive{online: map[string]bool{}, rooms: map[int64]map[string]bool{}}
	for _, u := range online {
		f.online[u] = true
	}
	return f
}

func (f *fakeLive) Online(userIDs []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, u := range userIDs {
		if f.online[u] {
			out = append(out, u)
		}
	}
	return out
}

func (f *fakeLive) RoomActive(chatID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms[chatID]) > 0
}

func (f *fakeLive) JoinRoom(chatID int64, userIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[chatID] == nil {
		f.rooms[chatID] = map[string]bool{}
	}
	for _, u := range userIDs {
		// Only connected users can hold a room subscription.
		if f.online[u] {
			f.rooms[chatID][u] = true
		}
	}
}

func (f *fakeLive) LeaveRoom(chatID int64, userIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range userIDs {
		delete(f.rooms[chatID], u)
	}
}

func (f *fakeLive) CloseRoom(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, chatID)
	f.closed = append(f.closed, chatID)
}

func (f *fakeLive) EmitRoom(_ int64, ev model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fakeCache struct {
	active map[string]map[int64]bool
	missed map[string]map[int64]bool
	left   map[int64]map[string]bool
}

func newFakeCacheP() *fakeCache {
	return &fakeCache{
		active: map[string]map[int64]bool{},
		missed: map[string]map[int64]bool{},
		left:   map[int64]map[string]bool{},
	}
}

func (f *fakeCache) AddActive(_ context.Context, chatID int64, userIDs []string) error {
	for _, u := range userIDs {
		if f.active[u] == nil {
			f.active[u] = map[int64]bool{}
		}
		f.active[u][chatID] = true
	}
	return nil
}

func (f *fakeCache) RemoveActive(_ context.Context, chatID int64, userIDs []string) error {
	for _, u := range userIDs {
		delete(f.active[u], chatID)
	}
	return nil
}

func (f *fakeCache) ActiveChats(_ context.Context, userID string) ([]int64, error) {
	var out []int64
	for c := range f.active[userID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeCache) SetMissed(_ context.Context, chatID int64, userIDs []string) error {
	for _, u := range userIDs {
		if f.missed[u] == nil {
			f.missed[u] = map[int64]bool{}
		}
		f.missed[u][chatID] = true
	}
	return nil
}

func (f *fakeCache) ClearMissed(_ context.Context, chatID int64, userID string) error {
	delete(f.missed[userID], chatID)
	return nil
}

func (f *fakeCache) AddLeft(_ context.Context, chatID int64, userIDs []string) error {
	if f.left[chatID] == nil {
		f.left[chatID] = map[string]bool{}
	}
	for _, u := range userIDs {
		f.left[chatID][u] = true
	}
	return nil
}

func (f *fakeCache) DrainLeft(_ context.Context, chatID int64) ([]string, error) {
	var out []string
	for u := range f.left[chatID] {
		out = append(out, u)
	}
	delete(f.left, chatID)
	return out, nil
}

func (f *fakeCache) ClearLeft(_ context.Context, chatID int64) error {
	delete(f.left, chatID)
	return nil
}

type fakeMembers struct {
	ids map[int64][]string
}

func (f *fakeMembers) MemberIDs(_ context.Context, chatID int64) ([]string, error) {
	return f.ids[chatID], nil
}

func TestJoinRoomZeroOnlineNeverActivates(t *testing.T) {
	live := newFakeLive() // nobody connected
	cache := newFakeCacheP()
	members := &fakeMembers{ids: map[int64][]string{1: {"a", "b", "c"}}}
	r := NewRouter(live, cache, members)

	joined, err := r.JoinRoom(context.Background(), "a", 1)
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if joined {
		t.Fatalf("room activated with zero online members")
	}
	if live.RoomActive(1) {
		t.Fatalf("room has subscriptions although nobody is online")
	}
	if !cache.missed["b"][1] || !cache.missed["c"][1] {
		t.Fatalf("offline members missing missed flags: %+v", cache.missed)
	}
	// The joiner themselves never gets a missed flag from their own join.
	if cache.missed["a"][1] {
		t.Fatalf("joiner flagged as missed")
	}
}

func TestJoinRoomNeverSubscribesOffline(t *testing.T) {
	live := newFakeLive("a", "b") // c is offline
	cache := newFakeCacheP()
	members := &fakeMembers{ids: map[int64][]string{1: {"a", "b", "c"}}}
	r := NewRouter(live, cache, members)

	joined, err := r.JoinRoom(context.Background(), "a", 1)
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if !joined {
		t.Fatalf("room must activate with online members present")
	}
	if live.rooms[1]["c"] {
		t.Fatalf("offline member subscribed to the room")
	}
	if !live.rooms[1]["a"] || !live.rooms[1]["b"] {
		t.Fatalf("online members not subscribed: %+v", live.rooms[1])
	}
	if !cache.missed["c"][1] {
		t.Fatalf("offline member has no missed flag")
	}
}

func TestJoinRoomFastPathClearsMissed(t *testing.T) {
	live := newFakeLive("a", "b")
	cache := newFakeCacheP()
	members := &fakeMembers{ids: map[int64][]string{1: {"a", "b"}}}
	r := NewRouter(live, cache, members)

	if _, err := r.JoinRoom(context.Background(), "a", 1); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	_ = cache.SetMissed(context.Background(), 1, []string{"b"})

	joined, err := r.JoinRoom(context.Background(), "b", 1)
	if err != nil {
		t.Fatalf("fast-path join failed: %v", err)
	}
	if !joined {
		t.Fatalf("fast path must join an active room")
	}
	if cache.missed["b"][1] {
		t.Fatalf("missed flag not cleared on join")
	}
}

func TestLeftSetReconciliation(t *testing.T) {
	live := newFakeLive("a", "b")
	cache := newFakeCacheP()
	members := &fakeMembers{ids: map[int64][]string{1: {"a", "b", "c"}}}
	r := NewRouter(live, cache, members)

	if _, err := r.JoinRoom(context.Background(), "a", 1); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// b drops their connection: they are recorded as left.
	live.mu.Lock()
	live.online["b"] = false
	delete(live.rooms[1], "b")
	live.mu.Unlock()
	r.OnDisconnect(context.Background(), "b")
	if !cache.left[1]["b"] {
		t.Fatalf("disconnected member not in left set")
	}

	// Any re-entry drains the set and flags everyone but the enterer.
	if _, err := r.JoinRoom(context.Background(), "a", 1); err != nil {
		t.Fatalf("re-entry failed: %v", err)
	}
	if !cache.missed["b"][1] {
		t.Fatalf("left member got no missed flag after re-entry")
	}
	if len(cache.left[1]) != 0 {
		t.Fatalf("left set not drained: %+v", cache.left[1])
	}
}

func TestManageMembershipRemoveNotifiesAfterCacheMutation(t *testing.T) {
	live := newFakeLive("a", "b")
	cache := newFakeCacheP()
	r := NewRouter(live, cache, &fakeMembers{})

	_ = cache.AddActive(context.Background(), 1, []string{"a", "b"})
	live.JoinRoom(1, []string{"a", "b"})

	if err := r.ManageMembership(context.Background(), 1, []string{"b"}, ModeRemove, ManageOpts{Notify: true}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if cache.active["b"][1] {
		t.Fatalf("cache still lists b as active")
	}
	if len(live.events) != 1 || live.events[0].Type != model.EventMemberLeft || live.events[0].UserID != "b" {
		t.Fatalf("member-left event wrong: %+v", live.events)
	}
}

func TestEndRoomSkipEvent(t *testing.T) {
	live := newFakeLive("a", "b")
	cache := newFakeCacheP()
	r := NewRouter(live, cache, &fakeMembers{})

	_ = cache.AddActive(context.Background(), 1, []string{"a", "b"})
	_ = cache.AddLeft(context.Background(), 1, []string{"x"})
	live.JoinRoom(1, []string{"a", "b"})

	if err := r.EndRoom(context.Background(), 1, []string{"a", "b"}, EndOpts{SkipEvent: true}); err != nil {
		t.Fatalf("EndRoom failed: %v", err)
	}
	if live.RoomActive(1) {
		t.Fatalf("room still active after EndRoom")
	}
	if len(live.events) != 0 {
		t.Fatalf("chat-ended emitted although suppressed: %+v", live.events)
	}
	if len(cache.left[1]) != 0 {
		t.Fatalf("left set survived EndRoom")
	}
	if cache.active["a"][1] || cache.active["b"][1] {
		t.Fatalf("active tracking survived EndRoom")
	}
}
