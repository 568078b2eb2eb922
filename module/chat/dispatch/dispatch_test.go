package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CProject/module/chat/member"
	"CProject/module/chat/message"
	"CProject/module/chat/model"
	"CProject/module/chat/presence"
	"CProject/module/chat/seen"
	"CProject/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeConn struct {
	released bool
}

func (c *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (c *fakeConn) Begin(context.Context) (pgx.Tx, error)                   { return nil, nil }
func (c *fakeConn) Release()                                                { c.released = true }

type fakeDB struct {
	conns []*fakeConn
}

func (d *fakeDB) Acquire(context.Context) (Conn, error) {
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDB) allReleased() bool {
	for _, c := range d.conns {
		if !c.released {
			return false
		}
	}
	return true
}

type fakeStore struct {
	chats map[int64]*model.Chat
	lasts map[string]int64

	created     []*model.Chat
	setupCalls  int
	leaveResult int64
	endResult   int64
}

func (s *fakeStore) GetChat(_ context.Context, chatID int64) (*model.Chat, error) {
	c, ok := s.chats[chatID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("chat")
	}
	return c, nil
}

func (s *fakeStore) MemberLast(_ context.Context, _ int64, userID string) (int64, error) {
	return s.lasts[userID], nil
}

func (s *fakeStore) CreateChat(_ context.Context, chat *model.Chat, _ []model.ChatMember) error {
	s.created = append(s.created, chat)
	return nil
}

func (s *fakeStore) ApplySetup(_ context.Context, _ int64, _ string, _ []model.ChatMember, _ []string) error {
	s.setupCalls++
	return nil
}

func (s *fakeStore) LeaveChat(context.Context, int64, string) (int64, error) {
	return s.leaveResult, nil
}

func (s *fakeStore) EndChat(context.Context, int64) (int64, error) {
	return s.endResult, nil
}

type fakeMembership struct {
	roles   map[string]model.Role
	members []model.ChatMember

	roleSets [][]member.RoleEntry
}

func (f *fakeMembership) Authorize(_ context.Context, userID string, _ int64, need model.RoleSet) (model.Role, error) {
	role, ok := f.roles[userID]
	if !ok {
		return "", errs.ErrNoPermission.WrapMsg("no membership")
	}
	if !need.Has(role) {
		return "", errs.ErrNoPermission.WrapMsg("role not allowed")
	}
	return role, nil
}

func (f *fakeMembership) MemberIDs(context.Context, int64) ([]string, error) {
	var out []string
	for _, m := range f.members {
		out = append(out, m.UserID)
	}
	return out, nil
}

func (f *fakeMembership) Members(context.Context, int64, bool) ([]model.ChatMember, error) {
	return f.members, nil
}

func (f *fakeMembership) SetRoles(_ context.Context, _ int64, entries []member.RoleEntry) {
	f.roleSets = append(f.roleSets, entries)
}

func (f *fakeMembership) Invalidate(int64) {}

type fakeMessages struct {
	nextID  int64
	postErr error
	page    []model.Message

	listBefore []int64
}

func (f *fakeMessages) Post(_ context.Context, chatID int64, userID, content, attach string) (*model.Message, error) {
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.nextID++
	return &model.Message{
		ID: f.nextID, ChatID: chatID, UserID: userID,
		Content: content, Attach: attach,
		CreatedAt: time.Unix(1700000000, 0), Flag: model.MsgOK,
	}, nil
}

func (f *fakeMessages) Edit(context.Context, int64, int64, string, *string, *string) (*message.Patch, error) {
	return &message.Patch{}, nil
}

func (f *fakeMessages) SoftDelete(context.Context, int64, int64, string, model.Role) (*message.DeleteEvent, error) {
	return &message.DeleteEvent{}, nil
}

func (f *fakeMessages) List(_ context.Context, _ int64, beforeID int64) ([]model.Message, error) {
	f.listBefore = append(f.listBefore, beforeID)
	return f.page, nil
}

func (f *fakeMessages) ListRange(context.Context, int64, int64, int64) ([]model.Message, error) {
	return f.page, nil
}

type fakeLedger struct {
	writes int
}

func (f *fakeLedger) WriteSeenEntries(_ context.Context, _ int64, entries []seen.Entry) (int64, []model.SeenPointer, error) {
	f.writes++
	return int64(len(entries)), nil, nil
}

func (f *fakeLedger) FetchDelta(context.Context, int64, int64) (*seen.Delta, error) {
	return &seen.Delta{NewVersion: 1}, nil
}

type fakeRooms struct {
	joins  int
	joined bool
}

func (f *fakeRooms) JoinRoom(context.Context, string, int64) (bool, error) {
	f.joins++
	return f.joined, nil
}

func (f *fakeRooms) ManageMembership(context.Context, int64, []string, presence.Mode, presence.ManageOpts) error {
	return nil
}

func (f *fakeRooms) EndRoom(context.Context, int64, []string, presence.EndOpts) error {
	return nil
}

type fakeNotifier struct {
	events []model.Event
}

func (f *fakeNotifier) EmitRoom(_ int64, ev model.Event) { f.events = append(f.events, ev) }

type env struct {
	db       *fakeDB
	store    *fakeStore
	members  *fakeMembership
	msgs     *fakeMessages
	ledger   *fakeLedger
	rooms    *fakeRooms
	notifier *fakeNotifier
	d        *Dispatcher

	msgConns []Conn
}

func newEnv() *env {
	e := &env{
		db:       &fakeDB{},
		store:    &fakeStore{chats: map[int64]*model.Chat{}, lasts: map[string]int64{}},
		members:  &fakeMembership{roles: map[string]model.Role{}},
		msgs:     &fakeMessages{},
		ledger:   &fakeLedger{},
		rooms:    &fakeRooms{joined: true},
		notifier: &fakeNotifier{},
	}
	msgFactory := func(c Conn) Messages {
		e.msgConns = append(e.msgConns, c)
		return e.msgs
	}
	e.d = NewDispatcher(e.db, e.members, msgFactory, e.ledger, e.rooms, nil, e.notifier)
	e.d.newStore = func(Conn) ChatStore { return e.store }
	return e
}

func TestUnknownOpRejectedBeforeAcquire(t *testing.T) {
	e := newEnv()
	_, err := e.d.Dispatch(context.Background(), &Request{Op: "nosuchop", UserID: "a"})
	if !errs.ErrArgs.Is(err) {
		t.Fatalf("expected args error, got %v", err)
	}
	if len(e.db.conns) != 0 {
		t.Fatalf("connection acquired for an unroutable request")
	}
}

func TestConnectionReleasedOnAllPaths(t *testing.T) {
	e := newEnv()
	e.members.roles["a"] = model.RoleMember
	e.store.chats[1] = &model.Chat{ID: 1, Type: model.ChatGroup}

	// Success path.
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgList, UserID: "a", ChatID: 1}); err != nil {
		t.Fatalf("msglist failed: %v", err)
	}
	// Authorization failure path.
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgList, UserID: "nobody", ChatID: 1}); !errs.ErrNoPermission.Is(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
	// Handler failure path.
	e.msgs.postErr = errs.ErrInternal.WrapMsg("down")
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgPost, UserID: "a", ChatID: 1, Content: "x"}); err == nil {
		t.Fatalf("expected post failure")
	}

	if len(e.db.conns) != 3 || !e.db.allReleased() {
		t.Fatalf("connections leaked: %d acquired, released=%v", len(e.db.conns), e.db.allReleased())
	}
}

func TestRoleGating(t *testing.T) {
	e := newEnv()
	e.members.roles["member"] = model.RoleMember
	e.members.roles["mod"] = model.RoleGuard

	// Range read is moderator-gated.
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgRange, UserID: "member", ChatID: 1, FirstID: 1, LastID: 2}); !errs.ErrNoPermission.Is(err) {
		t.Fatalf("member reached the moderation range read: %v", err)
	}
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgRange, UserID: "mod", ChatID: 1, FirstID: 1, LastID: 2}); err != nil {
		t.Fatalf("moderator range read failed: %v", err)
	}
}

func TestChatCreateValidation(t *testing.T) {
	e := newEnv()
	cases := []struct {
		name string
		req  *Request
		code *errs.CodeError
	}{
		{"bad type", &Request{Op: OpChatCreate, UserID: "a", Type: "bogus"}, errs.ErrArgs},
		{"group without name", &Request{Op: OpChatCreate, UserID: "a", Type: model.ChatGroup,
			Members: []MemberSpec{{UserID: "a", Role: model.RoleAdmin}}}, errs.ErrArgs},
		{"creator not listed", &Request{Op: OpChatCreate, UserID: "a", Type: model.ChatGroup, Name: "g",
			Members: []MemberSpec{{UserID: "b", Role: model.RoleAdmin}}}, errs.ErrArgs},
		{"group without admin", &Request{Op: OpChatCreate, UserID: "a", Type: model.ChatGroup, Name: "g",
			Members: []MemberSpec{{UserID: "a", Role: model.RoleMember}}}, errs.ErrConflict},
		{"private with three", &Request{Op: OpChatCreate, UserID: "a", Type: model.ChatPrivate,
			Members: []MemberSpec{{UserID: "a", Role: model.RolePriv}, {UserID: "b", Role: model.RolePriv}, {UserID: "c", Role: model.RolePriv}}}, errs.ErrConflict},
		{"priv outside private", &Request{Op: OpChatCreate, UserID: "a", Type: model.ChatFree, Name: "f",
			Members: []MemberSpec{{UserID: "a", Role: model.RolePriv}}}, errs.ErrConflict},
		{"vip chat with two vips", &Request{Op: OpChatCreate, UserID: "a", Type: model.ChatVIP, Name: "v",
			Members: []MemberSpec{{UserID: "a", Role: model.RoleVIP}, {UserID: "b", Role: model.RoleVIP}}}, errs.ErrConflict},
	}
	for _, tc := range cases {
		_, err := e.d.Dispatch(context.Background(), tc.req)
		if !tc.code.Is(err) {
			t.Fatalf("%s: expected code %d, got %v", tc.name, tc.code.Code, err)
		}
	}
	if len(e.store.created) != 0 {
		t.Fatalf("invalid create reached the store")
	}
}

func TestChatCreateAssignsIDAndSeedsCache(t *testing.T) {
	e := newEnv()
	res, err := e.d.Dispatch(context.Background(), &Request{
		Op: OpChatCreate, UserID: "a", Type: model.ChatGroup, Name: "g",
		Members: []MemberSpec{{UserID: "a", Role: model.RoleAdmin}, {UserID: "b", Role: model.RoleMember}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if res.Chat == nil || res.Chat.ID == 0 {
		t.Fatalf("chat id not assigned: %+v", res.Chat)
	}
	if len(e.store.created) != 1 {
		t.Fatalf("chat not persisted")
	}
	if len(e.members.roleSets) != 1 || len(e.members.roleSets[0]) != 2 {
		t.Fatalf("role cache not seeded: %+v", e.members.roleSets)
	}
}

func TestSetupRejectsTwentyFirstMemberBeforeWrite(t *testing.T) {
	e := newEnv()
	e.members.roles["owner"] = model.RoleAdmin
	e.store.chats[1] = &model.Chat{ID: 1, Type: model.ChatGroup, Name: "g"}
	for i := 0; i < model.MaxChatMembers; i++ {
		role := model.RoleMember
		if i == 0 {
			role = model.RoleAdmin
		}
		e.members.members = append(e.members.members, model.ChatMember{
			ChatID: 1, UserID: fmt.Sprintf("u%d", i), Role: role, Flag: model.FlagOK,
		})
	}
	e.members.roles["u0"] = model.RoleAdmin

	_, err := e.d.Dispatch(context.Background(), &Request{
		Op: OpChatSetup, UserID: "u0", ChatID: 1,
		Members: []MemberSpec{{UserID: "u20", Role: model.RoleMember}},
	})
	if !errs.ErrConflict.Is(err) {
		t.Fatalf("expected member-ceiling conflict, got %v", err)
	}
	if e.store.setupCalls != 0 {
		t.Fatalf("over-ceiling setup reached the store")
	}
}

func TestSeenOpsRejectPrivateChats(t *testing.T) {
	e := newEnv()
	e.members.roles["a"] = model.RolePriv
	e.store.chats[1] = &model.Chat{ID: 1, Type: model.ChatPrivate}

	_, err := e.d.Dispatch(context.Background(), &Request{
		Op: OpSeenWrite, UserID: "a", ChatID: 1, Seen: []seen.Entry{{UserID: "a", SeenID: 5}},
	})
	if !errs.ErrConflict.Is(err) {
		t.Fatalf("expected conflict for private seen write, got %v", err)
	}
	if e.ledger.writes != 0 {
		t.Fatalf("private chat reached the ledger")
	}
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpSeenDelta, UserID: "a", ChatID: 1}); !errs.ErrConflict.Is(err) {
		t.Fatalf("expected conflict for private delta fetch, got %v", err)
	}
}

func TestChatOpenJoinsAndPages(t *testing.T) {
	e := newEnv()
	e.members.roles["a"] = model.RoleMember
	e.members.members = []model.ChatMember{{ChatID: 1, UserID: "a", Role: model.RoleMember}}
	e.msgs.page = []model.Message{{ID: 9, ChatID: 1}}
	e.store.chats[1] = &model.Chat{ID: 1, Type: model.ChatGroup}

	res, err := e.d.Dispatch(context.Background(), &Request{Op: OpChatOpen, UserID: "a", ChatID: 1})
	if err != nil {
		t.Fatalf("chatopen failed: %v", err)
	}
	if !res.Joined || e.rooms.joins != 1 {
		t.Fatalf("chatopen did not join the room")
	}
	if len(res.Messages) != 1 || len(res.Members) != 1 {
		t.Fatalf("chatopen payload incomplete: %+v", res)
	}
}

func TestListClampedByVisibilityBound(t *testing.T) {
	e := newEnv()
	e.members.roles["banned"] = model.RoleSpect
	e.members.roles["clean"] = model.RoleMember
	e.store.lasts["banned"] = 10

	// Unbounded request from a clamped member pages below the bound.
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgList, UserID: "banned", ChatID: 1}); err != nil {
		t.Fatalf("clamped list failed: %v", err)
	}
	// A request already below the bound passes through untouched.
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgList, UserID: "banned", ChatID: 1, BeforeID: 5}); err != nil {
		t.Fatalf("clamped list failed: %v", err)
	}
	// An unclamped member is unaffected.
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgList, UserID: "clean", ChatID: 1}); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	want := []int64{11, 5, 0}
	if len(e.msgs.listBefore) != len(want) {
		t.Fatalf("list calls = %v", e.msgs.listBefore)
	}
	for i, b := range want {
		if e.msgs.listBefore[i] != b {
			t.Fatalf("page bound %d = %d, want %d", i, e.msgs.listBefore[i], b)
		}
	}
}

func TestMessageStoreBindsPinnedConn(t *testing.T) {
	e := newEnv()
	e.members.roles["a"] = model.RoleMember

	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgPost, UserID: "a", ChatID: 1, Content: "x"}); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if len(e.db.conns) != 1 || len(e.msgConns) != 1 {
		t.Fatalf("expected one acquired connection and one binding, got %d/%d", len(e.db.conns), len(e.msgConns))
	}
	if e.msgConns[0] != Conn(e.db.conns[0]) {
		t.Fatalf("message store bound to a different connection than the request's")
	}
}

func TestPostBroadcastsOnlyAfterPersistence(t *testing.T) {
	e := newEnv()
	e.members.roles["a"] = model.RoleMember

	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgPost, UserID: "a", ChatID: 1, Content: "hi"}); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if len(e.notifier.events) != 1 || e.notifier.events[0].Type != model.EventMessage {
		t.Fatalf("message event missing: %+v", e.notifier.events)
	}
	// The broadcast carries the persisted row, not a reconstruction.
	broadcast, ok := e.notifier.events[0].Data.(*model.Message)
	if !ok {
		t.Fatalf("event payload is not the message: %T", e.notifier.events[0].Data)
	}
	if broadcast.CreatedAt.IsZero() {
		t.Fatalf("broadcast message missing its timestamp")
	}
	if broadcast.ID == 0 || broadcast.Content != "hi" {
		t.Fatalf("broadcast message incomplete: %+v", broadcast)
	}

	e.msgs.postErr = errs.ErrInternal.WrapMsg("counter down")
	if _, err := e.d.Dispatch(context.Background(), &Request{Op: OpMsgPost, UserID: "a", ChatID: 1, Content: "hi"}); err == nil {
		t.Fatalf("expected post failure")
	}
	if len(e.notifier.events) != 1 {
		t.Fatalf("failed persistence reached a broadcast")
	}
}
