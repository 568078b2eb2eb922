package member

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CProject/module/chat/model"
	"CProject/tools/errs"
)

type fakeRdb struct {
	roles    map[string]model.Role // "chat:user" -> role
	members  map[int64][]string
	neg      map[string]bool
	failRead bool
	applyErr error

	applied   [][]RoleEntry
	populated map[int64][]string
}

func newFakeRdb() *fakeRdb {
	return &fakeRdb{
		roles:     map[string]model.Role{},
		members:   map[int64][]string{},
		neg:       map[string]bool{},
		populated: map[int64][]string{},
	}
}

func rk(chatID int64, userID string) string { return fmt.Sprintf("%d:%s", chatID, userID) }

func (f *fakeRdb) GetRole(_ context.Context, chatID int64, userID string) (model.Role, bool, error) {
	if f.failRead {
		return "", false, fmt.Errorf("redis down")
	}
	r, ok := f.roles[rk(chatID, userID)]
	return r, ok, nil
}

func (f *fakeRdb) SetRole(_ context.Context, chatID int64, userID string, role model.Role) error {
	f.roles[rk(chatID, userID)] = role
	return nil
}

func (f *fakeRdb) NegCached(_ context.Context, chatID int64, userID string) (bool, error) {
	return f.neg[rk(chatID, userID)], nil
}

func (f *fakeRdb) SetNegCache(_ context.Context, chatID int64, userID string) error {
	f.neg[rk(chatID, userID)] = true
	return nil
}

func (f *fakeRdb) MemberIDs(_ context.Context, chatID int64) ([]string, error) {
	if f.failRead {
		return nil, fmt.Errorf("redis down")
	}
	return f.members[chatID], nil
}

func (f *fakeRdb) PopulateMembers(_ context.Context, chatID int64, ids []string) error {
	f.populated[chatID] = ids
	return nil
}

func (f *fakeRdb) ApplyRoles(_ context.Context, chatID int64, entries []RoleEntry) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, entries)
	for _, e := range entries {
		if e.Remove {
			delete(f.roles, rk(chatID, e.UserID))
		} else {
			f.roles[rk(chatID, e.UserID)] = e.Role
		}
	}
	return nil
}

type fakeStore struct {
	rows    map[string]model.Role
	members map[int64][]model.ChatMember
	calls   int
	err     error
}

func (f *fakeStore) MemberRole(_ context.Context, chatID int64, userID string) (model.Role, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	r, ok := f.rows[rk(chatID, userID)]
	if !ok {
		return "", errs.ErrNotFound.WrapMsg("member")
	}
	return r, nil
}

func (f *fakeStore) Members(_ context.Context, chatID int64, _ bool) ([]model.ChatMember, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.members[chatID], nil
}

func TestAuthorizeCacheHit(t *testing.T) {
	rdb := newFakeRdb()
	db := &fakeStore{}
	rdb.roles[rk(7, "alice")] = model.RoleAdmin
	c := NewCache(rdb, db)

	role, err := c.Authorize(context.Background(), "alice", 7, model.SetModerator)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if role != model.RoleAdmin {
		t.Fatalf("role = %s, want admin", role)
	}
	if db.calls != 0 {
		t.Fatalf("store touched on cache hit: %d calls", db.calls)
	}
}

func TestAuthorizeFallbackWritesBack(t *testing.T) {
	rdb := newFakeRdb()
	db := &fakeStore{rows: map[string]model.Role{rk(7, "bob"): model.RoleMember}}
	c := NewCache(rdb, db)

	role, err := c.Authorize(context.Background(), "bob", 7, model.SetSpeaker)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if role != model.RoleMember {
		t.Fatalf("role = %s, want member", role)
	}
	if got := rdb.roles[rk(7, "bob")]; got != model.RoleMember {
		t.Fatalf("write-back missing, cached role = %q", got)
	}
}

func TestAuthorizeDoubleMissArmsNegativeCache(t *testing.T) {
	rdb := newFakeRdb()
	db := &fakeStore{rows: map[string]model.Role{}}
	c := NewCache(rdb, db)

	if _, err := c.Authorize(context.Background(), "mallory", 7, model.SetAnyMember); !errs.ErrNoPermission.Is(err) {
		t.Fatalf("want ErrNoPermission, got %v", err)
	}
	if !rdb.neg[rk(7, "mallory")] {
		t.Fatalf("negative cache not armed")
	}
	calls := db.calls

	// Second attempt inside the window must not reach the store.
	if _, err := c.Authorize(context.Background(), "mallory", 7, model.SetAnyMember); !errs.ErrNoPermission.Is(err) {
		t.Fatalf("want ErrNoPermission, got %v", err)
	}
	if db.calls != calls {
		t.Fatalf("store touched while negative-cached")
	}
}

func TestAuthorizeCacheErrorIsMissNotDenial(t *testing.T) {
	rdb := newFakeRdb()
	rdb.failRead = true
	db := &fakeStore{rows: map[string]model.Role{rk(9, "carol"): model.RoleGuard}}
	c := NewCache(rdb, db)

	role, err := c.Authorize(context.Background(), "carol", 9, model.SetModerator)
	if err != nil {
		t.Fatalf("cache failure must fall back, got %v", err)
	}
	if role != model.RoleGuard {
		t.Fatalf("role = %s, want guard", role)
	}
}

func TestAuthorizeRoleNotInSet(t *testing.T) {
	rdb := newFakeRdb()
	rdb.roles[rk(7, "dave")] = model.RoleSpect
	c := NewCache(rdb, &fakeStore{})

	if _, err := c.Authorize(context.Background(), "dave", 7, model.SetSpeaker); !errs.ErrNoPermission.Is(err) {
		t.Fatalf("spectator posting: want ErrNoPermission, got %v", err)
	}
}

func TestMemberIDsColdReadPopulates(t *testing.T) {
	rdb := newFakeRdb()
	db := &fakeStore{members: map[int64][]model.ChatMember{
		5: {{ChatID: 5, UserID: "a"}, {ChatID: 5, UserID: "b"}},
	}}
	c := NewCache(rdb, db)

	ids, err := c.MemberIDs(context.Background(), 5)
	if err != nil {
		t.Fatalf("MemberIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}
	// Populate runs on a background goroutine.
	deadline := time.Now().Add(time.Second)
	for len(rdb.populated[5]) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("cache populate never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Snapshot now serves without touching rdb or store.
	calls := db.calls
	if _, err := c.MemberIDs(context.Background(), 5); err != nil {
		t.Fatalf("MemberIDs (warm) failed: %v", err)
	}
	if db.calls != calls {
		t.Fatalf("store touched on warm read")
	}
}

func TestSetRolesFailureInvalidatesLocal(t *testing.T) {
	rdb := newFakeRdb()
	db := &fakeStore{members: map[int64][]model.ChatMember{5: {{ChatID: 5, UserID: "a"}}}}
	c := NewCache(rdb, db)

	if _, err := c.MemberIDs(context.Background(), 5); err != nil {
		t.Fatalf("prime failed: %v", err)
	}
	rdb.applyErr = fmt.Errorf("batch failed")
	c.SetRoles(context.Background(), 5, []RoleEntry{{UserID: "b", Role: model.RoleMember}})

	// Local snapshot must be gone: the next read re-derives.
	calls := db.calls
	rdb.members[5] = nil
	if _, err := c.MemberIDs(context.Background(), 5); err != nil {
		t.Fatalf("re-derive failed: %v", err)
	}
	if db.calls == calls {
		t.Fatalf("snapshot survived a failed batch")
	}
}
