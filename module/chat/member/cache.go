package member

import (
	"context"
	"sync"
	"time"

	"CProject/logger"
	"CProject/module/chat/model"
	"CProject/tools/errs"
	"CProject/tools/safe"
)

// RoleEntry is one staged role mutation. Remove drops the member from the
// cached projections instead of writing a role.
type RoleEntry struct {
	UserID string
	Role   model.Role
	Remove bool
}

// Rdb is the shared-cache surface the membership cache needs. The redis
// implementation lives in rdb.go; tests substitute a map-backed fake.
type Rdb interface {
	// GetRole reads the cached role. ok=false on a clean miss.
	GetRole(ctx context.Context, chatID int64, userID string) (model.Role, bool, error)
	SetRole(ctx context.Context, chatID int64, userID string, role model.Role) error
	// NegCached reports whether a recent double-miss put this pair in the
	// rate-limited retry window.
	NegCached(ctx context.Context, chatID int64, userID string) (bool, error)
	SetNegCache(ctx context.Context, chatID int64, userID string) error
	MemberIDs(ctx context.Context, chatID int64) ([]string, error)
	PopulateMembers(ctx context.Context, chatID int64, ids []string) error
	// ApplyRoles stages role-hash, membership-set and watermark updates as
	// one atomic batch.
	ApplyRoles(ctx context.Context, chatID int64, entries []RoleEntry) error
}

// Store is the relational fallback.
type Store interface {
	// MemberRole returns errs.ErrNotFound when no live membership exists.
	MemberRole(ctx context.Context, chatID int64, userID string) (model.Role, error)
	Members(ctx context.Context, chatID int64, includeArchived bool) ([]model.ChatMember, error)
}

type localEntry struct {
	ids     []string
	expires time.Time
}

// Cache resolves roles and member sets, cache first, store on miss.
type Cache struct {
	rdb Rdb
	db  Store

	mu       sync.RWMutex
	local    map[int64]localEntry
	localTTL time.Duration
	clock    func() time.Time
}

func NewCache(rdb Rdb, db Store) *Cache {
	return &Cache{
		rdb:      rdb,
		db:       db,
		local:    make(map[int64]localEntry),
		localTTL: 2 * time.Second,
		clock:    time.Now,
	}
}

// Authorize resolves the actor's role and checks it against the required
// set. A cache error counts as a miss, never as a denial; only a store
// double-miss arms the negative cache.
func (c *Cache) Authorize(ctx context.Context, userID string, chatID int64, need model.RoleSet) (model.Role, error) {
	role, ok, err := c.rdb.GetRole(ctx, chatID, userID)
	if err != nil {
		logger.Warnf("[member] role cache read failed, falling back: chat=%d user=%s err=%v", chatID, userID, err)
	}
	if ok {
		if need.Has(role) {
			return role, nil
		}
		return "", errs.ErrNoPermission.WrapMsg("role not allowed", "role", role)
	}

	neg, _ := c.rdb.NegCached(ctx, chatID, userID)
	if neg {
		return "", errs.ErrNoPermission.WrapMsg("no membership (cached)")
	}

	role, err = c.db.MemberRole(ctx, chatID, userID)
	if err != nil {
		if errs.ErrNotFound.Is(err) {
			if e := c.rdb.SetNegCache(ctx, chatID, userID); e != nil {
				logger.Warnf("[member] negative cache write failed: %v", e)
			}
			return "", errs.ErrNoPermission.WrapMsg("no membership")
		}
		return "", errs.ErrInternal.WrapMsg("member role lookup", "err", err)
	}

	if e := c.rdb.SetRole(ctx, chatID, userID, role); e != nil {
		logger.Warnf("[member] role cache write-back failed: %v", e)
	}
	if need.Has(role) {
		return role, nil
	}
	return "", errs.ErrNoPermission.WrapMsg("role not allowed", "role", role)
}

// MemberIDs returns the chat's member ids: in-process snapshot, then the
// shared set, then the store. A cold store read repopulates the shared set.
func (c *Cache) MemberIDs(ctx context.Context, chatID int64) ([]string, error) {
	now := c.clock()

	c.mu.RLock()
	if e, ok := c.local[chatID]; ok && now.Before(e.expires) {
		ids := e.ids
		c.mu.RUnlock()
		return ids, nil
	}
	c.mu.RUnlock()

	ids, err := c.rdb.MemberIDs(ctx, chatID)
	if err != nil {
		logger.Warnf("[member] member set read failed, falling back: chat=%d err=%v", chatID, err)
	}
	if len(ids) == 0 {
		members, err := c.db.Members(ctx, chatID, false)
		if err != nil {
			return nil, errs.ErrInternal.WrapMsg("member list lookup", "err", err)
		}
		ids = make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.UserID)
		}
		if len(ids) > 0 {
			populate := append([]string(nil), ids...)
			safe.Go(func() {
				if e := c.rdb.PopulateMembers(context.Background(), chatID, populate); e != nil {
					logger.Warnf("[member] member set populate failed: chat=%d err=%v", chatID, e)
				}
			})
		}
	}

	c.storeLocal(chatID, ids, now)
	return ids, nil
}

// Members returns full rows from the store; rows are not cached.
func (c *Cache) Members(ctx context.Context, chatID int64, includeArchived bool) ([]model.ChatMember, error) {
	members, err := c.db.Members(ctx, chatID, includeArchived)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("member list lookup", "err", err)
	}
	return members, nil
}

// SetRoles applies staged role changes to the shared cache. A batch failure
// is logged, the local snapshot is dropped so the next read re-derives, and
// the call still reports success: durability lives in the store.
func (c *Cache) SetRoles(ctx context.Context, chatID int64, entries []RoleEntry) {
	if len(entries) == 0 {
		return
	}
	if err := c.rdb.ApplyRoles(ctx, chatID, entries); err != nil {
		logger.Errorf("[member] role batch failed, invalidating: chat=%d err=%v", chatID, err)
	}
	c.Invalidate(chatID)
}

// Invalidate drops the in-process snapshot for chatID.
func (c *Cache) Invalidate(chatID int64) {
	c.mu.Lock()
	delete(c.local, chatID)
	c.mu.Unlock()
}

// storeLocal replaces the snapshot wholesale; entries are never mutated in
// place so concurrent readers keep a consistent view.
func (c *Cache) storeLocal(chatID int64, ids []string, now time.Time) {
	c.mu.Lock()
	c.local[chatID] = localEntry{ids: ids, expires: now.Add(c.localTTL)}
	c.mu.Unlock()
}
