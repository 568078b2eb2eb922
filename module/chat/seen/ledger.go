package seen

import (
	"context"
	"sort"
	"sync"
	"time"

	"CProject/logger"
	"CProject/module/chat/model"
	"CProject/tools/errs"
	"CProject/tools/safe"
)

const (
	// maxTracked caps the per-chat hash/zset pair; oldest versions are
	// evicted first by the trim routine.
	maxTracked = 512
	// memoTTL collapses bursts of identical polls.
	memoTTL = time.Second
)

// Entry is one member's new read position, as submitted by a client.
type Entry struct {
	UserID string `json:"user_id"`
	SeenID int64  `json:"seen_id"`
}

// Delta is the fetch result. Updates is nil when the caller is already
// current.
type Delta struct {
	Updates    []model.SeenPointer `json:"updates,omitempty"`
	NewVersion int64               `json:"new_version"`
}

// Cache is the shared-cache surface of the ledger. rdb.go implements it
// over redis; tests use a map fake.
type Cache interface {
	// ReserveVersions bumps the chat's version counter by n and returns the
	// last version of the reserved contiguous range. The counter runs ahead
	// of committed data while a batch is in flight; readers never consult it.
	ReserveVersions(ctx context.Context, chatID int64, n int) (int64, error)
	// WriteEntries stages one hash write and one sorted-set write per entry
	// into a single atomic batch.
	WriteEntries(ctx context.Context, chatID int64, entries []model.SeenPointer) error
	// BumpChanged advances the committed watermark to version, never
	// backwards. Called only after the entry batch is confirmed.
	BumpChanged(ctx context.Context, chatID int64, version int64) error
	// Watermark reads the committed watermark; 0 when absent.
	Watermark(ctx context.Context, chatID int64) (int64, error)
	// MembersSince lists members whose version exceeds since, version order.
	MembersSince(ctx context.Context, chatID int64, since int64) ([]string, error)
	// Payloads batch-fetches encoded payloads; absent members map to "".
	Payloads(ctx context.Context, chatID int64, users []string) (map[string]string, error)
	AllMembers(ctx context.Context, chatID int64) ([]string, error)
	Trim(ctx context.Context, chatID int64, max int64) error
}

// DB is the relational fallback for evicted or cold entries.
type DB interface {
	// SeenPointer returns the member's current pointer from the member row.
	SeenPointer(ctx context.Context, chatID int64, userID string) (int64, error)
	AllSeenPointers(ctx context.Context, chatID int64) (map[string]int64, error)
}

type memoKey struct {
	chatID int64
	since  int64
}

type memoEntry struct {
	delta   *Delta
	expires time.Time
}

// Ledger is the versioned delta-sync protocol for seen pointers. Private
// chats are excluded by the dispatcher before calls reach here.
type Ledger struct {
	cache Cache
	db    DB

	mu    sync.Mutex
	memo  map[memoKey]memoEntry
	clock func() time.Time
}

func NewLedger(cache Cache, db DB) *Ledger {
	return &Ledger{cache: cache, db: db, memo: make(map[memoKey]memoEntry), clock: time.Now}
}

// WriteSeenEntries reserves one contiguous version range covering the whole
// batch, stages all cache writes atomically and bumps the chat watermark.
// Trimming runs afterwards, best effort.
func (l *Ledger) WriteSeenEntries(ctx context.Context, chatID int64, entries []Entry) (int64, []model.SeenPointer, error) {
	if len(entries) == 0 {
		return 0, nil, errs.ErrArgs.WrapMsg("empty seen batch")
	}

	last, err := l.cache.ReserveVersions(ctx, chatID, len(entries))
	if err != nil {
		return 0, nil, errs.ErrInternal.WrapMsg("version reserve", "err", err)
	}
	first := last - int64(len(entries)) + 1

	now := l.clock().UnixMilli()
	out := make([]model.SeenPointer, len(entries))
	for i, e := range entries {
		out[i] = model.SeenPointer{
			ChatID:  chatID,
			UserID:  e.UserID,
			SeenID:  e.SeenID,
			Version: first + int64(i),
			AtMS:    now,
		}
	}

	if err := l.cache.WriteEntries(ctx, chatID, out); err != nil {
		// The ledger is cache-authoritative; an unconfirmed batch cannot be
		// reported as a version advance. Reads self-heal from the member
		// rows either way.
		return 0, nil, errs.ErrInternal.WrapMsg("seen batch", "err", err)
	}
	// The watermark moves only now that the batch is confirmed, so a reader
	// is never handed a version covering unwritten reservations. A failed
	// bump leaves the watermark lagging, which costs a redundant re-read,
	// never a missed pointer.
	if err := l.cache.BumpChanged(ctx, chatID, last); err != nil {
		logger.Warnf("[seen] watermark bump failed: chat=%d err=%v", chatID, err)
	}

	safe.Go(func() {
		if err := l.cache.Trim(context.Background(), chatID, maxTracked); err != nil {
			logger.Warnf("[seen] trim failed: chat=%d err=%v", chatID, err)
		}
	})
	return last, out, nil
}

// FetchDelta returns pointer updates newer than since, ordered by version
// ascending and deduplicated per member. since<0 means the caller has no
// prior version and gets a full reconstruction.
func (l *Ledger) FetchDelta(ctx context.Context, chatID int64, since int64) (*Delta, error) {
	if d := l.memoGet(chatID, since); d != nil {
		return d, nil
	}

	wm, err := l.cache.Watermark(ctx, chatID)
	if err != nil {
		logger.Warnf("[seen] watermark read failed: chat=%d err=%v", chatID, err)
		wm = 0
	}
	// Common case: the caller is current. One round trip, no delta.
	if since >= 0 && since >= wm && wm > 0 {
		return &Delta{NewVersion: wm}, nil
	}

	var users []string
	if since < 0 {
		users, err = l.cache.AllMembers(ctx, chatID)
		if err != nil {
			logger.Warnf("[seen] member index read failed: chat=%d err=%v", chatID, err)
		}
		if len(users) == 0 {
			return l.rebuildFromStore(ctx, chatID)
		}
	} else {
		users, err = l.cache.MembersSince(ctx, chatID, since)
		if err != nil {
			return nil, errs.ErrInternal.WrapMsg("seen index range", "err", err)
		}
		if len(users) == 0 {
			return &Delta{NewVersion: wm}, nil
		}
	}

	payloads, err := l.cache.Payloads(ctx, chatID, users)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("seen payload fetch", "err", err)
	}

	latest := make(map[string]model.SeenPointer, len(users))
	var missing []string
	for _, u := range users {
		raw := payloads[u]
		if raw == "" {
			missing = append(missing, u)
			continue
		}
		seenID, version, atMS, err := decodeSeen(raw)
		if err != nil {
			logger.Warnf("[seen] bad payload, re-seeding: chat=%d user=%s err=%v", chatID, u, err)
			missing = append(missing, u)
			continue
		}
		keepLatest(latest, model.SeenPointer{ChatID: chatID, UserID: u, SeenID: seenID, Version: version, AtMS: atMS})
	}

	// Evicted or cold entries: fall back to the member row and immediately
	// re-seed the cache so the gap heals itself.
	for _, u := range missing {
		seenID, err := l.db.SeenPointer(ctx, chatID, u)
		if err != nil {
			if errs.ErrNotFound.Is(err) {
				continue
			}
			return nil, errs.ErrInternal.WrapMsg("seen store fallback", "user", u, "err", err)
		}
		_, seeded, err := l.WriteSeenEntries(ctx, chatID, []Entry{{UserID: u, SeenID: seenID}})
		if err != nil {
			logger.Warnf("[seen] re-seed failed: chat=%d user=%s err=%v", chatID, u, err)
			continue
		}
		keepLatest(latest, seeded[0])
	}

	d := deltaFrom(latest, wm)
	l.memoPut(chatID, since, d)
	return d, nil
}

// rebuildFromStore is the cold-start path: no membership index in the
// cache at all. Reads every pointer from the store and re-seeds.
func (l *Ledger) rebuildFromStore(ctx context.Context, chatID int64) (*Delta, error) {
	pointers, err := l.db.AllSeenPointers(ctx, chatID)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("seen full read", "err", err)
	}
	if len(pointers) == 0 {
		return &Delta{}, nil
	}
	entries := sortedEntries(pointers)
	last, seeded, err := l.WriteSeenEntries(ctx, chatID, entries)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]model.SeenPointer, len(seeded))
	for _, p := range seeded {
		keepLatest(latest, p)
	}
	return deltaFrom(latest, last), nil
}

func keepLatest(m map[string]model.SeenPointer, p model.SeenPointer) {
	if cur, ok := m[p.UserID]; !ok || p.Version > cur.Version {
		m[p.UserID] = p
	}
}

func deltaFrom(latest map[string]model.SeenPointer, wm int64) *Delta {
	updates := make([]model.SeenPointer, 0, len(latest))
	maxVer := wm
	for _, p := range latest {
		updates = append(updates, p)
		if p.Version > maxVer {
			maxVer = p.Version
		}
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Version < updates[j].Version })
	if len(updates) == 0 {
		return &Delta{NewVersion: maxVer}
	}
	return &Delta{Updates: updates, NewVersion: maxVer}
}

// sortedEntries gives the store snapshot a stable write order.
func sortedEntries(pointers map[string]int64) []Entry {
	out := make([]Entry, 0, len(pointers))
	for u, s := range pointers {
		out = append(out, Entry{UserID: u, SeenID: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (l *Ledger) memoGet(chatID, since int64) *Delta {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.memo[memoKey{chatID, since}]
	if !ok || l.clock().After(e.expires) {
		return nil
	}
	return e.delta
}

func (l *Ledger) memoPut(chatID, since int64, d *Delta) {
	l.mu.Lock()
	l.memo[memoKey{chatID, since}] = memoEntry{delta: d, expires: l.clock().Add(memoTTL)}
	l.mu.Unlock()
}
