package seen

import (
	"context"

	"CProject/data/database/pg"
	"CProject/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// PGStore reads seen pointers off the member rows; the cache is the
// authoritative version ledger, the store only backs eviction recovery.
type PGStore struct {
	q pg.Querier
}

func NewPGStore(q pg.Querier) *PGStore { return &PGStore{q: q} }

func (s *PGStore) SeenPointer(ctx context.Context, chatID int64, userID string) (int64, error) {
	var seen int64
	err := s.q.QueryRow(ctx,
		`SELECT seen FROM chat_members WHERE chat_id=$1 AND user_id=$2 AND flag='ok'`,
		chatID, userID).Scan(&seen)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.ErrNotFound.WrapMsg("member", "chat", chatID, "user", userID)
	}
	return seen, err
}

func (s *PGStore) AllSeenPointers(ctx context.Context, chatID int64) (map[string]int64, error) {
	rows, err := s.q.Query(ctx,
		`SELECT user_id, seen FROM chat_members WHERE chat_id=$1 AND flag='ok'`,
		chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var user string
		var seen int64
		if err := rows.Scan(&user, &seen); err != nil {
			return nil, err
		}
		out[user] = seen
	}
	return out, rows.Err()
}

// UpdateSeen persists a batch of read positions onto the member rows. The
// dispatcher calls this before the cache write so durability never depends
// on the cache.
func (s *PGStore) UpdateSeen(ctx context.Context, chatID int64, entries []Entry) error {
	for _, e := range entries {
		if _, err := s.q.Exec(ctx,
			`UPDATE chat_members SET seen=$3
			 WHERE chat_id=$1 AND user_id=$2 AND flag='ok' AND seen < $3`,
			chatID, e.UserID, e.SeenID); err != nil {
			return err
		}
	}
	return nil
}
