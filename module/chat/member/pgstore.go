package member

import (
	"context"

	"CProject/data/database/pg"
	"CProject/module/chat/model"
	"CProject/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// PGStore is the relational fallback behind the cache.
type PGStore struct {
	q pg.Querier
}

func NewPGStore(q pg.Querier) *PGStore { return &PGStore{q: q} }

func (s *PGStore) MemberRole(ctx context.Context, chatID int64, userID string) (model.Role, error) {
	var role string
	err := s.q.QueryRow(ctx,
		`SELECT role FROM chat_members WHERE chat_id=$1 AND user_id=$2 AND flag='ok' AND punish <> 'block'`,
		chatID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.ErrNotFound.WrapMsg("member", "chat", chatID, "user", userID)
	}
	if err != nil {
		return "", err
	}
	return model.Role(role), nil
}

func (s *PGStore) Members(ctx context.Context, chatID int64, includeArchived bool) ([]model.ChatMember, error) {
	sql := `SELECT chat_id, user_id, role, flag, punish, until, who, mess,
	               last, seen, archived, hidden, muted
	        FROM chat_members WHERE chat_id=$1 AND flag='ok'`
	if !includeArchived {
		sql += ` AND NOT archived`
	}
	rows, err := s.q.Query(ctx, sql, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChatMember
	for rows.Next() {
		var m model.ChatMember
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Role, &m.Flag, &m.Punish,
			&m.Until, &m.Who, &m.Mess, &m.Last, &m.Seen,
			&m.Archived, &m.Hidden, &m.Muted); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
