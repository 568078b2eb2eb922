package moderation

import (
	"context"

	"CProject/module/chat/model"
	"CProject/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Beginner is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGDB adapts a pgx connection source to the engine's DB contract.
type PGDB struct {
	db Beginner
}

func NewPGDB(db Beginner) *PGDB { return &PGDB{db: db} }

func (d *PGDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Member(ctx context.Context, chatID int64, userID string) (*model.ChatMember, error) {
	var m model.ChatMember
	err := t.tx.QueryRow(ctx,
		`SELECT chat_id, user_id, role, flag, punish, until, who, mess,
		        last, seen, archived, hidden, muted
		 FROM chat_members
		 WHERE chat_id=$1 AND user_id=$2 AND flag='ok'
		 FOR UPDATE`,
		chatID, userID).Scan(&m.ChatID, &m.UserID, &m.Role, &m.Flag, &m.Punish,
		&m.Until, &m.Who, &m.Mess, &m.Last, &m.Seen,
		&m.Archived, &m.Hidden, &m.Muted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("member", "chat", chatID, "user", userID)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) Members(ctx context.Context, chatID int64) ([]model.ChatMember, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT chat_id, user_id, role, flag, punish, until, who, mess,
		        last, seen, archived, hidden, muted
		 FROM chat_members
		 WHERE chat_id=$1 AND flag='ok'
		 FOR UPDATE`, chatID)
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

func (t *pgTx) Chat(ctx context.Context, chatID int64) (*model.Chat, error) {
	var c model.Chat
	err := t.tx.QueryRow(ctx,
		`SELECT id, type, name, ended, last_message_id, changed_at
		 FROM chats WHERE id=$1`, chatID).
		Scan(&c.ID, &c.Type, &c.Name, &c.Ended, &c.LastMessageID, &c.ChangedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("chat", "id", chatID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetState writes the full post-transition state guarded on the punish
// value the caller observed, so a concurrent transition zeroes the count.
func (t *pgTx) SetState(ctx context.Context, chatID int64, userID string, expectPunish model.Punish, st MemberState) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE chat_members
		 SET role=$4, punish=$5, until=$6, who=$7, mess=$8, last=$9
		 WHERE chat_id=$1 AND user_id=$2 AND flag='ok' AND punish=$3`,
		chatID, userID, string(expectPunish),
		string(st.Role), string(st.Punish), st.Until, st.Who, st.Mess, st.Last)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) BumpChanged(ctx context.Context, chatID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE chats SET changed_at=now() WHERE id=$1`, chatID)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
