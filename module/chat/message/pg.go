package message

import (
	"context"
	"strconv"

	"CProject/data/database/pg"
	"CProject/module/chat/model"
	"CProject/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// PGStore is the slow-path message store. The flush worker mirrors stream
// entries into the same table, hence the upsert on insert.
type PGStore struct {
	q pg.Querier
}

func NewPGStore(q pg.Querier) *PGStore { return &PGStore{q: q} }

func (s *PGStore) InsertMessage(ctx context.Context, m *model.Message) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO messages (id, chat_id, user_id, content, attach, created_at, flag)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ChatID, m.UserID, m.Content, m.Attach, m.CreatedAt, string(m.Flag))
	return err
}

func (s *PGStore) GetMessage(ctx context.Context, chatID, id int64) (*model.Message, error) {
	var m model.Message
	err := s.q.QueryRow(ctx,
		`SELECT id, chat_id, user_id, content, attach, created_at, flag
		 FROM messages WHERE chat_id=$1 AND id=$2`,
		chatID, id).Scan(&m.ID, &m.ChatID, &m.UserID, &m.Content, &m.Attach, &m.CreatedAt, &m.Flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("message", "id", id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PGStore) UpdateMessage(ctx context.Context, chatID, id int64, content, attach *string) (int64, error) {
	set := ""
	args := []any{chatID, id}
	if content != nil {
		args = append(args, *content)
		set += "content=$" + strconv.Itoa(len(args))
	}
	if attach != nil {
		args = append(args, *attach)
		if set != "" {
			set += ", "
		}
		set += "attach=$" + strconv.Itoa(len(args))
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE messages SET `+set+` WHERE chat_id=$1 AND id=$2 AND flag='ok'`, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) MarkDeleted(ctx context.Context, chatID, id int64) (int64, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE messages SET flag='del' WHERE chat_id=$1 AND id=$2 AND flag='ok'`,
		chatID, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) BumpLastMessage(ctx context.Context, chatID, msgID int64) error {
	_, err := s.q.Exec(ctx,
		`UPDATE chats SET last_message_id=$2, changed_at=now()
		 WHERE id=$1 AND last_message_id < $2`,
		chatID, msgID)
	return err
}

func (s *PGStore) ListBefore(ctx context.Context, chatID, beforeID int64, limit int) ([]model.Message, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, chat_id, user_id, content, attach, created_at, flag
		 FROM messages WHERE chat_id=$1 AND id<$2
		 ORDER BY id DESC LIMIT $3`,
		chatID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PGStore) ListRange(ctx context.Context, chatID, firstID, lastID int64) ([]model.Message, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, chat_id, user_id, content, attach, created_at, flag
		 FROM messages WHERE chat_id=$1 AND id BETWEEN $2 AND $3
		 ORDER BY id DESC`,
		chatID, firstID, lastID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Content, &m.Attach,
			&m.CreatedAt, &m.Flag); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
