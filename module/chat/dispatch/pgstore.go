package dispatch

import (
	"context"

	"CProject/data/database/pg"
	"CProject/module/chat/model"
	"CProject/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ChatStore is the relational surface of the chat lifecycle ops, scoped
// to the request's pinned connection.
type ChatStore interface {
	GetChat(ctx context.Context, chatID int64) (*model.Chat, error)
	// MemberLast reads the member's visibility bound; 0 means unclamped.
	MemberLast(ctx context.Context, chatID int64, userID string) (int64, error)
	// CreateChat inserts the chat and all member rows in one transaction.
	CreateChat(ctx context.Context, chat *model.Chat, members []model.ChatMember) error
	// ApplySetup renames, upserts and soft-removes members in one
	// transaction, bumping the chat watermark.
	ApplySetup(ctx context.Context, chatID int64, name string, upserts []model.ChatMember, removeIDs []string) error
	// LeaveChat soft-removes the member, clamping visibility at the chat
	// head. Returns affected rows.
	LeaveChat(ctx context.Context, chatID int64, userID string) (int64, error)
	// EndChat flips the terminal flag. Returns affected rows; zero means
	// already ended.
	EndChat(ctx context.Context, chatID int64) (int64, error)
}

type pgChatStore struct {
	c Conn
}

func newPGChatStore(c Conn) ChatStore { return &pgChatStore{c: c} }

func (s *pgChatStore) GetChat(ctx context.Context, chatID int64) (*model.Chat, error) {
	var c model.Chat
	err := s.c.QueryRow(ctx,
		`SELECT id, type, name, ended, last_message_id, changed_at FROM chats WHERE id=$1`,
		chatID).Scan(&c.ID, &c.Type, &c.Name, &c.Ended, &c.LastMessageID, &c.ChangedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("chat", "id", chatID)
	}
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("chat lookup", "err", err)
	}
	return &c, nil
}

func (s *pgChatStore) MemberLast(ctx context.Context, chatID int64, userID string) (int64, error) {
	var last int64
	err := s.c.QueryRow(ctx,
		`SELECT last FROM chat_members WHERE chat_id=$1 AND user_id=$2`,
		chatID, userID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.ErrNotFound.WrapMsg("membership", "chat", chatID, "user", userID)
	}
	if err != nil {
		return 0, errs.ErrInternal.WrapMsg("member lookup", "err", err)
	}
	return last, nil
}

func (s *pgChatStore) CreateChat(ctx context.Context, chat *model.Chat, members []model.ChatMember) error {
	return pg.WithTx(ctx, s.c, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chats (id, type, name, ended, last_message_id, changed_at)
			 VALUES ($1, $2, $3, false, 0, now())`,
			chat.ID, string(chat.Type), chat.Name); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_members (chat_id, user_id, role, flag, punish, last, seen)
				 VALUES ($1, $2, $3, $4, '', 0, 0)`,
				m.ChatID, m.UserID, string(m.Role), string(m.Flag)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *pgChatStore) ApplySetup(ctx context.Context, chatID int64, name string, upserts []model.ChatMember, removeIDs []string) error {
	return pg.WithTx(ctx, s.c, func(tx pgx.Tx) error {
		if name != "" {
			if _, err := tx.Exec(ctx, `UPDATE chats SET name=$2 WHERE id=$1`, chatID, name); err != nil {
				return err
			}
		}
		for _, m := range upserts {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_members (chat_id, user_id, role, flag, punish, last, seen)
				 VALUES ($1, $2, $3, 'ok', '', 0, 0)
				 ON CONFLICT (chat_id, user_id) DO UPDATE SET role=$3, flag='ok', last=0`,
				m.ChatID, m.UserID, string(m.Role)); err != nil {
				return err
			}
		}
		for _, u := range removeIDs {
			if _, err := tx.Exec(ctx,
				`UPDATE chat_members SET flag='del',
				        last=(SELECT last_message_id FROM chats WHERE id=$1)
				 WHERE chat_id=$1 AND user_id=$2 AND flag='ok'`,
				chatID, u); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `UPDATE chats SET changed_at=now() WHERE id=$1`, chatID)
		return err
	})
}

func (s *pgChatStore) LeaveChat(ctx context.Context, chatID int64, userID string) (int64, error) {
	var n int64
	err := pg.WithTx(ctx, s.c, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE chat_members SET flag='del',
			        last=(SELECT last_message_id FROM chats WHERE id=$1)
			 WHERE chat_id=$1 AND user_id=$2 AND flag='ok'`,
			chatID, userID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		if n == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE chats SET changed_at=now() WHERE id=$1`, chatID)
		return err
	})
	return n, err
}

func (s *pgChatStore) EndChat(ctx context.Context, chatID int64) (int64, error) {
	var n int64
	err := pg.WithTx(ctx, s.c, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE chats SET ended=true, changed_at=now() WHERE id=$1 AND NOT ended`,
			chatID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
