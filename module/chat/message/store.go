package message

import (
	"context"
	"time"
	"unicode/utf8"

	"CProject/logger"
	"CProject/module/chat/model"
	"CProject/tools/errs"
)

const (
	// MaxContentRunes bounds message content before any I/O.
	MaxContentRunes = 4000
	// EditWindow is the recency window inside which the author may edit.
	EditWindow = 15 * time.Minute
	// PageSize is the fixed page size for newest-first reads.
	PageSize = 50
)

// DB is the relational message store.
type DB interface {
	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, chatID, id int64) (*model.Message, error)
	// UpdateMessage patches only the supplied fields; returns affected rows.
	UpdateMessage(ctx context.Context, chatID, id int64, content, attach *string) (int64, error)
	MarkDeleted(ctx context.Context, chatID, id int64) (int64, error)
	BumpLastMessage(ctx context.Context, chatID, msgID int64) error
	ListBefore(ctx context.Context, chatID, beforeID int64, limit int) ([]model.Message, error)
	ListRange(ctx context.Context, chatID, firstID, lastID int64) ([]model.Message, error)
}

// Log is the fast durability boundary: the shared id counter plus a capped
// append-only stream drained by the flush worker.
type Log interface {
	NextID(ctx context.Context) (int64, error)
	Append(ctx context.Context, m *model.Message) error
}

type Store struct {
	db    DB
	log   Log
	clock func() time.Time
}

func NewStore(db DB, log Log) *Store {
	return &Store{db: db, log: log, clock: time.Now}
}

// Post persists one message and returns the stored row. The id comes from
// the shared counter before any persistence attempt, so the durability log
// and the broadcast both reference a stable id. A failed stream append
// falls back to a synchronous row insert; the write is never silently
// lost. Broadcasting is the caller's job and must happen only after Post
// returns without error.
func (s *Store) Post(ctx context.Context, chatID int64, userID, content, attach string) (*model.Message, error) {
	if content == "" && attach == "" {
		return nil, errs.ErrArgs.WrapMsg("message needs content or attachment")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return nil, errs.ErrArgs.WrapMsg("content too long", "max", MaxContentRunes)
	}

	id, err := s.log.NextID(ctx)
	if err != nil {
		// The counter is the single global sequencing point; without an id
		// nothing downstream can reference the message.
		return nil, errs.ErrInternal.WrapMsg("message id allocation", "err", err)
	}

	m := &model.Message{
		ID:        id,
		ChatID:    chatID,
		UserID:    userID,
		Content:   content,
		Attach:    attach,
		CreatedAt: s.clock(),
		Flag:      model.MsgOK,
	}

	if err := s.log.Append(ctx, m); err != nil {
		logger.Warnf("[message] durability log append failed, falling back to store: id=%d err=%v", id, err)
		if err := s.db.InsertMessage(ctx, m); err != nil {
			return nil, errs.ErrInternal.WrapMsg("message insert fallback", "err", err)
		}
	}

	if err := s.db.BumpLastMessage(ctx, chatID, id); err != nil {
		logger.Warnf("[message] last-message bump failed: chat=%d id=%d err=%v", chatID, id, err)
	}
	return m, nil
}

// Patch is the minimal field-level edit applied and broadcast.
type Patch struct {
	ID      int64   `json:"id"`
	ChatID  int64   `json:"chat_id"`
	Content *string `json:"content,omitempty"`
	Attach  *string `json:"attach,omitempty"`
}

// Edit patches a message. Author-only, inside EditWindow, and at least one
// of content/attach must be supplied non-empty.
func (s *Store) Edit(ctx context.Context, chatID, id int64, userID string, content, attach *string) (*Patch, error) {
	if (content == nil || *content == "") && (attach == nil || *attach == "") {
		return nil, errs.ErrArgs.WrapMsg("edit needs content or attachment")
	}
	if content != nil && utf8.RuneCountInString(*content) > MaxContentRunes {
		return nil, errs.ErrArgs.WrapMsg("content too long", "max", MaxContentRunes)
	}

	m, err := s.db.GetMessage(ctx, chatID, id)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, errs.ErrNoPermission.WrapMsg("only the author may edit")
	}
	if s.clock().Sub(m.CreatedAt) > EditWindow {
		return nil, errs.ErrConflict.WrapMsg("edit window elapsed")
	}

	n, err := s.db.UpdateMessage(ctx, chatID, id, content, attach)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("message update", "err", err)
	}
	if n == 0 {
		return nil, errs.ErrConflict.WrapMsg("message gone or already deleted")
	}
	return &Patch{ID: id, ChatID: chatID, Content: content, Attach: attach}, nil
}

// DeleteEvent carries the original author so clients can attribute
// moderator deletions.
type DeleteEvent struct {
	ID       int64  `json:"id"`
	ChatID   int64  `json:"chat_id"`
	AuthorID string `json:"author_id"`
}

// SoftDelete flags a message deleted, keeping the row for thread
// integrity. Allowed for the author or a moderator-tier actor.
func (s *Store) SoftDelete(ctx context.Context, chatID, id int64, actorID string, actorRole model.Role) (*DeleteEvent, error) {
	m, err := s.db.GetMessage(ctx, chatID, id)
	if err != nil {
		return nil, err
	}
	if m.UserID != actorID && !model.SetModerator.Has(actorRole) {
		return nil, errs.ErrNoPermission.WrapMsg("not author or moderator")
	}

	n, err := s.db.MarkDeleted(ctx, chatID, id)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("message delete", "err", err)
	}
	if n == 0 {
		return nil, errs.ErrConflict.WrapMsg("already deleted")
	}
	return &DeleteEvent{ID: id, ChatID: chatID, AuthorID: m.UserID}, nil
}

// List returns the newest page before beforeID (0 = from the top). Deleted
// messages keep their slot but return blank content.
func (s *Store) List(ctx context.Context, chatID, beforeID int64) ([]model.Message, error) {
	if beforeID <= 0 {
		beforeID = int64(^uint64(0) >> 1)
	}
	msgs, err := s.db.ListBefore(ctx, chatID, beforeID, PageSize)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("message page", "err", err)
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		if m.Deleted() {
			m.Content = ""
			m.Attach = ""
		}
		out[i] = m
	}
	return out, nil
}

// ListRange is the moderation read: an explicit id range that returns
// deleted rows with content intact and the deleted flag set. Reachable only
// through the moderator-gated range operation; this asymmetry against List
// is deliberate policy, not an accident.
func (s *Store) ListRange(ctx context.Context, chatID, firstID, lastID int64) ([]model.Message, error) {
	if firstID <= 0 || lastID < firstID {
		return nil, errs.ErrArgs.WrapMsg("bad id range", "first", firstID, "last", lastID)
	}
	msgs, err := s.db.ListRange(ctx, chatID, firstID, lastID)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("message range", "err", err)
	}
	return msgs, nil
}
