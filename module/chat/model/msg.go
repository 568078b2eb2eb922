package model

import "time"

type MsgFlag string

const (
	MsgOK  MsgFlag = "ok"
	MsgDel MsgFlag = "del"
)

// Message ids come from one shared counter, so they order message creation
// globally, not per chat. Rows are soft-deleted only.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Attach    string    `json:"attach,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Flag      MsgFlag   `json:"flag"`
}

func (m *Message) Deleted() bool { return m.Flag == MsgDel }
