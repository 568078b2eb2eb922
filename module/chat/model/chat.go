package model

import "time"

type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatFree    ChatType = "free"
	ChatVIP     ChatType = "vip"
)

// MaxChatMembers bounds every non-private chat. Checked before any row is
// written.
const MaxChatMembers = 20

// Chat is the room row. Chats are never physically deleted; Ended is the
// terminal soft state.
type Chat struct {
	ID            int64     `json:"id"`
	Type          ChatType  `json:"type"`
	Name          string    `json:"name"` // required unless private
	Ended         bool      `json:"ended"`
	LastMessageID int64     `json:"last_message_id"`
	ChangedAt     time.Time `json:"changed_at"`
}

// LeaderRole is the top role for a chat type: admin for group, vip for
// vip-type rooms. Free chats have no leadership requirement.
func (t ChatType) LeaderRole() Role {
	switch t {
	case ChatGroup:
		return RoleAdmin
	case ChatVIP:
		return RoleVIP
	default:
		return ""
	}
}
