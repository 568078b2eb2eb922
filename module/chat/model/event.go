package model

// Event is one room-scoped notification delivered through the live
// connection layer (and relayed across gateway nodes).
type Event struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
	UserID string `json:"user_id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

const (
	EventMessage       = "message"
	EventMessagePatch  = "message_patch"
	EventMessageDelete = "message_delete"
	EventMemberLeft    = "member_left"
	EventChatEnded     = "chat_ended"
	EventBlocking      = "blocking"
	EventChatChanged   = "chat_changed"
)
