package model

// SeenPointer is one member's read position in one chat, stamped with the
// chat-scoped version assigned at write time. A client holding version V
// has observed every pointer with version <= V.
type SeenPointer struct {
	ChatID  int64  `json:"chat_id"`
	UserID  string `json:"user_id"`
	SeenID  int64  `json:"seen_id"`
	Version int64  `json:"version"`
	AtMS    int64  `json:"at_ms"` // wall clock at write, milliseconds
}
