package model

import "time"

type Role string

const (
	RoleMember Role = "member"
	RolePriv   Role = "priv" // private-chat participant, never elsewhere
	RoleGuard  Role = "guard"
	RoleAdmin  Role = "admin"
	RoleVIP    Role = "vip"
	RoleSpect  Role = "spect"
	RoleGagged Role = "gagged"
)

type MemberFlag string

const (
	FlagOK  MemberFlag = "ok"
	FlagDel MemberFlag = "del"
	FlagReq MemberFlag = "req"
	FlagRef MemberFlag = "ref"
)

type Punish string

const (
	PunishNone  Punish = ""
	PunishGag   Punish = "gag"
	PunishKick  Punish = "kick"
	PunishBan   Punish = "ban"
	PunishBlock Punish = "block"
)

// ChatMember is one membership row, composite key (ChatID, UserID).
type ChatMember struct {
	ChatID int64      `json:"chat_id"`
	UserID string     `json:"user_id"`
	Role   Role       `json:"role"`
	Flag   MemberFlag `json:"flag"`

	Punish Punish     `json:"punish,omitempty"`
	Until  *time.Time `json:"until,omitempty"` // punishment expiry
	Who    string     `json:"who,omitempty"`   // punishing / blocking actor
	Mess   string     `json:"mess,omitempty"`  // punishment reason

	// Last clamps visibility after ban/leave: the highest message id this
	// member may still see. Seen is the read pointer.
	Last int64 `json:"last"`
	Seen int64 `json:"seen"`

	Archived bool `json:"archived"`
	Hidden   bool `json:"hidden"`
	Muted    bool `json:"muted"`
}

// RoleSet is a named set of roles an operation accepts.
type RoleSet map[Role]bool

func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = true
	}
	return s
}

func (s RoleSet) Has(r Role) bool { return s[r] }

// Static role sets; the op table in dispatch references these.
var (
	// SetAnyMember: any resolved membership, including muted spectators.
	SetAnyMember = NewRoleSet(RoleMember, RolePriv, RoleGuard, RoleAdmin, RoleVIP, RoleSpect, RoleGagged)
	// SetSpeaker: everyone who may post.
	SetSpeaker = NewRoleSet(RoleMember, RolePriv, RoleGuard, RoleAdmin, RoleVIP)
	// SetModerator: moderator tier and above.
	SetModerator = NewRoleSet(RoleGuard, RoleAdmin, RoleVIP)
	// SetOwner: leadership tier, may reconfigure the chat.
	SetOwner = NewRoleSet(RoleAdmin, RoleVIP)
	// SetPriv: private chats only.
	SetPriv = NewRoleSet(RolePriv)
)
