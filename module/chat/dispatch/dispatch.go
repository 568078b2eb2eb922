package dispatch

import (
	"context"
	"time"

	"CProject/data/database/pg"
	"CProject/logger"
	"CProject/module/chat/member"
	"CProject/module/chat/message"
	"CProject/module/chat/model"
	"CProject/module/chat/presence"
	"CProject/module/chat/seen"
	"CProject/tools/errs"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Op is the closed set of named operations the dispatcher routes.
type Op string

const (
	OpChatOpen   Op = "chatopen"
	OpChatCreate Op = "chatcreate"
	OpChatSetup  Op = "chatsetup"
	OpChatLeave  Op = "chatleave"
	OpChatEnd    Op = "chatend"

	OpMsgPost  Op = "msgpost"
	OpMsgEdit  Op = "msgedit"
	OpMsgDel   Op = "msgdel"
	OpMsgList  Op = "msglist"
	OpMsgRange Op = "msgrange"

	OpSeenWrite Op = "seenwrite"
	OpSeenDelta Op = "seendelta"
	OpRoomJoin  Op = "roomjoin"

	OpGag     Op = "gag"
	OpUngag   Op = "ungag"
	OpKick    Op = "kick"
	OpBan     Op = "ban"
	OpUnban   Op = "unban"
	OpBlock   Op = "block"
	OpUnblock Op = "unblock"
	OpReenter Op = "reenter"
)

// MemberSpec is one staged membership row in create/setup payloads.
type MemberSpec struct {
	UserID string     `json:"user_id"`
	Role   model.Role `json:"role"`
}

// Request is the named-operation envelope. UserID is the authenticated
// actor; every other field is op-specific payload.
type Request struct {
	Op     Op     `json:"op"`
	UserID string `json:"-"`
	ChatID int64  `json:"chat_id"`

	// chatcreate / chatsetup
	Type      model.ChatType `json:"type,omitempty"`
	Name      string         `json:"name,omitempty"`
	Members   []MemberSpec   `json:"members,omitempty"`
	RemoveIDs []string       `json:"remove_ids,omitempty"`

	// messages
	MsgID      int64   `json:"msg_id,omitempty"`
	Content    string  `json:"content,omitempty"`
	Attach     string  `json:"attach,omitempty"`
	NewContent *string `json:"new_content,omitempty"`
	NewAttach  *string `json:"new_attach,omitempty"`
	BeforeID   int64   `json:"before_id,omitempty"`
	FirstID    int64   `json:"first_id,omitempty"`
	LastID     int64   `json:"last_id,omitempty"`

	// seen sync
	Seen  []seen.Entry `json:"seen,omitempty"`
	Since int64        `json:"since,omitempty"`

	// moderation
	TargetID string    `json:"target_id,omitempty"`
	Until    time.Time `json:"until,omitempty"`
	Reason   string    `json:"reason,omitempty"`

	actorRole model.Role
}

// Result is the structured success payload; only the fields the operation
// produces are set.
type Result struct {
	Chat      *Chat               `json:"chat,omitempty"`
	Members   []model.ChatMember  `json:"members,omitempty"`
	MemberIDs []string            `json:"member_ids,omitempty"`
	Messages  []model.Message     `json:"messages,omitempty"`
	MsgID     int64               `json:"msg_id,omitempty"`
	Joined    bool                `json:"joined,omitempty"`
	Delta     *seen.Delta         `json:"delta,omitempty"`
	Version   int64               `json:"version,omitempty"`
	Pointers  []model.SeenPointer `json:"pointers,omitempty"`
}

// Chat aliases the model row in responses.
type Chat = model.Chat

// Conn is the one relational connection pinned for the request lifetime.
// *pgxpool.Conn satisfies it.
type Conn interface {
	pg.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
}

// DB hands out pinned connections.
type DB interface {
	Acquire(ctx context.Context) (Conn, error)
}

// PoolDB adapts the shared pgx pool to DB.
type PoolDB struct {
	Pool *pgxpool.Pool
}

func (d PoolDB) Acquire(ctx context.Context) (Conn, error) {
	c, err := d.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Membership is the authorization and member-resolution surface.
type Membership interface {
	Authorize(ctx context.Context, userID string, chatID int64, need model.RoleSet) (model.Role, error)
	MemberIDs(ctx context.Context, chatID int64) ([]string, error)
	Members(ctx context.Context, chatID int64, includeArchived bool) ([]model.ChatMember, error)
	SetRoles(ctx context.Context, chatID int64, entries []member.RoleEntry)
	Invalidate(chatID int64)
}

type Messages interface {
	Post(ctx context.Context, chatID int64, userID, content, attach string) (*model.Message, error)
	Edit(ctx context.Context, chatID, id int64, userID string, content, attach *string) (*message.Patch, error)
	SoftDelete(ctx context.Context, chatID, id int64, actorID string, actorRole model.Role) (*message.DeleteEvent, error)
	List(ctx context.Context, chatID, beforeID int64) ([]model.Message, error)
	ListRange(ctx context.Context, chatID, firstID, lastID int64) ([]model.Message, error)
}

// MessagesFactory and ModerationFactory bind a component's relational side
// to the request's pinned connection, so an operation never reaches for a
// second connection while one is already held.
type MessagesFactory func(Conn) Messages

type ModerationFactory func(Conn) Moderation

type SeenLedger interface {
	WriteSeenEntries(ctx context.Context, chatID int64, entries []seen.Entry) (int64, []model.SeenPointer, error)
	FetchDelta(ctx context.Context, chatID int64, since int64) (*seen.Delta, error)
}

// SeenDB persists read positions onto the member rows; durability never
// depends on the cache-side ledger.
type SeenDB interface {
	UpdateSeen(ctx context.Context, chatID int64, entries []seen.Entry) error
}

type Rooms interface {
	JoinRoom(ctx context.Context, userID string, chatID int64) (bool, error)
	ManageMembership(ctx context.Context, chatID int64, userIDs []string, mode presence.Mode, opts presence.ManageOpts) error
	EndRoom(ctx context.Context, chatID int64, memberIDs []string, opts presence.EndOpts) error
}

type Moderation interface {
	Gag(ctx context.Context, chatID int64, actorID, targetID string, until time.Time, reason string) error
	Ungag(ctx context.Context, chatID int64, targetID string) error
	Kick(ctx context.Context, chatID int64, actorID, targetID, reason string) error
	Ban(ctx context.Context, chatID int64, actorID, targetID string, until time.Time, reason string) error
	Unban(ctx context.Context, chatID int64, targetID string) error
	Block(ctx context.Context, chatID int64, blockerID, reason string) error
	Unblock(ctx context.Context, chatID int64, actorID string) error
	Reenter(ctx context.Context, chatID int64, userID string) error
}

type Notifier interface {
	EmitRoom(chatID int64, ev model.Event)
}

type handlerFunc func(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error)

// handlers is the static op routing table; unknown ops never reach a
// handler.
var handlers = map[Op]handlerFunc{
	OpChatOpen:   opChatOpen,
	OpChatCreate: opChatCreate,
	OpChatSetup:  opChatSetup,
	OpChatLeave:  opChatLeave,
	OpChatEnd:    opChatEnd,

	OpMsgPost:  opMsgPost,
	OpMsgEdit:  opMsgEdit,
	OpMsgDel:   opMsgDel,
	OpMsgList:  opMsgList,
	OpMsgRange: opMsgRange,

	OpSeenWrite: opSeenWrite,
	OpSeenDelta: opSeenDelta,
	OpRoomJoin:  opRoomJoin,

	OpGag:     opGag,
	OpUngag:   opUngag,
	OpKick:    opKick,
	OpBan:     opBan,
	OpUnban:   opUnban,
	OpBlock:   opBlock,
	OpUnblock: opUnblock,
	OpReenter: opReenter,
}

// required maps each op to the role set its actor must hold in the target
// chat. Ops absent from the table (chatcreate) skip the membership check.
var required = map[Op]model.RoleSet{
	OpChatOpen:  model.SetAnyMember,
	OpChatSetup: model.SetOwner,
	OpChatLeave: model.SetAnyMember,
	OpChatEnd:   model.SetOwner,

	OpMsgPost:  model.SetSpeaker,
	OpMsgEdit:  model.SetSpeaker,
	OpMsgDel:   model.SetAnyMember,
	OpMsgList:  model.SetAnyMember,
	OpMsgRange: model.SetModerator,

	OpSeenWrite: model.SetAnyMember,
	OpSeenDelta: model.SetAnyMember,
	OpRoomJoin:  model.SetAnyMember,

	OpGag:     model.SetModerator,
	OpUngag:   model.SetModerator,
	OpKick:    model.SetModerator,
	OpBan:     model.SetModerator,
	OpUnban:   model.SetModerator,
	OpBlock:   model.SetPriv,
	OpUnblock: model.SetPriv,
	OpReenter: model.SetAnyMember,
}

// Dispatcher composes the chat components into request-shaped operations.
type Dispatcher struct {
	db       DB
	members  Membership
	msgs     MessagesFactory
	ledger   SeenLedger
	rooms    Rooms
	mod      ModerationFactory
	notifier Notifier

	// newStore and newSeenDB build the relational stores over the pinned
	// connection.
	newStore  func(Conn) ChatStore
	newSeenDB func(Conn) SeenDB
}

func NewDispatcher(db DB, members Membership, msgs MessagesFactory, ledger SeenLedger, rooms Rooms, mod ModerationFactory, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		db:       db,
		members:  members,
		msgs:     msgs,
		ledger:   ledger,
		rooms:    rooms,
		mod:      mod,
		notifier: notifier,
		newStore: newPGChatStore,
		newSeenDB: func(c Conn) SeenDB {
			return seen.NewPGStore(c)
		},
	}
}

// Dispatch routes one request: acquire the connection, authorize, run the
// op body. The connection is released on every exit path.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	h, ok := handlers[req.Op]
	if !ok {
		return nil, errs.ErrArgs.WrapMsg("unknown operation", "op", req.Op)
	}
	if req.UserID == "" {
		return nil, errs.ErrArgs.WrapMsg("missing actor")
	}

	rid := uuid.NewString()
	c, err := d.db.Acquire(ctx)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("connection acquire", "err", err)
	}
	defer c.Release()

	if need, gated := required[req.Op]; gated {
		if req.ChatID <= 0 {
			return nil, errs.ErrArgs.WrapMsg("missing chat id", "op", req.Op)
		}
		role, err := d.members.Authorize(ctx, req.UserID, req.ChatID, need)
		if err != nil {
			return nil, err
		}
		req.actorRole = role
	}

	res, err := h(ctx, d, c, req)
	if err != nil {
		logger.Infof("[dispatch] op failed: rid=%s op=%s chat=%d user=%s code=%d err=%v",
			rid, req.Op, req.ChatID, req.UserID, errs.Code(err), err)
		return nil, err
	}
	return res, nil
}

func opMsgPost(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	m, err := d.msgs(c).Post(ctx, req.ChatID, req.UserID, req.Content, req.Attach)
	if err != nil {
		return nil, err
	}
	// Broadcast is strictly ordered after persistence and carries the
	// persisted row, timestamp included.
	d.notifier.EmitRoom(req.ChatID, model.Event{
		Type: model.EventMessage, ChatID: req.ChatID, UserID: req.UserID, Data: m,
	})
	return &Result{MsgID: m.ID}, nil
}

func opMsgEdit(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	patch, err := d.msgs(c).Edit(ctx, req.ChatID, req.MsgID, req.UserID, req.NewContent, req.NewAttach)
	if err != nil {
		return nil, err
	}
	d.notifier.EmitRoom(req.ChatID, model.Event{
		Type: model.EventMessagePatch, ChatID: req.ChatID, UserID: req.UserID, Data: patch,
	})
	return &Result{MsgID: req.MsgID}, nil
}

func opMsgDel(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	ev, err := d.msgs(c).SoftDelete(ctx, req.ChatID, req.MsgID, req.UserID, req.actorRole)
	if err != nil {
		return nil, err
	}
	d.notifier.EmitRoom(req.ChatID, model.Event{
		Type: model.EventMessageDelete, ChatID: req.ChatID, UserID: ev.AuthorID, Data: ev,
	})
	return &Result{MsgID: req.MsgID}, nil
}

func opMsgList(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	before, err := visibleBefore(ctx, d, c, req.ChatID, req.UserID, req.BeforeID)
	if err != nil {
		return nil, err
	}
	msgs, err := d.msgs(c).List(ctx, req.ChatID, before)
	if err != nil {
		return nil, err
	}
	return &Result{Messages: msgs}, nil
}

// visibleBefore caps a page read at the actor's stamped visibility bound.
// The bound is set on ban and departure and cleared when membership is
// restored; zero means unclamped.
func visibleBefore(ctx context.Context, d *Dispatcher, c Conn, chatID int64, userID string, beforeID int64) (int64, error) {
	last, err := d.newStore(c).MemberLast(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}
	if last > 0 && (beforeID <= 0 || beforeID > last+1) {
		return last + 1, nil
	}
	return beforeID, nil
}

func opMsgRange(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	msgs, err := d.msgs(c).ListRange(ctx, req.ChatID, req.FirstID, req.LastID)
	if err != nil {
		return nil, err
	}
	return &Result{Messages: msgs}, nil
}

func opSeenWrite(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	if err := rejectPrivate(ctx, d, c, req.ChatID); err != nil {
		return nil, err
	}
	// Member rows first: the cache ledger is rebuildable from them.
	if err := d.newSeenDB(c).UpdateSeen(ctx, req.ChatID, req.Seen); err != nil {
		return nil, errs.ErrInternal.WrapMsg("seen persist", "err", err)
	}
	version, pointers, err := d.ledger.WriteSeenEntries(ctx, req.ChatID, req.Seen)
	if err != nil {
		return nil, err
	}
	return &Result{Version: version, Pointers: pointers}, nil
}

func opSeenDelta(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	if err := rejectPrivate(ctx, d, c, req.ChatID); err != nil {
		return nil, err
	}
	delta, err := d.ledger.FetchDelta(ctx, req.ChatID, req.Since)
	if err != nil {
		return nil, err
	}
	return &Result{Delta: delta}, nil
}

// rejectPrivate keeps two-party chats out of the seen-sync protocol.
func rejectPrivate(ctx context.Context, d *Dispatcher, c Conn, chatID int64) error {
	chat, err := d.newStore(c).GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Type == model.ChatPrivate {
		return errs.ErrConflict.WrapMsg("no seen sync for private chats")
	}
	return nil
}

func opRoomJoin(ctx context.Context, d *Dispatcher, _ Conn, req *Request) (*Result, error) {
	joined, err := d.rooms.JoinRoom(ctx, req.UserID, req.ChatID)
	if err != nil {
		return nil, err
	}
	return &Result{Joined: joined}, nil
}

func opGag(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	return &Result{}, d.mod(c).Gag(ctx, req.ChatID, req.UserID, req.TargetID, req.Until, req.Reason)
}

func opUngag(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	return &Result{}, d.mod(c).Ungag(ctx, req.ChatID, req.TargetID)
}

func opKick(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	return &Result{}, d.mod(c).Kick(ctx, req.ChatID, req.UserID, req.TargetID, req.Reason)
}

func opBan(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	return &Result{}, d.mod(c).Ban(ctx, req.ChatID, req.UserID, req.TargetID, req.Until, req.Reason)
}

func opUnban(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	return &Result{}, d.mod(c).Unban(ctx, req.ChatID, req.TargetID)
}

func opBlock(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	return &Result{}, d.mod(c).Block(ctx, req.ChatID, req.UserID, req.Reason)
}

func opUnblock(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	return &Result{}, d.mod(c).Unblock(ctx, req.ChatID, req.UserID)
}

func opReenter(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	return &Result{}, d.mod(c).Reenter(ctx, req.ChatID, req.UserID)
}
