package dispatch

import (
	"context"
	"sync"

	"CProject/logger"
	"CProject/module/chat/member"
	"CProject/module/chat/model"
	"CProject/module/chat/presence"
	"CProject/tools/errs"
	"CProject/tools/ids"
)

// opChatOpen joins the room and fetches the first message page and the
// member list concurrently; everything is joined before responding. The
// actor's visibility bound is resolved first, on the pinned connection.
func opChatOpen(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	before, err := visibleBefore(ctx, d, c, req.ChatID, req.UserID, 0)
	if err != nil {
		return nil, err
	}

	var (
		wg         sync.WaitGroup
		joined     bool
		msgs       []model.Message
		members    []model.ChatMember
		errJoin    error
		errMsgs    error
		errMembers error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		joined, errJoin = d.rooms.JoinRoom(ctx, req.UserID, req.ChatID)
	}()
	go func() {
		defer wg.Done()
		msgs, errMsgs = d.msgs(c).List(ctx, req.ChatID, before)
	}()
	go func() {
		defer wg.Done()
		members, errMembers = d.members.Members(ctx, req.ChatID, false)
	}()
	wg.Wait()

	for _, err := range []error{errJoin, errMsgs, errMembers} {
		if err != nil {
			return nil, err
		}
	}
	return &Result{Joined: joined, Messages: msgs, Members: members}, nil
}

func opChatCreate(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	chat := &model.Chat{
		ID:   ids.Generate(),
		Type: req.Type,
		Name: req.Name,
	}
	rows := make([]model.ChatMember, len(req.Members))
	for i, m := range req.Members {
		rows[i] = model.ChatMember{ChatID: chat.ID, UserID: m.UserID, Role: m.Role, Flag: model.FlagOK}
	}
	if err := d.newStore(c).CreateChat(ctx, chat, rows); err != nil {
		return nil, errs.ErrInternal.WrapMsg("chat create", "err", err)
	}

	entries := make([]member.RoleEntry, len(req.Members))
	for i, m := range req.Members {
		entries[i] = member.RoleEntry{UserID: m.UserID, Role: m.Role}
	}
	d.members.SetRoles(ctx, chat.ID, entries)
	return &Result{Chat: chat}, nil
}

// validateCreate enforces the structural invariants before any row is
// written: type/name legality, member ceiling, role legality per chat
// type, leadership presence.
func validateCreate(req *Request) error {
	switch req.Type {
	case model.ChatPrivate, model.ChatGroup, model.ChatFree, model.ChatVIP:
	default:
		return errs.ErrArgs.WrapMsg("bad chat type", "type", req.Type)
	}
	if req.Type != model.ChatPrivate && req.Name == "" {
		return errs.ErrArgs.WrapMsg("name required")
	}
	if len(req.Members) == 0 {
		return errs.ErrArgs.WrapMsg("members required")
	}
	if req.Type != model.ChatPrivate && len(req.Members) > model.MaxChatMembers {
		return errs.ErrConflict.WrapMsg("member ceiling", "max", model.MaxChatMembers)
	}

	seen := make(map[string]bool, len(req.Members))
	creatorListed := false
	for _, m := range req.Members {
		if m.UserID == "" {
			return errs.ErrArgs.WrapMsg("member without user id")
		}
		if seen[m.UserID] {
			return errs.ErrArgs.WrapMsg("duplicate member", "user", m.UserID)
		}
		seen[m.UserID] = true
		if m.UserID == req.UserID {
			creatorListed = true
		}
	}
	if !creatorListed {
		return errs.ErrArgs.WrapMsg("creator must be a member")
	}
	return validateRoles(req.Type, req.Members)
}

// validateRoles checks role legality for the chat type: exactly two priv
// in private, priv nowhere else, a leader for group, exactly one vip for
// vip-type.
func validateRoles(t model.ChatType, members []MemberSpec) error {
	if t == model.ChatPrivate {
		if len(members) != 2 {
			return errs.ErrConflict.WrapMsg("private chat needs exactly two members")
		}
		for _, m := range members {
			if m.Role != model.RolePriv {
				return errs.ErrConflict.WrapMsg("private members must be priv", "user", m.UserID)
			}
		}
		return nil
	}

	leaders, vips := 0, 0
	for _, m := range members {
		if m.Role == model.RolePriv {
			return errs.ErrConflict.WrapMsg("priv outside private chat", "user", m.UserID)
		}
		if m.Role == t.LeaderRole() {
			leaders++
		}
		if m.Role == model.RoleVIP {
			vips++
		}
	}
	switch t {
	case model.ChatGroup:
		if leaders == 0 {
			return errs.ErrConflict.WrapMsg("group needs an admin")
		}
	case model.ChatVIP:
		if vips != 1 {
			return errs.ErrConflict.WrapMsg("vip chat needs exactly one vip", "got", vips)
		}
	}
	return nil
}

func opChatSetup(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	store := d.newStore(c)
	chat, err := store.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	if chat.Ended {
		return nil, errs.ErrConflict.WrapMsg("chat ended")
	}
	if chat.Type == model.ChatPrivate {
		return nil, errs.ErrConflict.WrapMsg("private chats are not configurable")
	}

	current, err := d.members.Members(ctx, req.ChatID, true)
	if err != nil {
		return nil, err
	}
	if err := validateSetup(req, chat, current); err != nil {
		return nil, err
	}

	upserts := make([]model.ChatMember, len(req.Members))
	for i, m := range req.Members {
		upserts[i] = model.ChatMember{ChatID: req.ChatID, UserID: m.UserID, Role: m.Role, Flag: model.FlagOK}
	}
	if err := store.ApplySetup(ctx, req.ChatID, req.Name, upserts, req.RemoveIDs); err != nil {
		return nil, errs.ErrInternal.WrapMsg("chat setup", "err", err)
	}

	entries := make([]member.RoleEntry, 0, len(req.Members)+len(req.RemoveIDs))
	var added []string
	for _, m := range req.Members {
		entries = append(entries, member.RoleEntry{UserID: m.UserID, Role: m.Role})
		added = append(added, m.UserID)
	}
	for _, u := range req.RemoveIDs {
		entries = append(entries, member.RoleEntry{UserID: u, Remove: true})
	}
	d.members.SetRoles(ctx, req.ChatID, entries)

	if len(added) > 0 {
		if err := d.rooms.ManageMembership(ctx, req.ChatID, added, presence.ModeAdd, presence.ManageOpts{}); err != nil {
			logger.Warnf("[dispatch] member add mirror failed: chat=%d err=%v", req.ChatID, err)
		}
	}
	if len(req.RemoveIDs) > 0 {
		if err := d.rooms.ManageMembership(ctx, req.ChatID, req.RemoveIDs, presence.ModeRemove, presence.ManageOpts{Notify: true}); err != nil {
			logger.Warnf("[dispatch] member remove mirror failed: chat=%d err=%v", req.ChatID, err)
		}
	}
	d.notifier.EmitRoom(req.ChatID, model.Event{Type: model.EventChatChanged, ChatID: req.ChatID})
	return &Result{}, nil
}

// validateSetup re-checks the structural invariants against the staged
// membership before any row is touched, so an over-ceiling addition fails
// pre-transaction.
func validateSetup(req *Request, chat *model.Chat, current []model.ChatMember) error {
	cur := make(map[string]model.Role, len(current))
	for _, m := range current {
		if m.Flag == model.FlagOK {
			cur[m.UserID] = m.Role
		}
	}

	next := make(map[string]model.Role, len(cur)+len(req.Members))
	for u, r := range cur {
		next[u] = r
	}
	for _, m := range req.Members {
		if m.UserID == "" {
			return errs.ErrArgs.WrapMsg("member without user id")
		}
		if m.Role == model.RolePriv {
			return errs.ErrConflict.WrapMsg("priv outside private chat", "user", m.UserID)
		}
		next[m.UserID] = m.Role
	}
	for _, u := range req.RemoveIDs {
		delete(next, u)
	}

	if len(next) > model.MaxChatMembers {
		return errs.ErrConflict.WrapMsg("member ceiling", "max", model.MaxChatMembers, "staged", len(next))
	}

	if chat.Type == model.ChatVIP {
		// The single vip member is untouchable by non-vip actors.
		vips := 0
		for _, r := range next {
			if r == model.RoleVIP {
				vips++
			}
		}
		if vips != 1 {
			return errs.ErrConflict.WrapMsg("vip chat needs exactly one vip", "staged", vips)
		}
		if req.actorRole != model.RoleVIP {
			for _, m := range req.Members {
				if cur[m.UserID] == model.RoleVIP || m.Role == model.RoleVIP {
					return errs.ErrNoPermission.WrapMsg("vip member untouchable", "user", m.UserID)
				}
			}
			for _, u := range req.RemoveIDs {
				if cur[u] == model.RoleVIP {
					return errs.ErrNoPermission.WrapMsg("vip member untouchable", "user", u)
				}
			}
		}
	}
	return nil
}

// opChatLeave marks the actor's row left and clamps their visibility at
// the chat's current head. The departure is mirrored to cache and
// presence after the transaction.
func opChatLeave(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	n, err := d.newStore(c).LeaveChat(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("chat leave", "err", err)
	}
	if n == 0 {
		return nil, errs.ErrConflict.WrapMsg("membership already gone")
	}
	d.members.SetRoles(ctx, req.ChatID, []member.RoleEntry{{UserID: req.UserID, Remove: true}})
	if err := d.rooms.ManageMembership(ctx, req.ChatID, []string{req.UserID}, presence.ModeRemove, presence.ManageOpts{Notify: true}); err != nil {
		logger.Warnf("[dispatch] leave mirror failed: chat=%d user=%s err=%v", req.ChatID, req.UserID, err)
	}
	return &Result{}, nil
}

// opChatEnd soft-ends the chat (never deleted) and tears down the room.
func opChatEnd(ctx context.Context, d *Dispatcher, c Conn, req *Request) (*Result, error) {
	memberIDs, err := d.members.MemberIDs(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	n, err := d.newStore(c).EndChat(ctx, req.ChatID)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("chat end", "err", err)
	}
	if n == 0 {
		return nil, errs.ErrConflict.WrapMsg("chat already ended")
	}
	d.members.Invalidate(req.ChatID)
	if err := d.rooms.EndRoom(ctx, req.ChatID, memberIDs, presence.EndOpts{}); err != nil {
		logger.Warnf("[dispatch] room teardown failed: chat=%d err=%v", req.ChatID, err)
	}
	return &Result{}, nil
}
