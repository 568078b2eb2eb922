package moderation

import (
	"context"
	"time"

	"CProject/module/chat/member"
	"CProject/module/chat/model"
	"CProject/module/chat/presence"
	"CProject/tools/errs"
)

// MemberState is the full post-transition state written in one guarded
// update.
type MemberState struct {
	Role   model.Role
	Punish model.Punish
	Until  *time.Time
	Who    string
	Mess   string
	Last   int64
}

// Tx is one relational transaction scoped to a single transition.
type Tx interface {
	Member(ctx context.Context, chatID int64, userID string) (*model.ChatMember, error)
	Members(ctx context.Context, chatID int64) ([]model.ChatMember, error)
	Chat(ctx context.Context, chatID int64) (*model.Chat, error)
	// SetState writes the new state, guarded on the current punish value.
	// Returns affected rows; zero means the target state moved under us.
	SetState(ctx context.Context, chatID int64, userID string, expectPunish model.Punish, st MemberState) (int64, error)
	BumpChanged(ctx context.Context, chatID int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type DB interface {
	Begin(ctx context.Context) (Tx, error)
}

// RoleCache is the slice of the membership cache the engine mutates after
// commit.
type RoleCache interface {
	SetRoles(ctx context.Context, chatID int64, entries []member.RoleEntry)
	Invalidate(chatID int64)
}

// Rooms is the slice of the presence router the engine drives.
type Rooms interface {
	ManageMembership(ctx context.Context, chatID int64, userIDs []string, mode presence.Mode, opts presence.ManageOpts) error
	EndRoom(ctx context.Context, chatID int64, memberIDs []string, opts presence.EndOpts) error
}

type Notifier interface {
	EmitRoom(chatID int64, ev model.Event)
}

// Engine applies moderation state transitions. Every transition runs its
// relational update inside a transaction that also bumps the chat's
// changed-at, demands a non-zero affected-row count, and touches the cache
// and presence layers only after commit.
type Engine struct {
	db       DB
	cache    RoleCache
	rooms    Rooms
	notifier Notifier
	clock    func() time.Time
}

func NewEngine(db DB, cache RoleCache, rooms Rooms, notifier Notifier) *Engine {
	return &Engine{db: db, cache: cache, rooms: rooms, notifier: notifier, clock: time.Now}
}

func (e *Engine) transact(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return errs.ErrInternal.WrapMsg("begin", "err", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.ErrInternal.WrapMsg("commit", "err", err)
	}
	return nil
}

// Gag silences a target currently holding spect or member. The role is
// demoted to the gagged marker and the punishment carries expiry, actor
// and reason.
func (e *Engine) Gag(ctx context.Context, chatID int64, actorID, targetID string, until time.Time, reason string) error {
	if until.IsZero() {
		return errs.ErrArgs.WrapMsg("gag needs an expiry")
	}
	err := e.transact(ctx, func(tx Tx) error {
		m, err := tx.Member(ctx, chatID, targetID)
		if err != nil {
			return err
		}
		if m.Punish != model.PunishNone {
			return errs.ErrConflict.WrapMsg("target already punished", "punish", m.Punish)
		}
		if m.Role != model.RoleSpect && m.Role != model.RoleMember {
			return errs.ErrConflict.WrapMsg("target role not gaggable", "role", m.Role)
		}
		return e.apply(ctx, tx, chatID, targetID, model.PunishNone, MemberState{
			Role: model.RoleGagged, Punish: model.PunishGag,
			Until: &until, Who: actorID, Mess: reason, Last: m.Last,
		})
	})
	if err != nil {
		return err
	}
	e.cache.SetRoles(ctx, chatID, []member.RoleEntry{{UserID: targetID, Role: model.RoleGagged}})
	return nil
}

// Ungag is valid only while punish=gag; it restores role=member and clears
// the punishment fields.
func (e *Engine) Ungag(ctx context.Context, chatID int64, targetID string) error {
	err := e.transact(ctx, func(tx Tx) error {
		m, err := tx.Member(ctx, chatID, targetID)
		if err != nil {
			return err
		}
		if m.Punish != model.PunishGag {
			return errs.ErrConflict.WrapMsg("target not gagged", "punish", m.Punish)
		}
		return e.apply(ctx, tx, chatID, targetID, model.PunishGag, MemberState{
			Role: model.RoleMember, Punish: model.PunishNone, Last: m.Last,
		})
	})
	if err != nil {
		return err
	}
	e.cache.SetRoles(ctx, chatID, []member.RoleEntry{{UserID: targetID, Role: model.RoleMember}})
	return nil
}

// Kick demotes to spectator and stamps punish=kick. The membership row
// stays for the audit trail; room removal is carried by broadcast
// consumers, not by the transition itself.
func (e *Engine) Kick(ctx context.Context, chatID int64, actorID, targetID, reason string) error {
	err := e.transact(ctx, func(tx Tx) error {
		m, err := tx.Member(ctx, chatID, targetID)
		if err != nil {
			return err
		}
		if m.Punish != model.PunishNone {
			return errs.ErrConflict.WrapMsg("target already punished", "punish", m.Punish)
		}
		return e.apply(ctx, tx, chatID, targetID, model.PunishNone, MemberState{
			Role: model.RoleSpect, Punish: model.PunishKick,
			Who: actorID, Mess: reason, Last: m.Last,
		})
	})
	if err != nil {
		return err
	}
	e.cache.SetRoles(ctx, chatID, []member.RoleEntry{{UserID: targetID, Role: model.RoleSpect}})
	return nil
}

// Ban demotes to spectator with a mandatory expiry and clamps the target's
// visibility at the chat's current last message. The target leaves active
// tracking silently: a removal by policy, not a departure.
func (e *Engine) Ban(ctx context.Context, chatID int64, actorID, targetID string, until time.Time, reason string) error {
	if until.IsZero() {
		return errs.ErrArgs.WrapMsg("ban needs an expiry")
	}
	err := e.transact(ctx, func(tx Tx) error {
		m, err := tx.Member(ctx, chatID, targetID)
		if err != nil {
			return err
		}
		if m.Punish != model.PunishNone {
			return errs.ErrConflict.WrapMsg("target already punished", "punish", m.Punish)
		}
		last := m.Last
		if last == 0 {
			chat, err := tx.Chat(ctx, chatID)
			if err != nil {
				return err
			}
			last = chat.LastMessageID
		}
		return e.apply(ctx, tx, chatID, targetID, model.PunishNone, MemberState{
			Role: model.RoleSpect, Punish: model.PunishBan,
			Until: &until, Who: actorID, Mess: reason, Last: last,
		})
	})
	if err != nil {
		return err
	}
	e.cache.SetRoles(ctx, chatID, []member.RoleEntry{{UserID: targetID, Role: model.RoleSpect}})
	_ = e.rooms.ManageMembership(ctx, chatID, []string{targetID}, presence.ModeRemove, presence.ManageOpts{})
	return nil
}

// Unban restores role=member, clears the punish state and the visibility
// clamp, and re-adds the member to active tracking.
func (e *Engine) Unban(ctx context.Context, chatID int64, targetID string) error {
	err := e.transact(ctx, func(tx Tx) error {
		m, err := tx.Member(ctx, chatID, targetID)
		if err != nil {
			return err
		}
		if m.Punish != model.PunishBan {
			return errs.ErrConflict.WrapMsg("target not banned", "punish", m.Punish)
		}
		return e.apply(ctx, tx, chatID, targetID, model.PunishBan, MemberState{
			Role: model.RoleMember, Punish: model.PunishNone,
		})
	})
	if err != nil {
		return err
	}
	e.cache.SetRoles(ctx, chatID, []member.RoleEntry{{UserID: targetID, Role: model.RoleMember}})
	_ = e.rooms.ManageMembership(ctx, chatID, []string{targetID}, presence.ModeAdd, presence.ManageOpts{})
	return nil
}

// Block is a one-time transition in private chats. Both participant rows
// get punish=block with the blocker recorded, which drops them from the
// authorization projections; the room ends with a dedicated blocking
// event instead of the generic terminal one.
func (e *Engine) Block(ctx context.Context, chatID int64, blockerID, reason string) error {
	var participants []string
	err := e.transact(ctx, func(tx Tx) error {
		chat, err := tx.Chat(ctx, chatID)
		if err != nil {
			return err
		}
		if chat.Type != model.ChatPrivate {
			return errs.ErrConflict.WrapMsg("block applies to private chats only")
		}
		ms, err := tx.Members(ctx, chatID)
		if err != nil {
			return err
		}
		blockerPresent := false
		for _, m := range ms {
			if m.Punish == model.PunishBlock {
				return errs.ErrConflict.WrapMsg("already blocked", "who", m.Who)
			}
			if m.UserID == blockerID {
				blockerPresent = true
			}
		}
		if !blockerPresent {
			return errs.ErrNoPermission.WrapMsg("blocker not a participant")
		}
		for _, m := range ms {
			participants = append(participants, m.UserID)
			if err := e.apply(ctx, tx, chatID, m.UserID, model.PunishNone, MemberState{
				Role: m.Role, Punish: model.PunishBlock,
				Who: blockerID, Mess: reason, Last: m.Last,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	entries := make([]member.RoleEntry, len(participants))
	for i, u := range participants {
		entries[i] = member.RoleEntry{UserID: u, Remove: true}
	}
	e.cache.SetRoles(ctx, chatID, entries)
	e.notifier.EmitRoom(chatID, model.Event{Type: model.EventBlocking, ChatID: chatID, UserID: blockerID})
	_ = e.rooms.EndRoom(ctx, chatID, participants, presence.EndOpts{SkipEvent: true})
	return nil
}

// Unblock is permitted only by the original blocker and restores no role
// change.
func (e *Engine) Unblock(ctx context.Context, chatID int64, actorID string) error {
	var restored []member.RoleEntry
	err := e.transact(ctx, func(tx Tx) error {
		ms, err := tx.Members(ctx, chatID)
		if err != nil {
			return err
		}
		for _, m := range ms {
			if m.Punish != model.PunishBlock {
				return errs.ErrConflict.WrapMsg("chat not blocked")
			}
			if m.Who != actorID {
				return errs.ErrNoPermission.WrapMsg("only the blocker may unblock")
			}
		}
		for _, m := range ms {
			restored = append(restored, member.RoleEntry{UserID: m.UserID, Role: m.Role})
			if err := e.apply(ctx, tx, chatID, m.UserID, model.PunishBlock, MemberState{
				Role: m.Role, Punish: model.PunishNone, Last: m.Last,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.cache.SetRoles(ctx, chatID, restored)
	return nil
}

// Reenter clears an expired or kick-class punishment, restores
// role=member with full visibility and re-joins the presence layer.
func (e *Engine) Reenter(ctx context.Context, chatID int64, userID string) error {
	err := e.transact(ctx, func(tx Tx) error {
		m, err := tx.Member(ctx, chatID, userID)
		if err != nil {
			return err
		}
		switch m.Punish {
		case model.PunishKick:
			// Always re-enterable.
		case model.PunishGag, model.PunishBan:
			if m.Until == nil || e.clock().Before(*m.Until) {
				return errs.ErrConflict.WrapMsg("punishment still active", "punish", m.Punish)
			}
		default:
			return errs.ErrConflict.WrapMsg("nothing to re-enter from", "punish", m.Punish)
		}
		return e.apply(ctx, tx, chatID, userID, m.Punish, MemberState{
			Role: model.RoleMember, Punish: model.PunishNone,
		})
	})
	if err != nil {
		return err
	}
	e.cache.SetRoles(ctx, chatID, []member.RoleEntry{{UserID: userID, Role: model.RoleMember}})
	_ = e.rooms.ManageMembership(ctx, chatID, []string{userID}, presence.ModeAdd, presence.ManageOpts{})
	return nil
}

// apply writes the guarded state update and the chat watermark; a zero
// affected-row count fails the whole transition.
func (e *Engine) apply(ctx context.Context, tx Tx, chatID int64, userID string, expect model.Punish, st MemberState) error {
	n, err := tx.SetState(ctx, chatID, userID, expect, st)
	if err != nil {
		return errs.ErrInternal.WrapMsg("state update", "err", err)
	}
	if n == 0 {
		return errs.ErrConflict.WrapMsg("state moved underneath the transition")
	}
	return tx.BumpChanged(ctx, chatID)
}
