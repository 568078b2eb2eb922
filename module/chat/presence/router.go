package presence

import (
	"context"

	"CProject/logger"
	"CProject/module/chat/model"
	"CProject/tools/errs"
)

// Live is the connection-layer surface: room grouping over websocket
// connections plus the online partition query. service/chat implements it.
type Live interface {
	// Online filters userIDs down to those with at least one open connection.
	Online(userIDs []string) []string
	// RoomActive reports whether the room has >=1 subscribed connection.
	RoomActive(chatID int64) bool
	JoinRoom(chatID int64, userIDs []string)
	LeaveRoom(chatID int64, userIDs []string)
	// CloseRoom forces every connection out of the room.
	CloseRoom(chatID int64)
	EmitRoom(chatID int64, ev model.Event)
}

// Cache is the presence projection in the shared cache: per-user active
// chat sets, per-user missed flags, per-chat left-while-inactive sets.
type Cache interface {
	AddActive(ctx context.Context, chatID int64, userIDs []string) error
	RemoveActive(ctx context.Context, chatID int64, userIDs []string) error
	ActiveChats(ctx context.Context, userID string) ([]int64, error)
	SetMissed(ctx context.Context, chatID int64, userIDs []string) error
	ClearMissed(ctx context.Context, chatID int64, userID string) error
	AddLeft(ctx context.Context, chatID int64, userIDs []string) error
	// DrainLeft atomically reads and clears the left set.
	DrainLeft(ctx context.Context, chatID int64) ([]string, error)
	ClearLeft(ctx context.Context, chatID int64) error
}

// Members resolves the full member-id list (cache first, store fallback).
type Members interface {
	MemberIDs(ctx context.Context, chatID int64) ([]string, error)
}

// Router decides which rooms are live and keeps the active-chat topology
// mirrored between the cache and the connection layer.
type Router struct {
	live    Live
	cache   Cache
	members Members
}

func NewRouter(live Live, cache Cache, members Members) *Router {
	return &Router{live: live, cache: cache, members: members}
}

// JoinRoom subscribes userID to the chat's room. Returns false when the
// room stayed inactive because nobody is online: in that case offline
// members get a missed flag and broadcast fan-out stays at zero cost.
func (r *Router) JoinRoom(ctx context.Context, userID string, chatID int64) (bool, error) {
	if r.live.RoomActive(chatID) {
		// Fast path: the room is live, no membership re-derivation.
		if err := r.cache.AddActive(ctx, chatID, []string{userID}); err != nil {
			logger.Warnf("[presence] active add failed: chat=%d user=%s err=%v", chatID, userID, err)
		}
		if err := r.cache.ClearMissed(ctx, chatID, userID); err != nil {
			logger.Warnf("[presence] missed clear failed: chat=%d user=%s err=%v", chatID, userID, err)
		}
		r.live.JoinRoom(chatID, []string{userID})
		r.reconcileLeft(ctx, chatID, userID)
		return true, nil
	}

	ids, err := r.members.MemberIDs(ctx, chatID)
	if err != nil {
		return false, err
	}
	online := r.live.Online(ids)
	onlineSet := make(map[string]bool, len(online))
	for _, u := range online {
		onlineSet[u] = true
	}
	var offline []string
	for _, u := range ids {
		if !onlineSet[u] && u != userID {
			offline = append(offline, u)
		}
	}

	if len(online) == 0 {
		// Nobody listening: do not activate, flag the absent members.
		if err := r.cache.SetMissed(ctx, chatID, offline); err != nil {
			logger.Warnf("[presence] missed flags failed: chat=%d err=%v", chatID, err)
		}
		return false, nil
	}

	subscribers := online
	if !onlineSet[userID] {
		subscribers = append(append([]string(nil), online...), userID)
	}
	if err := r.cache.AddActive(ctx, chatID, subscribers); err != nil {
		logger.Warnf("[presence] active add failed: chat=%d err=%v", chatID, err)
	}
	if err := r.cache.SetMissed(ctx, chatID, offline); err != nil {
		logger.Warnf("[presence] missed flags failed: chat=%d err=%v", chatID, err)
	}
	r.live.JoinRoom(chatID, subscribers)
	r.reconcileLeft(ctx, chatID, userID)
	return true, nil
}

// Mode selects the ManageMembership direction.
type Mode string

const (
	ModeAdd    Mode = "add"
	ModeRemove Mode = "remove"
)

// ManageOpts controls removal notification.
type ManageOpts struct {
	// Notify emits a member-left event to the room after the cache
	// mutation commits. Only honored on removal.
	Notify bool
}

// ManageMembership mirrors an add/remove across the active-chat index and
// the live room. On removal with Notify, the departure event goes out only
// after the cache mutation, so no client observes a departure the cache
// has not recorded.
func (r *Router) ManageMembership(ctx context.Context, chatID int64, userIDs []string, mode Mode, opts ManageOpts) error {
	switch mode {
	case ModeAdd:
		if err := r.cache.AddActive(ctx, chatID, userIDs); err != nil {
			return errs.ErrInternal.WrapMsg("active add", "err", err)
		}
		r.live.JoinRoom(chatID, userIDs)
	case ModeRemove:
		if err := r.cache.RemoveActive(ctx, chatID, userIDs); err != nil {
			return errs.ErrInternal.WrapMsg("active remove", "err", err)
		}
		r.live.LeaveRoom(chatID, userIDs)
		if opts.Notify {
			for _, u := range userIDs {
				r.live.EmitRoom(chatID, model.Event{Type: model.EventMemberLeft, ChatID: chatID, UserID: u})
			}
		}
	default:
		return errs.ErrArgs.WrapMsg("bad mode", "mode", mode)
	}
	return nil
}

// EndOpts lets callers that send a more specific terminal event (a block
// notice) suppress the generic one.
type EndOpts struct {
	SkipEvent bool
}

// EndRoom tears the room down: clears pending missed-user state, removes
// all members from active tracking, forces connections out and emits the
// terminal event unless suppressed.
func (r *Router) EndRoom(ctx context.Context, chatID int64, memberIDs []string, opts EndOpts) error {
	if err := r.cache.ClearLeft(ctx, chatID); err != nil {
		logger.Warnf("[presence] left clear failed: chat=%d err=%v", chatID, err)
	}
	if err := r.cache.RemoveActive(ctx, chatID, memberIDs); err != nil {
		logger.Warnf("[presence] active remove failed: chat=%d err=%v", chatID, err)
	}
	if !opts.SkipEvent {
		r.live.EmitRoom(chatID, model.Event{Type: model.EventChatEnded, ChatID: chatID})
	}
	r.live.CloseRoom(chatID)
	return nil
}

// OnConnect is the presence-notifier entry for the connection layer.
func (r *Router) OnConnect(ctx context.Context, userID string) {
	// Online partitions are computed on demand from the connection layer;
	// nothing to precompute here.
}

// OnDisconnect records the user as "left" in every chat they were active
// in, so the next re-entry raises missed flags for them.
func (r *Router) OnDisconnect(ctx context.Context, userID string) {
	chats, err := r.cache.ActiveChats(ctx, userID)
	if err != nil {
		logger.Warnf("[presence] active chats read failed: user=%s err=%v", userID, err)
		return
	}
	for _, chatID := range chats {
		if err := r.cache.AddLeft(ctx, chatID, []string{userID}); err != nil {
			logger.Warnf("[presence] left add failed: chat=%d user=%s err=%v", chatID, userID, err)
		}
		if err := r.cache.RemoveActive(ctx, chatID, []string{userID}); err != nil {
			logger.Warnf("[presence] active remove failed: chat=%d user=%s err=%v", chatID, userID, err)
		}
	}
}

// reconcileLeft drains the chat's left set and raises missed flags for
// everyone in it except the member re-entering now.
func (r *Router) reconcileLeft(ctx context.Context, chatID int64, enteringUser string) {
	left, err := r.cache.DrainLeft(ctx, chatID)
	if err != nil {
		logger.Warnf("[presence] left drain failed: chat=%d err=%v", chatID, err)
		return
	}
	var flagged []string
	for _, u := range left {
		if u != enteringUser {
			flagged = append(flagged, u)
		}
	}
	if len(flagged) > 0 {
		if err := r.cache.SetMissed(ctx, chatID, flagged); err != nil {
			logger.Warnf("[presence] missed flags failed: chat=%d err=%v", chatID, err)
		}
	}
}
