// Package matrix adapts a Matrix homeserver account to the reconcile engine
// and provisions accounts through shared-secret registration.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mohammedshuaau/workplace/internal/docstore"
	"github.com/mohammedshuaau/workplace/internal/reconcile"
)

const (
	// SinceKey is the cache meta key holding the sync position.
	SinceKey = "matrix.since"

	defaultThrottle      = 100 * time.Millisecond
	defaultRateLimitWait = time.Second
	syncTimeoutMS        = 30000
	syncRetryDelay       = 3 * time.Second
	historyPageSize      = 100
	typingTimeout        = 30 * time.Second
)

// StateStore persists the sync position between runs. *docstore.Store
// satisfies it.
type StateStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

type Remote struct {
	client   *mautrix.Client
	state    StateStore
	log      zerolog.Logger
	self     reconcile.Identity
	throttle time.Duration
	now      func() time.Time

	throttleMu sync.Mutex
	next       time.Time

	namesMu sync.Mutex
	names   map[string]string
}

var _ reconcile.Remote = (*Remote)(nil)

type Option func(*Remote)

// WithThrottle sets the minimum spacing between requests.
func WithThrottle(d time.Duration) Option {
	return func(r *Remote) { r.throttle = d }
}

// Connect builds a client for an existing access token and resolves the
// account's display name.
func Connect(ctx context.Context, serverURL, userID, token string, state StateStore, log zerolog.Logger, opts ...Option) (*Remote, error) {
	client, err := mautrix.NewClient(serverURL, id.UserID(userID), token)
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}
	client.Log = log
	client.DefaultHTTPRetries = 0

	r := &Remote{
		client:   client,
		state:    state,
		log:      log,
		throttle: defaultThrottle,
		now:      time.Now,
		names:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}

	name := localpart(userID)
	err = r.call(ctx, func() error {
		resp, err := client.GetOwnDisplayName(ctx)
		if err == nil && resp.DisplayName != "" {
			name = resp.DisplayName
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("matrix whoami: %w", err)
	}
	r.self = reconcile.Identity{UserID: userID, DisplayName: name}
	r.remember(userID, name)
	return r, nil
}

func (r *Remote) Self() reconcile.Identity {
	return r.self
}

// ListChats reports every joined room. Rooms without an explicit name are
// named after their other members.
func (r *Remote) ListChats(ctx context.Context) ([]reconcile.RemoteChat, error) {
	var rooms *mautrix.RespJoinedRooms
	err := r.call(ctx, func() (err error) {
		rooms, err = r.client.JoinedRooms(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("joined rooms: %w", err)
	}
	chats := make([]reconcile.RemoteChat, 0, len(rooms.JoinedRooms))
	for _, roomID := range rooms.JoinedRooms {
		chat, err := r.describeRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func (r *Remote) describeRoom(ctx context.Context, roomID id.RoomID) (reconcile.RemoteChat, error) {
	var joined *mautrix.RespJoinedMembers
	err := r.call(ctx, func() (err error) {
		joined, err = r.client.JoinedMembers(ctx, roomID)
		return err
	})
	if err != nil {
		return reconcile.RemoteChat{}, fmt.Errorf("members of %s: %w", roomID, err)
	}

	chat := reconcile.RemoteChat{ID: roomID.String(), IsGroup: len(joined.Joined) > 2}
	var others []string
	for userID, member := range joined.Joined {
		r.remember(userID.String(), member.DisplayName)
		name := r.displayName(userID.String())
		chat.Members = append(chat.Members, docstore.Member{UserID: userID.String(), DisplayName: name})
		if userID.String() != r.self.UserID {
			others = append(others, name)
		}
	}
	sort.Slice(chat.Members, func(i, j int) bool { return chat.Members[i].UserID < chat.Members[j].UserID })
	sort.Strings(others)

	var content event.RoomNameEventContent
	err = r.call(ctx, func() error {
		return r.client.StateEvent(ctx, roomID, event.StateRoomName, "", &content)
	})
	switch {
	case err == nil && content.Name != "":
		chat.Name = content.Name
	case len(others) > 0:
		chat.Name = strings.Join(others, ", ")
	default:
		chat.Name = roomID.String()
	}
	return chat, nil
}

// FetchMessages pages backwards through the room timeline until limit
// events have been collected or history runs out.
func (r *Remote) FetchMessages(ctx context.Context, chatID string, limit int) ([]reconcile.RemoteEvent, error) {
	roomID := id.RoomID(chatID)
	var (
		events []reconcile.RemoteEvent
		from   string
		seen   int
	)
	for seen < limit {
		var page *mautrix.RespMessages
		err := r.call(ctx, func() (err error) {
			page, err = r.client.Messages(ctx, roomID, from, "", mautrix.DirectionBackward, nil, min(limit-seen, historyPageSize))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("messages of %s: %w", chatID, err)
		}
		for _, evt := range page.Chunk {
			seen++
			evt.RoomID = roomID
			if ev, ok := r.convert(evt); ok {
				events = append(events, ev)
			}
		}
		if len(page.Chunk) == 0 || page.End == "" || page.End == from {
			break
		}
		from = page.End
	}
	return events, nil
}

func (r *Remote) Send(ctx context.Context, msg reconcile.OutgoingMessage) (reconcile.SendResult, error) {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: msg.Content}
	if msg.ReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(msg.ReplyTo)}}
	}
	eventID, err := r.sendMessage(ctx, msg.ChatID, content, msg.PendingID)
	if err != nil {
		return reconcile.SendResult{}, err
	}
	return reconcile.SendResult{ID: eventID, Timestamp: r.now()}, nil
}

// Edit sends an m.replace relation; the result carries the new revision's
// event id. A reply keeps pointing at its parent.
func (r *Remote) Edit(ctx context.Context, edit reconcile.OutgoingEdit) (reconcile.SendResult, error) {
	content := &event.MessageEventContent{
		MsgType:    event.MsgText,
		Body:       "* " + edit.Content,
		NewContent: &event.MessageEventContent{MsgType: event.MsgText, Body: edit.Content},
		RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: id.EventID(edit.TargetID)},
	}
	if edit.ReplyTo != "" {
		content.RelatesTo.InReplyTo = &event.InReplyTo{EventID: id.EventID(edit.ReplyTo)}
	}
	eventID, err := r.sendMessage(ctx, edit.ChatID, content, "")
	if err != nil {
		return reconcile.SendResult{}, err
	}
	return reconcile.SendResult{ID: eventID, Timestamp: r.now()}, nil
}

func (r *Remote) sendMessage(ctx context.Context, chatID string, content *event.MessageEventContent, txnID string) (string, error) {
	var extra []mautrix.ReqSendEvent
	if txnID != "" {
		extra = append(extra, mautrix.ReqSendEvent{TransactionID: txnID})
	}
	var resp *mautrix.RespSendEvent
	err := r.call(ctx, func() (err error) {
		resp, err = r.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, content, extra...)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", chatID, err)
	}
	return resp.EventID.String(), nil
}

// Delete redacts every id, typically the original message and its edits.
func (r *Remote) Delete(ctx context.Context, chatID string, ids []string) error {
	for _, eventID := range ids {
		err := r.call(ctx, func() error {
			_, err := r.client.RedactEvent(ctx, id.RoomID(chatID), id.EventID(eventID))
			return err
		})
		if err != nil {
			return fmt.Errorf("redact %s: %w", eventID, err)
		}
	}
	return nil
}

func (r *Remote) React(ctx context.Context, chatID, targetID, emoji string) (string, error) {
	var resp *mautrix.RespSendEvent
	err := r.call(ctx, func() (err error) {
		resp, err = r.client.SendReaction(ctx, id.RoomID(chatID), id.EventID(targetID), emoji)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("react to %s: %w", targetID, err)
	}
	return resp.EventID.String(), nil
}

// ErrUnknownReaction is returned when a reaction to remove has no event id.
var ErrUnknownReaction = errors.New("matrix: reaction event id unknown")

func (r *Remote) Unreact(ctx context.Context, chatID, _, _, reactionID string) error {
	if reactionID == "" {
		return ErrUnknownReaction
	}
	return r.Delete(ctx, chatID, []string{reactionID})
}

func (r *Remote) MarkRead(ctx context.Context, chatID, lastID string) error {
	if lastID == "" {
		return nil
	}
	return r.call(ctx, func() error {
		return r.client.SendReceipt(ctx, id.RoomID(chatID), id.EventID(lastID), event.ReceiptTypeRead, nil)
	})
}

// CreateChat creates a private room and invites the members. Invitees have
// not joined yet, so the chat is described from the request.
func (r *Remote) CreateChat(ctx context.Context, req reconcile.NewChat) (reconcile.RemoteChat, error) {
	create := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       req.Name,
		IsDirect:   req.Name == "" && len(req.Members) == 1,
	}
	for _, member := range req.Members {
		create.Invite = append(create.Invite, id.UserID(member))
	}
	var resp *mautrix.RespCreateRoom
	err := r.call(ctx, func() (err error) {
		resp, err = r.client.CreateRoom(ctx, create)
		return err
	})
	if err != nil {
		return reconcile.RemoteChat{}, fmt.Errorf("create room: %w", err)
	}

	chat := reconcile.RemoteChat{
		ID:      resp.RoomID.String(),
		Name:    req.Name,
		IsGroup: !create.IsDirect,
		Members: []docstore.Member{{UserID: r.self.UserID, DisplayName: r.self.DisplayName}},
	}
	var others []string
	for _, member := range req.Members {
		name := r.displayName(member)
		chat.Members = append(chat.Members, docstore.Member{UserID: member, DisplayName: name})
		others = append(others, name)
	}
	sort.Slice(chat.Members, func(i, j int) bool { return chat.Members[i].UserID < chat.Members[j].UserID })
	if chat.Name == "" {
		sort.Strings(others)
		chat.Name = strings.Join(others, ", ")
	}
	return chat, nil
}

func (r *Remote) SetTyping(ctx context.Context, chatID string, typing bool) error {
	timeout := typingTimeout
	if !typing {
		timeout = 0
	}
	return r.call(ctx, func() error {
		_, err := r.client.UserTyping(ctx, id.RoomID(chatID), typing, timeout)
		return err
	})
}

// Subscribe long-polls /sync. The first sync without a stored position only
// records where the stream starts; history comes from FetchMessages.
func (r *Remote) Subscribe(ctx context.Context, handle func(reconcile.RemoteEvent)) error {
	since, err := r.state.GetMeta(ctx, SinceKey)
	if err != nil {
		return err
	}
	for {
		var resp *mautrix.RespSync
		err := r.call(ctx, func() (err error) {
			resp, err = r.client.SyncRequest(ctx, syncTimeoutMS, since, "", false, event.PresenceOnline)
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.log.Warn().Err(err).Dur("retry_in", syncRetryDelay).Msg("matrix sync failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(syncRetryDelay):
			}
			continue
		}
		r.acceptInvites(ctx, resp, handle)
		if since != "" {
			r.dispatch(resp, handle)
		}
		since = resp.NextBatch
		if err := r.state.SetMeta(ctx, SinceKey, since); err != nil {
			r.log.Warn().Err(err).Msg("persist sync position")
		}
	}
}

func (r *Remote) dispatch(resp *mautrix.RespSync, handle func(reconcile.RemoteEvent)) {
	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.Timeline.Events {
			evt.RoomID = roomID
			if ev, ok := r.convert(evt); ok {
				handle(ev)
			}
		}
		for _, evt := range room.Ephemeral.Events {
			evt.RoomID = roomID
			for _, ev := range r.receipts(evt) {
				handle(ev)
			}
			if ev, ok := r.typing(evt); ok {
				handle(ev)
			}
		}
	}
}

// acceptInvites joins every room the user was invited to and reports it
// as a new chat.
func (r *Remote) acceptInvites(ctx context.Context, resp *mautrix.RespSync, handle func(reconcile.RemoteEvent)) {
	for roomID := range resp.Rooms.Invite {
		err := r.call(ctx, func() error {
			_, err := r.client.JoinRoomByID(ctx, roomID)
			return err
		})
		if err != nil {
			r.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("join invited room")
			continue
		}
		chat, err := r.describeRoom(ctx, roomID)
		if err != nil {
			r.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("describe joined room")
			continue
		}
		handle(reconcile.RemoteEvent{Kind: reconcile.EventChatAdded, ChatID: chat.ID, Chat: &chat})
	}
}

// call spaces requests by the throttle interval and retries once when the
// homeserver answers M_LIMIT_EXCEEDED.
func (r *Remote) call(ctx context.Context, fn func() error) error {
	if err := r.wait(ctx, 0); err != nil {
		return err
	}
	err := fn()
	if err == nil || !isRateLimited(err) {
		return err
	}
	backoff := retryAfter(err)
	r.log.Debug().Dur("retry_in", backoff).Msg("matrix rate limited")
	if err := r.wait(ctx, backoff); err != nil {
		return err
	}
	return fn()
}

func (r *Remote) wait(ctx context.Context, extra time.Duration) error {
	r.throttleMu.Lock()
	now := time.Now()
	start := now.Add(extra)
	if r.next.After(start) {
		start = r.next
	}
	r.next = start.Add(r.throttle)
	r.throttleMu.Unlock()

	delay := start.Sub(now)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isRateLimited(err error) bool {
	return errors.Is(err, mautrix.MLimitExceeded) || strings.Contains(err.Error(), mautrix.MLimitExceeded.ErrCode)
}

func retryAfter(err error) time.Duration {
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		if ms, ok := respErr.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultRateLimitWait
}

func (r *Remote) remember(userID, name string) {
	if userID == "" || name == "" {
		return
	}
	r.namesMu.Lock()
	defer r.namesMu.Unlock()
	r.names[userID] = name
}

func (r *Remote) displayName(userID string) string {
	r.namesMu.Lock()
	defer r.namesMu.Unlock()
	if name, ok := r.names[userID]; ok {
		return name
	}
	return localpart(userID)
}

// localpart turns @alice_1:hs into alice_1.
func localpart(userID string) string {
	local, _, _ := strings.Cut(strings.TrimPrefix(userID, "@"), ":")
	return local
}
