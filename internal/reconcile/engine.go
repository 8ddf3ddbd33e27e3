package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammedshuaau/workplace/internal/docstore"
	"github.com/mohammedshuaau/workplace/internal/util"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrEmptyReaction  = errors.New("reaction emoji is empty")
	ErrDeleted        = errors.New("message is deleted")
	ErrAlreadyDeleted = errors.New("message already deleted")
	ErrNotDelivered   = errors.New("message not delivered yet")
	ErrNotFailed      = errors.New("message is not in failed state")
	ErrNotPending     = errors.New("message is not waiting for delivery")
	ErrEditInFlight   = errors.New("message edit still in flight")
	ErrNoMembers      = errors.New("chat needs at least one other member")
	ErrNotOwner       = errors.New("message was sent by another user")
	ErrNoReaction     = errors.New("reaction not found")
)

// DefaultHistoryLimit bounds how many events a chat sync pulls.
const DefaultHistoryLimit = 1000

const maxDeferredTargets = 1000

const (
	// typingTTL bounds a full typing list; servers repeat it while typing
	// continues.
	typingTTL = 30 * time.Second
	// typingStartTTL bounds a single "started typing" notice, which has no
	// matching stop.
	typingStartTTL = 6 * time.Second
)

type Options struct {
	Logger       zerolog.Logger
	Observer     Observer
	HistoryLimit int
	Now          func() time.Time
	// OnTyping is called with the users typing in a chat whenever that
	// list changes.
	OnTyping func(chatID string, users []string)
}

// Engine applies local intents and remote events to the docstore. Store
// mutations are serialized; remote calls run outside the lock so a slow
// server never blocks incoming events.
type Engine struct {
	store        *docstore.Store
	remote       Remote
	log          zerolog.Logger
	obs          Observer
	historyLimit int
	now          func() time.Time

	mu sync.Mutex
	// deferred holds events that reference a message not in the cache yet,
	// keyed by that message id.
	deferred map[string][]RemoteEvent
	// editing counts edits awaiting the server, by message id.
	editing map[string]int

	typingMu sync.Mutex
	typing   map[string]map[string]time.Time
	onTyping func(chatID string, users []string)
}

func New(store *docstore.Store, remote Remote, opts Options) *Engine {
	e := &Engine{
		store:        store,
		remote:       remote,
		log:          opts.Logger,
		obs:          opts.Observer,
		historyLimit: opts.HistoryLimit,
		now:          opts.Now,
		deferred:     make(map[string][]RemoteEvent),
		editing:      make(map[string]int),
		typing:       make(map[string]map[string]time.Time),
		onTyping:     opts.OnTyping,
	}
	if e.obs == nil {
		e.obs = nopObserver{}
	}
	if e.historyLimit <= 0 {
		e.historyLimit = DefaultHistoryLimit
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Send stores the message locally in sending state and pushes it. A failed
// push leaves the message in failed state for Retry or Cancel; the returned
// document reflects whichever state it ended in.
func (e *Engine) Send(ctx context.Context, chatID, content, replyTo string) (docstore.MessageDoc, error) {
	if strings.TrimSpace(content) == "" {
		return docstore.MessageDoc{}, ErrEmptyMessage
	}
	if _, err := e.store.GetChat(ctx, chatID); err != nil {
		return docstore.MessageDoc{}, fmt.Errorf("chat %s: %w", chatID, err)
	}
	self := e.remote.Self()
	tempID := util.TempMessageID()
	msg := docstore.MessageDoc{
		ID:         tempID,
		TempID:     tempID,
		ChatID:     chatID,
		Content:    content,
		SenderID:   self.UserID,
		SenderName: self.DisplayName,
		Timestamp:  e.now(),
		ReplyTo:    replyTo,
		Status:     docstore.StatusSending,
		PendingOp:  docstore.OpCreate,
	}

	e.mu.Lock()
	err := e.store.PutMessage(ctx, &msg)
	if err == nil {
		err = e.refreshChat(ctx, chatID, false)
	}
	e.mu.Unlock()
	if err != nil {
		return msg, fmt.Errorf("store outgoing message: %w", err)
	}
	e.reportPending(ctx)
	return e.deliver(ctx, msg)
}

func (e *Engine) Retry(ctx context.Context, id string) (docstore.MessageDoc, error) {
	e.mu.Lock()
	msg, err := e.store.ResolveMessage(ctx, id)
	if err == nil && msg.Status != docstore.StatusFailed {
		err = ErrNotFailed
	}
	if err == nil {
		msg, err = e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
			m.Status = docstore.StatusSending
			m.LastError = ""
			return true, nil
		})
	}
	e.mu.Unlock()
	if err != nil {
		return msg, err
	}
	return e.deliver(ctx, msg)
}

// Cancel drops a message that never reached the server: a failed one, or
// one still in sending state, for example after a crash mid-send.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg, err := e.store.ResolveMessage(ctx, id)
	if err != nil {
		return err
	}
	if !undelivered(msg) {
		return ErrNotPending
	}
	if err := e.store.RemoveMessage(ctx, msg.ID); err != nil {
		return err
	}
	e.reportPending(ctx)
	return e.refreshChat(ctx, msg.ChatID, false)
}

func (e *Engine) deliver(ctx context.Context, msg docstore.MessageDoc) (docstore.MessageDoc, error) {
	res, sendErr := e.remote.Send(ctx, OutgoingMessage{
		ChatID:    msg.ChatID,
		Content:   msg.Content,
		ReplyTo:   msg.ReplyTo,
		PendingID: msg.TempID,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.reportPending(ctx)

	if sendErr != nil {
		e.obs.MessageSent("failed")
		failed, err := e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
			if m.Status != docstore.StatusSending {
				return false, nil
			}
			m.Status = docstore.StatusFailed
			m.LastError = sendErr.Error()
			return true, nil
		})
		switch {
		case err == nil:
			msg = failed
		case !errors.Is(err, docstore.ErrNotFound):
			e.log.Error().Err(err).Str("message_id", msg.ID).Msg("mark message failed")
		}
		return msg, fmt.Errorf("send message: %w", sendErr)
	}

	e.obs.MessageSent("delivered")
	return e.confirm(ctx, msg.TempID, RemoteEvent{
		Kind:      EventPosted,
		ChatID:    msg.ChatID,
		ID:        res.ID,
		Timestamp: res.Timestamp,
	})
}

// confirm turns the optimistic document tempID into the delivered message
// ev.ID. It runs once per message whichever of the send response and the
// server echo arrives first; the loser finds the temp document gone and
// only folds its data into the delivered one.
func (e *Engine) confirm(ctx context.Context, tempID string, ev RemoteEvent) (docstore.MessageDoc, error) {
	pending, err := e.store.GetMessage(ctx, tempID)
	if errors.Is(err, docstore.ErrNotFound) {
		// A bare send response carries no content to fold in.
		if ev.Content != "" {
			if err := e.applyPosted(ctx, ev, false); err != nil {
				return docstore.MessageDoc{}, err
			}
		}
		return e.store.GetMessage(ctx, ev.ID)
	}
	if err != nil {
		return docstore.MessageDoc{}, err
	}

	confirmed := pending
	confirmed.ID = ev.ID
	confirmed.Status = docstore.StatusDelivered
	confirmed.PendingOp = docstore.OpNone
	confirmed.LastError = ""
	if !ev.Timestamp.IsZero() {
		confirmed.Timestamp = ev.Timestamp
	}
	if ev.Content != "" {
		confirmed.Content = ev.Content
	}

	err = e.store.ReplaceMessageID(ctx, tempID, &confirmed)
	if errors.Is(err, docstore.ErrConflict) {
		// The server copy is already cached under its own id.
		if err := e.store.RemoveMessage(ctx, tempID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return docstore.MessageDoc{}, err
		}
		if err := e.store.AddAlias(ctx, tempID, ev.ID, docstore.AliasTemp); err != nil {
			return docstore.MessageDoc{}, err
		}
		confirmed, err = e.store.GetMessage(ctx, ev.ID)
	}
	if err != nil {
		return docstore.MessageDoc{}, fmt.Errorf("confirm %s: %w", tempID, err)
	}
	e.replayDeferred(ctx, ev.ID)
	return confirmed, e.refreshChat(ctx, confirmed.ChatID, false)
}

func (e *Engine) Edit(ctx context.Context, id, content string) (docstore.MessageDoc, error) {
	if strings.TrimSpace(content) == "" {
		return docstore.MessageDoc{}, ErrEmptyMessage
	}

	e.mu.Lock()
	msg, err := e.store.ResolveMessage(ctx, id)
	if err == nil {
		err = e.checkMutable(msg, ErrDeleted)
	}
	if err != nil || msg.Content == content {
		e.mu.Unlock()
		return msg, err
	}
	wasEdited := msg.IsEdited
	msg, err = e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		if m.PendingOp == docstore.OpNone {
			m.RollbackContent = m.Content
		}
		m.Content = content
		m.IsEdited = true
		m.PendingOp = docstore.OpEdit
		m.LastError = ""
		return true, nil
	})
	if err == nil {
		e.editing[msg.ID]++
		err = e.refreshChat(ctx, msg.ChatID, false)
	}
	e.mu.Unlock()
	if err != nil {
		e.doneEditing(msg.ID)
		return msg, err
	}

	res, editErr := e.remote.Edit(ctx, OutgoingEdit{
		ChatID:   msg.ChatID,
		TargetID: msg.ID,
		Content:  content,
		ReplyTo:  msg.ReplyTo,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.editing[msg.ID]--
	if e.editing[msg.ID] <= 0 {
		delete(e.editing, msg.ID)
	}
	if editErr != nil {
		reverted, err := e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
			if m.PendingOp != docstore.OpEdit || m.Content != content {
				return false, nil
			}
			m.Content = m.RollbackContent
			m.RollbackContent = ""
			m.IsEdited = wasEdited
			m.PendingOp = docstore.OpNone
			m.LastError = editErr.Error()
			return true, nil
		})
		if err == nil {
			msg = reverted
			err = e.refreshChat(ctx, msg.ChatID, false)
		}
		if err != nil {
			e.log.Error().Err(err).Str("message_id", msg.ID).Msg("roll back edit")
		}
		return msg, fmt.Errorf("edit message: %w", editErr)
	}

	msg, err = e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		changed := false
		if m.PendingOp == docstore.OpEdit && m.Content == content {
			m.PendingOp = docstore.OpNone
			m.RollbackContent = ""
			changed = true
		}
		if res.ID != "" && res.ID != m.ID && !slices.Contains(m.EditIDs, res.ID) {
			m.EditIDs = append(m.EditIDs, res.ID)
			m.RevisionID = res.ID
			changed = true
		}
		if res.Timestamp.After(m.EditedAt) {
			m.EditedAt = res.Timestamp
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return msg, err
	}
	if res.ID != "" && res.ID != msg.ID {
		if err := e.store.AddAlias(ctx, res.ID, msg.ID, docstore.AliasRevision); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// Delete tombstones the message locally and asks the server to remove it
// together with every edit event that points at it.
func (e *Engine) Delete(ctx context.Context, id string) (docstore.MessageDoc, error) {
	e.mu.Lock()
	msg, err := e.store.ResolveMessage(ctx, id)
	if err == nil {
		err = e.checkMutable(msg, ErrAlreadyDeleted)
	}
	if err == nil && e.editing[msg.ID] > 0 {
		err = ErrEditInFlight
	}
	if err != nil {
		e.mu.Unlock()
		return msg, err
	}
	ids := append([]string{msg.ID}, msg.EditIDs...)
	msg, err = e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		// An edit left pending by an earlier run never reached the server;
		// its rollback content is the last confirmed text.
		if m.PendingOp != docstore.OpEdit {
			m.RollbackContent = m.Content
		}
		m.Content = ""
		m.IsDeleted = true
		m.PendingOp = docstore.OpDelete
		m.LastError = ""
		return true, nil
	})
	if err == nil {
		err = e.refreshChat(ctx, msg.ChatID, false)
	}
	e.mu.Unlock()
	if err != nil {
		return msg, err
	}

	delErr := e.remote.Delete(ctx, msg.ChatID, ids)

	e.mu.Lock()
	defer e.mu.Unlock()
	if delErr != nil {
		restored, err := e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
			if m.PendingOp != docstore.OpDelete {
				return false, nil
			}
			m.Content = m.RollbackContent
			m.RollbackContent = ""
			m.IsDeleted = false
			m.PendingOp = docstore.OpNone
			m.LastError = delErr.Error()
			return true, nil
		})
		if err == nil {
			msg = restored
			err = e.refreshChat(ctx, msg.ChatID, false)
		}
		if err != nil {
			e.log.Error().Err(err).Str("message_id", msg.ID).Msg("roll back delete")
		}
		return msg, fmt.Errorf("delete message: %w", delErr)
	}
	return e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		if m.PendingOp != docstore.OpDelete {
			return false, nil
		}
		tombstone(m)
		return true, nil
	})
}

func (e *Engine) React(ctx context.Context, id, emoji string) (docstore.MessageDoc, error) {
	emoji = normalizeEmoji(emoji)
	if emoji == "" {
		return docstore.MessageDoc{}, ErrEmptyReaction
	}
	self := e.remote.Self().UserID

	e.mu.Lock()
	msg, err := e.store.ResolveMessage(ctx, id)
	if err == nil {
		err = checkReactable(msg)
	}
	if err != nil || msg.HasReaction(emoji, self) {
		e.mu.Unlock()
		return msg, err
	}
	msg, err = e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		m.Reactions = append(m.Reactions, docstore.Reaction{Emoji: emoji, UserID: self})
		return true, nil
	})
	e.mu.Unlock()
	if err != nil {
		return msg, err
	}

	reactionID, reactErr := e.remote.React(ctx, msg.ChatID, msg.ID, emoji)

	e.mu.Lock()
	defer e.mu.Unlock()
	if reactErr != nil {
		if reverted, err := e.removeReactions(ctx, msg.ID, func(r docstore.Reaction) bool {
			return r.Emoji == emoji && r.UserID == self && r.EventID == ""
		}); err == nil {
			msg = reverted
		}
		return msg, fmt.Errorf("react: %w", reactErr)
	}
	if reactionID == "" {
		return msg, nil
	}
	msg, err = e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		for i, r := range m.Reactions {
			if r.Emoji == emoji && r.UserID == self && r.EventID == "" {
				m.Reactions[i].EventID = reactionID
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return msg, err
	}
	return msg, e.store.AddAlias(ctx, reactionID, msg.ID, docstore.AliasReaction)
}

func (e *Engine) Unreact(ctx context.Context, id, emoji string) (docstore.MessageDoc, error) {
	emoji = normalizeEmoji(emoji)
	self := e.remote.Self().UserID

	e.mu.Lock()
	msg, err := e.store.ResolveMessage(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return msg, err
	}
	idx := slices.IndexFunc(msg.Reactions, func(r docstore.Reaction) bool {
		return r.Emoji == emoji && r.UserID == self
	})
	if idx < 0 {
		e.mu.Unlock()
		return msg, ErrNoReaction
	}
	removed := msg.Reactions[idx]
	msg, err = e.removeReactions(ctx, msg.ID, func(r docstore.Reaction) bool {
		return r.Emoji == emoji && r.UserID == self
	})
	e.mu.Unlock()
	if err != nil {
		return msg, err
	}

	unreactErr := e.remote.Unreact(ctx, msg.ChatID, msg.ID, emoji, removed.EventID)
	if unreactErr == nil {
		return msg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	restored, err := e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		if m.IsDeleted || m.HasReaction(emoji, self) {
			return false, nil
		}
		m.Reactions = append(m.Reactions, removed)
		return true, nil
	})
	if err == nil {
		msg = restored
		if removed.EventID != "" {
			err = e.store.AddAlias(ctx, removed.EventID, msg.ID, docstore.AliasReaction)
		}
	}
	if err != nil {
		e.log.Error().Err(err).Str("message_id", msg.ID).Msg("restore reaction")
	}
	return msg, fmt.Errorf("remove reaction: %w", unreactErr)
}

// MarkRead clears the unread counter and tells the server the newest
// message was read.
func (e *Engine) MarkRead(ctx context.Context, chatID string) error {
	e.mu.Lock()
	latest, err := e.store.LatestMessage(ctx, chatID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		e.mu.Unlock()
		return err
	}
	_, err = e.store.UpsertChat(ctx, chatID, func(c *docstore.ChatDoc) (bool, error) {
		if c.UnreadCount == 0 {
			return false, nil
		}
		c.UnreadCount = 0
		c.UpdatedAt = e.now()
		return true, nil
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}

	lastID := latest.ID
	if util.IsTempMessageID(lastID) {
		lastID = ""
	}
	if err := e.remote.MarkRead(ctx, chatID, lastID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Apply folds one live server event into the cache. Typing notices only
// update in-memory state.
func (e *Engine) Apply(ctx context.Context, ev RemoteEvent) error {
	if ev.Kind == EventTyping {
		e.applyTyping(ev)
		return nil
	}
	e.mu.Lock()
	err := e.apply(ctx, ev, true)
	e.mu.Unlock()
	if err == nil && ev.Kind == EventPosted {
		e.stopTyping(ev.ChatID, ev.SenderID)
	}
	return err
}

func (e *Engine) apply(ctx context.Context, ev RemoteEvent, live bool) error {
	var err error
	switch ev.Kind {
	case EventPosted:
		if ev.PendingID != "" && ev.PendingID != ev.ID {
			if _, lookupErr := e.store.GetMessage(ctx, ev.PendingID); lookupErr == nil {
				_, err = e.confirm(ctx, ev.PendingID, ev)
				break
			}
		}
		err = e.applyPosted(ctx, ev, live)
	case EventEdited:
		err = e.applyEdited(ctx, ev)
	case EventDeleted:
		err = e.applyDeleted(ctx, ev, live)
	case EventReactionAdded:
		err = e.applyReactionAdded(ctx, ev)
	case EventReactionRemoved:
		err = e.applyReactionRemoved(ctx, ev)
	case EventSeen:
		err = e.applySeen(ctx, ev)
	case EventChatViewed:
		err = e.applyChatViewed(ctx, ev)
	case EventChatAdded:
		err = e.applyChatAdded(ctx, ev)
	default:
		e.log.Debug().Str("kind", string(ev.Kind)).Msg("ignoring unknown event kind")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s %s: %w", ev.Kind, ev.ID, err)
	}
	e.obs.EventApplied(string(ev.Kind))
	return nil
}

func (e *Engine) applyPosted(ctx context.Context, ev RemoteEvent, live bool) error {
	_, err := e.store.GetMessage(ctx, ev.ID)
	if err == nil {
		if _, err := e.store.UpdateMessage(ctx, ev.ID, func(m *docstore.MessageDoc) (bool, error) {
			return mergeSnapshot(m, ev), nil
		}); err != nil {
			return err
		}
		return e.refreshChat(ctx, ev.ChatID, false)
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return err
	}

	msg := docstore.MessageDoc{
		ID:         ev.ID,
		ChatID:     ev.ChatID,
		Content:    ev.Content,
		SenderID:   ev.SenderID,
		SenderName: ev.SenderName,
		Timestamp:  ev.Timestamp,
		ReplyTo:    ev.ReplyTo,
		Reactions:  ev.Reactions,
		SeenBy:     ev.SeenBy,
		Status:     docstore.StatusDelivered,
		IsEdited:   ev.Edited,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.now()
	}
	if ev.Deleted {
		tombstone(&msg)
	}
	if err := e.store.PutMessage(ctx, &msg); err != nil {
		return err
	}
	e.replayDeferred(ctx, msg.ID)
	unread := live && !msg.IsDeleted && ev.SenderID != e.remote.Self().UserID
	return e.refreshChat(ctx, ev.ChatID, unread)
}

func (e *Engine) applyEdited(ctx context.Context, ev RemoteEvent) error {
	target := targetOf(ev)
	msg, err := e.store.ResolveMessage(ctx, target)
	if errors.Is(err, docstore.ErrNotFound) {
		e.deferEvent(target, ev)
		return nil
	}
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return nil
	}
	isRevision := ev.ID != "" && ev.ID != msg.ID
	if _, err := e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		changed := false
		if isRevision && !slices.Contains(m.EditIDs, ev.ID) {
			m.EditIDs = append(m.EditIDs, ev.ID)
			changed = true
		}
		if !ev.Timestamp.IsZero() && ev.Timestamp.Before(m.EditedAt) {
			return changed, nil
		}
		if isRevision && m.RevisionID != ev.ID {
			m.RevisionID = ev.ID
			changed = true
		}
		if !ev.Timestamp.IsZero() && !ev.Timestamp.Equal(m.EditedAt) {
			m.EditedAt = ev.Timestamp
			changed = true
		}
		switch {
		case m.PendingOp == docstore.OpEdit && m.Content == ev.Content:
			m.PendingOp = docstore.OpNone
			m.RollbackContent = ""
			changed = true
		case m.PendingOp == docstore.OpEdit:
			m.RollbackContent = ev.Content
			changed = true
		case m.Content != ev.Content || !m.IsEdited:
			m.Content = ev.Content
			m.IsEdited = true
			changed = true
		}
		return changed, nil
	}); err != nil {
		return err
	}
	if isRevision {
		if err := e.store.AddAlias(ctx, ev.ID, msg.ID, docstore.AliasRevision); err != nil {
			return err
		}
	}
	return e.refreshChat(ctx, msg.ChatID, false)
}

// applyDeleted handles removal of a message, of one of its edit events, or
// of a reaction; servers that redact by event id do not say which.
func (e *Engine) applyDeleted(ctx context.Context, ev RemoteEvent, live bool) error {
	target := targetOf(ev)
	docID, kind, err := e.store.LookupAlias(ctx, target)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	switch kind {
	case docstore.AliasReaction:
		_, err := e.removeReactions(ctx, docID, func(r docstore.Reaction) bool { return r.EventID == target })
		return ignoreNotFound(err)
	case docstore.AliasRevision:
		if _, err := e.store.UpdateMessage(ctx, docID, func(m *docstore.MessageDoc) (bool, error) {
			idx := slices.Index(m.EditIDs, target)
			if idx < 0 {
				return false, nil
			}
			m.EditIDs = slices.Delete(m.EditIDs, idx, idx+1)
			if m.RevisionID == target {
				m.RevisionID = ""
				if n := len(m.EditIDs); n > 0 {
					m.RevisionID = m.EditIDs[n-1]
				}
			}
			return true, nil
		}); ignoreNotFound(err) != nil {
			return err
		}
		return e.store.RemoveAlias(ctx, target)
	}

	msg, err := e.store.ResolveMessage(ctx, target)
	if errors.Is(err, docstore.ErrNotFound) {
		// History is replayed oldest first, so a target missing there was
		// never cached, such as an edit the server already redacted.
		if live {
			e.deferEvent(target, ev)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		if m.IsDeleted && m.PendingOp != docstore.OpDelete {
			return false, nil
		}
		tombstone(m)
		return true, nil
	}); err != nil {
		return err
	}
	return e.refreshChat(ctx, msg.ChatID, false)
}

func (e *Engine) applyReactionAdded(ctx context.Context, ev RemoteEvent) error {
	msg, err := e.store.ResolveMessage(ctx, ev.Target)
	if errors.Is(err, docstore.ErrNotFound) {
		e.deferEvent(ev.Target, ev)
		return nil
	}
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return nil
	}
	emoji := normalizeEmoji(ev.Emoji)
	if _, err := e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		for i, r := range m.Reactions {
			if r.Emoji == emoji && r.UserID == ev.SenderID {
				if r.EventID == "" && ev.ID != "" {
					m.Reactions[i].EventID = ev.ID
					return true, nil
				}
				return false, nil
			}
		}
		m.Reactions = append(m.Reactions, docstore.Reaction{Emoji: emoji, UserID: ev.SenderID, EventID: ev.ID})
		return true, nil
	}); err != nil {
		return err
	}
	if ev.ID == "" {
		return nil
	}
	return e.store.AddAlias(ctx, ev.ID, msg.ID, docstore.AliasReaction)
}

func (e *Engine) applyReactionRemoved(ctx context.Context, ev RemoteEvent) error {
	msg, err := e.store.ResolveMessage(ctx, ev.Target)
	if err != nil {
		return ignoreNotFound(err)
	}
	emoji := normalizeEmoji(ev.Emoji)
	_, err = e.removeReactions(ctx, msg.ID, func(r docstore.Reaction) bool {
		return r.Emoji == emoji && r.UserID == ev.SenderID
	})
	return err
}

func (e *Engine) applySeen(ctx context.Context, ev RemoteEvent) error {
	msg, err := e.store.ResolveMessage(ctx, targetOf(ev))
	if err != nil {
		return ignoreNotFound(err)
	}
	_, err = e.store.UpdateMessage(ctx, msg.ID, func(m *docstore.MessageDoc) (bool, error) {
		if ev.SenderID == "" || ev.SenderID == m.SenderID || slices.Contains(m.SeenBy, ev.SenderID) {
			return false, nil
		}
		m.SeenBy = append(m.SeenBy, ev.SenderID)
		return true, nil
	})
	return err
}

func (e *Engine) applyChatViewed(ctx context.Context, ev RemoteEvent) error {
	if ev.SenderID != "" && ev.SenderID != e.remote.Self().UserID {
		return nil
	}
	_, err := e.store.UpsertChat(ctx, ev.ChatID, func(c *docstore.ChatDoc) (bool, error) {
		if c.UnreadCount == 0 {
			return false, nil
		}
		c.UnreadCount = 0
		c.UpdatedAt = e.now()
		return true, nil
	})
	return err
}

func (e *Engine) applyChatAdded(ctx context.Context, ev RemoteEvent) error {
	if ev.Chat == nil || ev.Chat.ID == "" {
		return nil
	}
	now := e.now()
	_, err := e.store.UpsertChat(ctx, ev.Chat.ID, func(c *docstore.ChatDoc) (bool, error) {
		return mergeChat(c, *ev.Chat, now), nil
	})
	return err
}

// CreateChat opens a conversation with members on the server and caches it.
// Servers hand back an existing direct chat, whose cached state is kept.
func (e *Engine) CreateChat(ctx context.Context, members []string, name string) (docstore.ChatDoc, error) {
	self := e.remote.Self().UserID
	var others []string
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m != "" && m != self && !slices.Contains(others, m) {
			others = append(others, m)
		}
	}
	if len(others) == 0 {
		return docstore.ChatDoc{}, ErrNoMembers
	}
	remote, err := e.remote.CreateChat(ctx, NewChat{Members: others, Name: strings.TrimSpace(name)})
	if err != nil {
		return docstore.ChatDoc{}, fmt.Errorf("create chat: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	return e.store.UpsertChat(ctx, remote.ID, func(c *docstore.ChatDoc) (bool, error) {
		return mergeChat(c, remote, now), nil
	})
}

// SetTyping tells the chat's other members whether the user is typing.
func (e *Engine) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if _, err := e.store.GetChat(ctx, chatID); err != nil {
		return fmt.Errorf("chat %s: %w", chatID, err)
	}
	return e.remote.SetTyping(ctx, chatID, typing)
}

// Typing returns the other users currently typing in chatID.
func (e *Engine) Typing(chatID string) []string {
	e.typingMu.Lock()
	defer e.typingMu.Unlock()
	return activeTyping(e.typing[chatID], e.now())
}

func (e *Engine) applyTyping(ev RemoteEvent) {
	self := e.remote.Self().UserID
	now := e.now()

	e.typingMu.Lock()
	users := e.typing[ev.ChatID]
	switch {
	case ev.TypingUsers != nil:
		users = make(map[string]time.Time, len(ev.TypingUsers))
		for _, u := range ev.TypingUsers {
			if u != self {
				users[u] = now.Add(typingTTL)
			}
		}
	case ev.SenderID != "" && ev.SenderID != self:
		if users == nil {
			users = make(map[string]time.Time)
		}
		users[ev.SenderID] = now.Add(typingStartTTL)
	}
	e.typing[ev.ChatID] = users
	current := activeTyping(users, now)
	e.typingMu.Unlock()

	e.obs.EventApplied(string(ev.Kind))
	if e.onTyping != nil {
		e.onTyping(ev.ChatID, current)
	}
}

// stopTyping drops userID from the chat's typing list once they post.
func (e *Engine) stopTyping(chatID, userID string) {
	e.typingMu.Lock()
	users := e.typing[chatID]
	if _, ok := users[userID]; !ok {
		e.typingMu.Unlock()
		return
	}
	delete(users, userID)
	current := activeTyping(users, e.now())
	e.typingMu.Unlock()

	if e.onTyping != nil {
		e.onTyping(chatID, current)
	}
}

func activeTyping(users map[string]time.Time, now time.Time) []string {
	var active []string
	for user, until := range users {
		if until.After(now) {
			active = append(active, user)
		}
	}
	sort.Strings(active)
	return active
}

// SyncChat replays the chat's recent server history into the cache.
func (e *Engine) SyncChat(ctx context.Context, chatID string) (int, error) {
	events, err := e.remote.FetchMessages(ctx, chatID, e.historyLimit)
	if err != nil {
		return 0, fmt.Errorf("fetch %s history: %w", chatID, err)
	}
	sortEvents(events)

	e.mu.Lock()
	defer e.mu.Unlock()
	applied := 0
	for _, ev := range events {
		if ev.ChatID == "" {
			ev.ChatID = chatID
		}
		if err := e.apply(ctx, ev, false); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

type SyncReport struct {
	Chats    int
	Events   int
	Failures int
}

// GlobalSync rebuilds the cache from the server. Messages still waiting to
// be delivered survive the rebuild.
func (e *Engine) GlobalSync(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	chats, err := e.remote.ListChats(ctx)
	if err != nil {
		return report, fmt.Errorf("list chats: %w", err)
	}

	e.mu.Lock()
	outbox, err := e.outbox(ctx)
	if err == nil {
		err = e.store.Reset(ctx)
	}
	if err != nil {
		e.mu.Unlock()
		return report, fmt.Errorf("reset cache: %w", err)
	}
	e.deferred = make(map[string][]RemoteEvent)
	for i := range outbox {
		outbox[i].Rev = 0
		if err := e.store.PutMessage(ctx, &outbox[i]); err != nil {
			e.mu.Unlock()
			return report, fmt.Errorf("restore outbox: %w", err)
		}
	}
	now := e.now()
	for _, remote := range chats {
		chat := docstore.ChatDoc{
			ID:          remote.ID,
			Name:        remote.Name,
			IsGroup:     remote.IsGroup,
			Members:     remote.Members,
			UnreadCount: remote.UnreadCount,
			UpdatedAt:   now,
		}
		if err := e.store.PutChat(ctx, &chat); err != nil {
			e.mu.Unlock()
			return report, fmt.Errorf("store chat %s: %w", remote.ID, err)
		}
	}
	e.mu.Unlock()

	var errs []error
	for _, chat := range chats {
		n, err := e.SyncChat(ctx, chat.ID)
		report.Events += n
		if err != nil {
			report.Failures++
			errs = append(errs, err)
			e.log.Warn().Err(err).Str("chat_id", chat.ID).Msg("chat sync failed")
			continue
		}
		report.Chats++
	}
	e.reportPending(ctx)
	return report, errors.Join(errs...)
}

// FlushOutbox pushes messages left in sending state, for example by a
// process that exited mid-send.
func (e *Engine) FlushOutbox(ctx context.Context) (int, error) {
	e.mu.Lock()
	pending, err := e.store.MessagesByStatus(ctx, docstore.StatusSending)
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}
	var errs []error
	delivered := 0
	for _, msg := range pending {
		if msg.PendingOp != docstore.OpCreate {
			continue
		}
		if _, err := e.deliver(ctx, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Run flushes the outbox and then applies live events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.FlushOutbox(ctx); err != nil {
		e.log.Warn().Err(err).Int("delivered", n).Msg("outbox flush incomplete")
	}
	return e.remote.Subscribe(ctx, func(ev RemoteEvent) {
		if err := e.Apply(ctx, ev); err != nil {
			e.log.Error().Err(err).Str("kind", string(ev.Kind)).Str("chat_id", ev.ChatID).Msg("apply remote event")
		}
	})
}

func (e *Engine) checkMutable(msg docstore.MessageDoc, deletedErr error) error {
	switch {
	case msg.IsDeleted:
		return deletedErr
	case msg.Status != docstore.StatusDelivered:
		return ErrNotDelivered
	case msg.SenderID != e.remote.Self().UserID:
		return ErrNotOwner
	}
	return nil
}

func checkReactable(msg docstore.MessageDoc) error {
	if msg.IsDeleted {
		return ErrDeleted
	}
	if msg.Status != docstore.StatusDelivered {
		return ErrNotDelivered
	}
	return nil
}

// refreshChat recomputes the chat preview from the newest live message.
func (e *Engine) refreshChat(ctx context.Context, chatID string, unread bool) error {
	if chatID == "" {
		return nil
	}
	latest, err := e.store.LatestMessage(ctx, chatID)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	_, err = e.store.UpsertChat(ctx, chatID, func(c *docstore.ChatDoc) (bool, error) {
		changed := false
		if unread {
			c.UnreadCount++
			changed = true
		}
		if c.LastMessageID != latest.ID || c.LastMessage != latest.Content || !c.LastMessageAt.Equal(latest.Timestamp) {
			c.LastMessageID = latest.ID
			c.LastMessage = latest.Content
			c.LastMessageAt = latest.Timestamp
			changed = true
		}
		if changed {
			c.UpdatedAt = e.now()
		}
		return changed, nil
	})
	return err
}

func (e *Engine) removeReactions(ctx context.Context, docID string, match func(docstore.Reaction) bool) (docstore.MessageDoc, error) {
	var removed []string
	msg, err := e.store.UpdateMessage(ctx, docID, func(m *docstore.MessageDoc) (bool, error) {
		removed = removed[:0]
		kept := m.Reactions[:0:0]
		for _, r := range m.Reactions {
			if match(r) {
				if r.EventID != "" {
					removed = append(removed, r.EventID)
				}
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == len(m.Reactions) {
			return false, nil
		}
		m.Reactions = kept
		return true, nil
	})
	if err != nil {
		return msg, err
	}
	for _, id := range removed {
		if err := e.store.RemoveAlias(ctx, id); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

func (e *Engine) doneEditing(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.editing[id]--
	if e.editing[id] <= 0 {
		delete(e.editing, id)
	}
}

func (e *Engine) deferEvent(target string, ev RemoteEvent) {
	if target == "" {
		return
	}
	if _, ok := e.deferred[target]; !ok && len(e.deferred) >= maxDeferredTargets {
		e.log.Warn().Str("target", target).Str("kind", string(ev.Kind)).Msg("dropping event for unknown message")
		return
	}
	e.deferred[target] = append(e.deferred[target], ev)
}

func (e *Engine) replayDeferred(ctx context.Context, id string) {
	events := e.deferred[id]
	if len(events) == 0 {
		return
	}
	delete(e.deferred, id)
	sortEvents(events)
	for _, ev := range events {
		if err := e.apply(ctx, ev, false); err != nil {
			e.log.Error().Err(err).Str("message_id", id).Msg("replay deferred event")
		}
	}
}

func (e *Engine) outbox(ctx context.Context) ([]docstore.MessageDoc, error) {
	sending, err := e.store.MessagesByStatus(ctx, docstore.StatusSending)
	if err != nil {
		return nil, err
	}
	failed, err := e.store.MessagesByStatus(ctx, docstore.StatusFailed)
	if err != nil {
		return nil, err
	}
	return append(sending, failed...), nil
}

func (e *Engine) reportPending(ctx context.Context) {
	pending, err := e.outbox(ctx)
	if err != nil {
		return
	}
	e.obs.PendingMessages(len(pending))
}

// mergeSnapshot folds a server copy of an already cached message into it.
func mergeSnapshot(m *docstore.MessageDoc, ev RemoteEvent) bool {
	if ev.Deleted {
		if m.IsDeleted && m.PendingOp != docstore.OpDelete {
			return false
		}
		tombstone(m)
		return true
	}
	if m.IsDeleted {
		return false
	}
	changed := false
	// A snapshot of the original must not undo edits applied since.
	if m.PendingOp == docstore.OpNone && (ev.Edited || !m.IsEdited) && ev.Content != "" && ev.Content != m.Content {
		m.Content = ev.Content
		changed = true
	}
	if ev.Edited && !m.IsEdited {
		m.IsEdited = true
		changed = true
	}
	if ev.Reactions != nil && !slices.Equal(m.Reactions, ev.Reactions) {
		m.Reactions = ev.Reactions
		changed = true
	}
	for _, user := range ev.SeenBy {
		if !slices.Contains(m.SeenBy, user) {
			m.SeenBy = append(m.SeenBy, user)
			changed = true
		}
	}
	if m.SenderName == "" && ev.SenderName != "" {
		m.SenderName = ev.SenderName
		changed = true
	}
	return changed
}

// mergeChat copies the server's description of a chat onto the cached one.
func mergeChat(c *docstore.ChatDoc, remote RemoteChat, now time.Time) bool {
	if c.Rev != 0 && c.Name == remote.Name && c.IsGroup == remote.IsGroup && slices.Equal(c.Members, remote.Members) {
		return false
	}
	c.Name = remote.Name
	c.IsGroup = remote.IsGroup
	c.Members = remote.Members
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return true
}

// undelivered reports whether msg never reached the server.
func undelivered(msg docstore.MessageDoc) bool {
	switch msg.Status {
	case docstore.StatusFailed:
		return true
	case docstore.StatusSending:
		return msg.PendingOp == docstore.OpCreate
	}
	return false
}

func tombstone(m *docstore.MessageDoc) {
	m.Content = ""
	m.RollbackContent = ""
	m.IsDeleted = true
	m.Reactions = nil
	m.PendingOp = docstore.OpNone
}

func targetOf(ev RemoteEvent) string {
	if ev.Target != "" {
		return ev.Target
	}
	return ev.ID
}

func normalizeEmoji(emoji string) string {
	return strings.Trim(strings.TrimSpace(emoji), ":")
}

var kindOrder = map[EventKind]int{
	EventPosted:          0,
	EventEdited:          1,
	EventReactionAdded:   2,
	EventReactionRemoved: 3,
	EventSeen:            4,
	EventDeleted:         5,
	EventChatViewed:      6,
}

// sortEvents orders history oldest first; at equal timestamps a message is
// created before anything refers to it.
func sortEvents(events []RemoteEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return kindOrder[a.Kind] < kindOrder[b.Kind]
	})
}

func ignoreNotFound(err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return err
}
