package matrix

import (
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/mohammedshuaau/workplace/internal/reconcile"
)

// convert maps a timeline event to a reconcile event. State changes and
// event types the cache does not track report false.
func (r *Remote) convert(evt *event.Event) (reconcile.RemoteEvent, bool) {
	if evt == nil || evt.StateKey != nil {
		return reconcile.RemoteEvent{}, false
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && evt.Content.Parsed == nil {
		r.log.Debug().Err(err).Str("event_id", evt.ID.String()).Msg("skipping unparsable event")
		return reconcile.RemoteEvent{}, false
	}

	base := reconcile.RemoteEvent{
		ChatID:     evt.RoomID.String(),
		ID:         evt.ID.String(),
		SenderID:   evt.Sender.String(),
		SenderName: r.displayName(evt.Sender.String()),
		Timestamp:  time.UnixMilli(evt.Timestamp),
	}
	redacted := evt.Unsigned.RedactedBecause != nil

	switch evt.Type {
	case event.EventMessage:
		msg := evt.Content.AsMessage()
		if msg.RelatesTo != nil && msg.RelatesTo.Type == event.RelReplace {
			if redacted {
				return reconcile.RemoteEvent{}, false
			}
			base.Kind = reconcile.EventEdited
			base.Target = msg.RelatesTo.EventID.String()
			if msg.NewContent != nil {
				base.Content = msg.NewContent.Body
			} else {
				base.Content = strings.TrimPrefix(msg.Body, "* ")
			}
			return base, true
		}
		base.Kind = reconcile.EventPosted
		base.PendingID = evt.Unsigned.TransactionID
		base.Deleted = redacted
		if !redacted {
			base.Content = stripReplyFallback(msg.Body)
		}
		if msg.RelatesTo != nil && msg.RelatesTo.InReplyTo != nil {
			base.ReplyTo = msg.RelatesTo.InReplyTo.EventID.String()
		}
		return base, true

	case event.EventReaction:
		if redacted {
			return reconcile.RemoteEvent{}, false
		}
		reaction := evt.Content.AsReaction()
		if reaction.RelatesTo.Type != event.RelAnnotation || reaction.RelatesTo.Key == "" {
			return reconcile.RemoteEvent{}, false
		}
		base.Kind = reconcile.EventReactionAdded
		base.Target = reaction.RelatesTo.EventID.String()
		base.Emoji = reaction.RelatesTo.Key
		return base, true

	case event.EventRedaction:
		target := evt.Redacts
		if target == "" {
			target = evt.Content.AsRedaction().Redacts
		}
		if target == "" {
			return reconcile.RemoteEvent{}, false
		}
		base.Kind = reconcile.EventDeleted
		base.Target = target.String()
		return base, true
	}
	return reconcile.RemoteEvent{}, false
}

// receipts turns an m.receipt ephemeral event into seen events, plus a
// chat_viewed event when the account itself read the room elsewhere.
func (r *Remote) receipts(evt *event.Event) []reconcile.RemoteEvent {
	if evt == nil || evt.Type != event.EphemeralEventReceipt {
		return nil
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && evt.Content.Parsed == nil {
		return nil
	}
	content := evt.Content.AsReceipt()
	if content == nil {
		return nil
	}
	var out []reconcile.RemoteEvent
	for eventID, byType := range *content {
		for userID := range byType[event.ReceiptTypeRead] {
			kind := reconcile.EventSeen
			if userID.String() == r.self.UserID {
				kind = reconcile.EventChatViewed
			}
			out = append(out, reconcile.RemoteEvent{
				Kind:     kind,
				ChatID:   evt.RoomID.String(),
				Target:   eventID.String(),
				SenderID: userID.String(),
			})
		}
	}
	return out
}

// typing reports the full list of users typing in a room.
func (r *Remote) typing(evt *event.Event) (reconcile.RemoteEvent, bool) {
	if evt == nil || evt.Type != event.EphemeralEventTyping {
		return reconcile.RemoteEvent{}, false
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && evt.Content.Parsed == nil {
		return reconcile.RemoteEvent{}, false
	}
	content := evt.Content.AsTyping()
	users := make([]string, 0, len(content.UserIDs))
	for _, userID := range content.UserIDs {
		users = append(users, userID.String())
	}
	return reconcile.RemoteEvent{
		Kind:        reconcile.EventTyping,
		ChatID:      evt.RoomID.String(),
		TypingUsers: users,
	}, true
}

// stripReplyFallback drops the quoted "> " block clients prepend to replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
