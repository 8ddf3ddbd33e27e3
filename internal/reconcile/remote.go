// Package reconcile keeps the local message cache consistent with a chat
// server: optimistic sends, confirmations, remote edits, deletes, reactions
// and read state all converge on one document per message.
package reconcile

import (
	"context"
	"time"

	"github.com/mohammedshuaau/workplace/internal/docstore"
)

type EventKind string

const (
	EventPosted          EventKind = "posted"
	EventEdited          EventKind = "edited"
	EventDeleted         EventKind = "deleted"
	EventReactionAdded   EventKind = "reaction_added"
	EventReactionRemoved EventKind = "reaction_removed"
	EventSeen            EventKind = "seen"
	EventChatViewed      EventKind = "chat_viewed"
	EventChatAdded       EventKind = "chat_added"
	EventTyping          EventKind = "typing"
)

// RemoteEvent is a provider-neutral view of something that happened on the
// chat server, either pushed live or replayed from history.
//
// ID is the server id of the event itself. For edits, deletes and reactions
// Target names the message (or, for deletes, possibly the reaction) the event
// applies to. For a Mattermost edit ID and Target are the same post.
type RemoteEvent struct {
	Kind       EventKind
	ChatID     string
	ID         string
	Target     string
	PendingID  string
	SenderID   string
	SenderName string
	Content    string
	ReplyTo    string
	Timestamp  time.Time
	Emoji      string
	// Reactions, when non-nil, is the full reaction set carried by a posted
	// snapshot and replaces the local one.
	Reactions []docstore.Reaction
	SeenBy    []string
	Edited    bool
	Deleted   bool
	// Chat describes the conversation for chat_added.
	Chat *RemoteChat
	// TypingUsers, when non-nil, is everyone typing in ChatID right now.
	// Otherwise a typing event means SenderID started typing.
	TypingUsers []string
}

type Identity struct {
	UserID      string
	DisplayName string
}

type RemoteChat struct {
	ID          string
	Name        string
	IsGroup     bool
	Members     []docstore.Member
	UnreadCount int
}

type OutgoingMessage struct {
	ChatID    string
	Content   string
	ReplyTo   string
	PendingID string
}

type OutgoingEdit struct {
	ChatID   string
	TargetID string
	Content  string
	// ReplyTo is the message the original replied to, kept on the edit.
	ReplyTo string
}

// NewChat asks for a conversation with Members (server user ids, the
// caller excluded). Without a Name one member makes a direct chat and
// several make a group chat; a Name always makes a named group.
type NewChat struct {
	Members []string
	Name    string
}

type SendResult struct {
	ID        string
	Timestamp time.Time
}

// Remote is the chat server as seen by the engine. Implementations live in
// the matrix and mattermost packages.
type Remote interface {
	Self() Identity
	// ListChats returns every conversation the user belongs to, members
	// included.
	ListChats(ctx context.Context) ([]RemoteChat, error)
	// FetchMessages returns up to limit of the newest events of a chat in
	// any order.
	FetchMessages(ctx context.Context, chatID string, limit int) ([]RemoteEvent, error)
	Send(ctx context.Context, msg OutgoingMessage) (SendResult, error)
	// Edit replaces the content of the target and returns the id of the
	// edit event, which equals the target on servers that edit in place.
	Edit(ctx context.Context, edit OutgoingEdit) (SendResult, error)
	// Delete removes the message and every edit event of it.
	Delete(ctx context.Context, chatID string, ids []string) error
	React(ctx context.Context, chatID, targetID, emoji string) (string, error)
	Unreact(ctx context.Context, chatID, targetID, emoji, reactionID string) error
	MarkRead(ctx context.Context, chatID, lastID string) error
	// CreateChat opens a conversation, or returns the existing direct chat
	// with that member.
	CreateChat(ctx context.Context, req NewChat) (RemoteChat, error)
	SetTyping(ctx context.Context, chatID string, typing bool) error
	// Subscribe delivers live events until ctx is done, reconnecting as
	// needed.
	Subscribe(ctx context.Context, handle func(RemoteEvent)) error
}

// Observer receives engine activity; telemetry.SyncObserver implements it.
type Observer interface {
	EventApplied(kind string)
	MessageSent(result string)
	PendingMessages(n int)
}

type nopObserver struct{}

func (nopObserver) EventApplied(string) {}
func (nopObserver) MessageSent(string)  {}
func (nopObserver) PendingMessages(int) {}
