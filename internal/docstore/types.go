package docstore

import "time"

type DocType string

const (
	TypeChat    DocType = "chat"
	TypeMessage DocType = "message"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// PendingOp names the local mutation still waiting for the server.
type PendingOp string

const (
	OpNone   PendingOp = ""
	OpCreate PendingOp = "create"
	OpEdit   PendingOp = "edit"
	OpDelete PendingOp = "delete"
)

// AliasKind says why an alternate id resolves to a message.
type AliasKind string

const (
	AliasTemp     AliasKind = "temp"
	AliasRevision AliasKind = "revision"
	AliasReaction AliasKind = "reaction"
)

type Reaction struct {
	Emoji   string `json:"emoji"`
	UserID  string `json:"userId"`
	EventID string `json:"eventId,omitempty"`
}

type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type ChatDoc struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	IsGroup       bool      `json:"isGroup"`
	Members       []Member  `json:"members,omitempty"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Rev           int64     `json:"-"`
}

// MessageDoc is the local projection of one chat message. ID is the display
// id: the server id of the original post once delivered, the temp id before.
// Edits never change it; RevisionID tracks the newest edit event instead.
type MessageDoc struct {
	ID         string        `json:"id"`
	TempID     string        `json:"tempId,omitempty"`
	ChatID     string        `json:"chatId"`
	Content    string        `json:"content"`
	SenderID   string        `json:"senderId"`
	SenderName string        `json:"senderName"`
	Timestamp  time.Time     `json:"timestamp"`
	ReplyTo    string        `json:"replyTo,omitempty"`
	Reactions  []Reaction    `json:"reactions,omitempty"`
	SeenBy     []string      `json:"seenBy,omitempty"`
	Status     MessageStatus `json:"status"`
	PendingOp  PendingOp     `json:"pendingOp,omitempty"`
	// RollbackContent is the confirmed content while an edit or delete is
	// in flight, restored if the server rejects it.
	RollbackContent string    `json:"rollbackContent,omitempty"`
	IsEdited        bool      `json:"isEdited"`
	EditedAt        time.Time `json:"editedAt,omitempty"`
	IsDeleted       bool      `json:"isDeleted"`
	RevisionID      string    `json:"revisionId,omitempty"`
	EditIDs         []string  `json:"editIds,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	Rev             int64     `json:"-"`
}

func (m MessageDoc) HasReaction(emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}

// Change is one entry of the changes feed.
type Change struct {
	Seq     int64
	DocID   string
	Type    DocType
	Deleted bool
}
