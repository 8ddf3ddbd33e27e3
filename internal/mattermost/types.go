// Package mattermost talks to a Mattermost server: the v4 REST API for
// account administration and messaging, and the websocket event stream.
package mattermost

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	ChannelOpen    = "O"
	ChannelPrivate = "P"
	ChannelDirect  = "D"
	ChannelGroup   = "G"
)

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Nickname  string `json:"nickname,omitempty"`
}

// DisplayName prefers the full name and falls back to the username.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return u.Username
}

type CreateUserRequest struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
}

type UserPatch struct {
	FirstName *string `json:"first_name,omitempty"`
	Email     *string `json:"email,omitempty"`
}

type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type Channel struct {
	ID            string `json:"id"`
	TeamID        string `json:"team_id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	TotalMsgCount int64  `json:"total_msg_count"`
	LastPostAt    int64  `json:"last_post_at"`
}

type ChannelMember struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	MsgCount  int64  `json:"msg_count"`
}

type Reaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
	CreateAt  int64  `json:"create_at,omitempty"`
}

type Acknowledgement struct {
	UserID         string `json:"user_id"`
	PostID         string `json:"post_id"`
	AcknowledgedAt int64  `json:"acknowledged_at"`
}

type PostMetadata struct {
	Reactions        []Reaction        `json:"reactions,omitempty"`
	Acknowledgements []Acknowledgement `json:"acknowledgements,omitempty"`
}

type Post struct {
	ID            string        `json:"id,omitempty"`
	CreateAt      int64         `json:"create_at,omitempty"`
	UpdateAt      int64         `json:"update_at,omitempty"`
	EditAt        int64         `json:"edit_at,omitempty"`
	DeleteAt      int64         `json:"delete_at,omitempty"`
	UserID        string        `json:"user_id,omitempty"`
	ChannelID     string        `json:"channel_id"`
	RootID        string        `json:"root_id,omitempty"`
	Message       string        `json:"message"`
	PendingPostID string        `json:"pending_post_id,omitempty"`
	Metadata      *PostMetadata `json:"metadata,omitempty"`
}

// PostList is the server's page of posts: Order holds ids newest first.
type PostList struct {
	Order []string        `json:"order"`
	Posts map[string]Post `json:"posts"`
}

// Ordered returns the posts in Order.
func (l PostList) Ordered() []Post {
	out := make([]Post, 0, len(l.Order))
	for _, id := range l.Order {
		if post, ok := l.Posts[id]; ok {
			out = append(out, post)
		}
	}
	return out
}

// Event is one frame of the websocket stream. Replies to client actions
// carry SeqReply and no Event.
type Event struct {
	Event     string                     `json:"event"`
	Data      map[string]json.RawMessage `json:"data"`
	Broadcast Broadcast                  `json:"broadcast"`
	Seq       int64                      `json:"seq"`
	Status    string                     `json:"status,omitempty"`
	SeqReply  int64                      `json:"seq_reply,omitempty"`
}

type Broadcast struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	TeamID    string `json:"team_id"`
}

// String returns data[key] when it is a JSON string.
func (e Event) String(key string) string {
	raw, ok := e.Data[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

// DecodeEmbedded decodes data[key], which the server sends as a JSON document
// encoded into a string.
func (e Event) DecodeEmbedded(key string, out any) error {
	return json.Unmarshal([]byte(e.String(key)), out)
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
