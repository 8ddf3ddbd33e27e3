package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mohammedshuaau/workplace/internal/docstore"
)

const (
	formatText = "text"
	formatYAML = "yaml"
)

type chatView struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Group       bool     `yaml:"group"`
	Members     []string `yaml:"members,omitempty"`
	Unread      int      `yaml:"unread"`
	LastMessage string   `yaml:"last_message,omitempty"`
	LastAt      string   `yaml:"last_at,omitempty"`
}

type messageView struct {
	ID        string   `yaml:"id"`
	Chat      string   `yaml:"chat"`
	Sender    string   `yaml:"sender"`
	Content   string   `yaml:"content"`
	Time      string   `yaml:"time"`
	Status    string   `yaml:"status"`
	Edited    bool     `yaml:"edited,omitempty"`
	Deleted   bool     `yaml:"deleted,omitempty"`
	ReplyTo   string   `yaml:"reply_to,omitempty"`
	Reactions []string `yaml:"reactions,omitempty"`
	SeenBy    []string `yaml:"seen_by,omitempty"`
	Error     string   `yaml:"error,omitempty"`
}

func newChatView(c docstore.ChatDoc) chatView {
	view := chatView{
		ID:          c.ID,
		Name:        c.Name,
		Group:       c.IsGroup,
		Unread:      c.UnreadCount,
		LastMessage: c.LastMessage,
	}
	for _, m := range c.Members {
		view.Members = append(view.Members, m.DisplayName)
	}
	if !c.LastMessageAt.IsZero() {
		view.LastAt = c.LastMessageAt.Local().Format(time.RFC3339)
	}
	return view
}

func newMessageView(m docstore.MessageDoc) messageView {
	view := messageView{
		ID:      m.ID,
		Chat:    m.ChatID,
		Sender:  m.SenderName,
		Content: m.Content,
		Time:    m.Timestamp.Local().Format(time.RFC3339),
		Status:  string(m.Status),
		Edited:  m.IsEdited,
		Deleted: m.IsDeleted,
		ReplyTo: m.ReplyTo,
		SeenBy:  m.SeenBy,
		Error:   m.LastError,
	}
	if view.Sender == "" {
		view.Sender = m.SenderID
	}
	for _, r := range m.Reactions {
		view.Reactions = append(view.Reactions, r.Emoji+" "+r.UserID)
	}
	return view
}

type printer struct {
	w      io.Writer
	format string
}

func (p printer) yaml(v any) error {
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (p printer) chats(chats []docstore.ChatDoc) error {
	views := make([]chatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, newChatView(c))
	}
	if p.format == formatYAML {
		return p.yaml(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(p.w, "No chats cached. Run chatsync global-sync.")
		return nil
	}
	for _, c := range views {
		unread := ""
		if c.Unread > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.Unread)
		}
		fmt.Fprintf(p.w, "%-28s %s%s\n", c.ID, c.Name, unread)
		if c.LastMessage != "" {
			fmt.Fprintf(p.w, "    %s\n", truncate(c.LastMessage, 72))
		}
	}
	return nil
}

func (p printer) messages(msgs []docstore.MessageDoc) error {
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m))
	}
	if p.format == formatYAML {
		return p.yaml(views)
	}
	for _, m := range views {
		p.messageLine(m)
	}
	return nil
}

func (p printer) message(m docstore.MessageDoc) error {
	view := newMessageView(m)
	if p.format == formatYAML {
		return p.yaml(view)
	}
	p.messageLine(view)
	return nil
}

func (p printer) messageLine(m messageView) {
	var flags []string
	if m.Status != string(docstore.StatusDelivered) {
		flags = append(flags, m.Status)
	}
	if m.Edited {
		flags = append(flags, "edited")
	}
	if m.Deleted {
		flags = append(flags, "deleted")
	}
	content := m.Content
	if m.Deleted {
		content = "(message deleted)"
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, ", ") + "]"
	}
	fmt.Fprintf(p.w, "%s  %s: %s%s  (%s)\n", m.Time, m.Sender, content, suffix, m.ID)
	if len(m.Reactions) > 0 {
		fmt.Fprintf(p.w, "    %s\n", strings.Join(m.Reactions, ", "))
	}
}

// result prints a summary map in either format.
func (p printer) result(msg string, fields map[string]any) error {
	if p.format == formatYAML {
		return p.yaml(fields)
	}
	fmt.Fprintln(p.w, msg)
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
