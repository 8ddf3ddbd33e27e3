package mattermost

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mohammedshuaau/workplace/internal/docstore"
	"github.com/mohammedshuaau/workplace/internal/httpx"
	"github.com/mohammedshuaau/workplace/internal/reconcile"
)

// Remote adapts a user session on a Mattermost server to the reconcile
// engine.
type Remote struct {
	client *Client
	stream *Stream
	self   User
	log    zerolog.Logger

	mu       sync.Mutex
	profiles map[string]User
}

var _ reconcile.Remote = (*Remote)(nil)

var ErrNoTeam = errors.New("user belongs to no team")

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Connect resolves the session owner and prepares the event stream.
func Connect(ctx context.Context, serverURL, token string, log zerolog.Logger, opts ...httpx.Option) (*Remote, error) {
	client := NewClient(serverURL, token, opts...)
	me, err := client.Me(ctx)
	if err != nil {
		return nil, err
	}
	return &Remote{
		client:   client,
		stream:   NewStream(serverURL, token, WithStreamLogger(log)),
		self:     me,
		log:      log,
		profiles: map[string]User{me.ID: me},
	}, nil
}

func (r *Remote) Self() reconcile.Identity {
	return reconcile.Identity{UserID: r.self.ID, DisplayName: r.self.Username}
}

// ListChats walks every team; direct and group channels show up under each
// team and are reported once.
func (r *Remote) ListChats(ctx context.Context) ([]reconcile.RemoteChat, error) {
	teams, err := r.client.MyTeams(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var chats []reconcile.RemoteChat
	for _, team := range teams {
		channels, err := r.client.MyChannels(ctx, team.ID)
		if err != nil {
			return nil, err
		}
		for _, channel := range channels {
			if seen[channel.ID] {
				continue
			}
			seen[channel.ID] = true
			chat, err := r.describeChannel(ctx, channel)
			if err != nil {
				return nil, err
			}
			chats = append(chats, chat)
		}
	}
	return chats, nil
}

func (r *Remote) describeChannel(ctx context.Context, channel Channel) (reconcile.RemoteChat, error) {
	members, err := r.client.ChannelMembers(ctx, channel.ID)
	if err != nil {
		return reconcile.RemoteChat{}, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	if err := r.loadProfiles(ctx, ids); err != nil {
		return reconcile.RemoteChat{}, err
	}

	chat := reconcile.RemoteChat{
		ID:      channel.ID,
		Name:    channel.DisplayName,
		IsGroup: channel.Type != ChannelDirect,
	}
	for _, m := range members {
		chat.Members = append(chat.Members, docstore.Member{UserID: m.UserID, DisplayName: r.username(m.UserID)})
		if m.UserID == r.self.ID {
			chat.UnreadCount = int(max(channel.TotalMsgCount-m.MsgCount, 0))
		} else if channel.Type == ChannelDirect {
			chat.Name = r.username(m.UserID)
		}
	}
	if chat.Name == "" {
		chat.Name = channel.Name
	}
	return chat, nil
}

func (r *Remote) FetchMessages(ctx context.Context, chatID string, limit int) ([]reconcile.RemoteEvent, error) {
	posts, err := r.client.Posts(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.UserID)
	}
	if err := r.loadProfiles(ctx, ids); err != nil {
		r.log.Warn().Err(err).Str("chat_id", chatID).Msg("sender profiles unavailable")
	}
	events := make([]reconcile.RemoteEvent, 0, len(posts))
	for _, p := range posts {
		events = append(events, r.postedEvent(p))
	}
	return events, nil
}

func (r *Remote) Send(ctx context.Context, msg reconcile.OutgoingMessage) (reconcile.SendResult, error) {
	post, err := r.client.CreatePost(ctx, Post{
		ChannelID:     msg.ChatID,
		Message:       msg.Content,
		RootID:        msg.ReplyTo,
		PendingPostID: msg.PendingID,
	})
	if err != nil {
		return reconcile.SendResult{}, err
	}
	return reconcile.SendResult{ID: post.ID, Timestamp: millis(post.CreateAt)}, nil
}

// Edit patches the post in place, so the result carries the post id. The
// reply root is a property of the post and survives the patch.
func (r *Remote) Edit(ctx context.Context, edit reconcile.OutgoingEdit) (reconcile.SendResult, error) {
	post, err := r.client.PatchPost(ctx, edit.TargetID, edit.Content)
	if err != nil {
		return reconcile.SendResult{}, err
	}
	return reconcile.SendResult{ID: post.ID, Timestamp: millis(post.EditAt)}, nil
}

func (r *Remote) Delete(ctx context.Context, _ string, ids []string) error {
	for _, id := range ids {
		if err := r.client.DeletePost(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// React returns no id: Mattermost reactions are keyed by (user, post, emoji).
func (r *Remote) React(ctx context.Context, _, targetID, emoji string) (string, error) {
	_, err := r.client.SaveReaction(ctx, Reaction{UserID: r.self.ID, PostID: targetID, EmojiName: emoji})
	return "", err
}

func (r *Remote) Unreact(ctx context.Context, _, targetID, emoji, _ string) error {
	return r.client.DeleteReaction(ctx, r.self.ID, targetID, emoji)
}

func (r *Remote) MarkRead(ctx context.Context, chatID, _ string) error {
	return r.client.ViewChannel(ctx, r.self.ID, chatID)
}

// CreateChat opens a direct channel for one member, a group channel for
// several, or a private channel in the user's first team when named.
func (r *Remote) CreateChat(ctx context.Context, req reconcile.NewChat) (reconcile.RemoteChat, error) {
	var (
		channel Channel
		err     error
	)
	switch {
	case req.Name != "":
		channel, err = r.createPrivateChannel(ctx, req)
	case len(req.Members) == 1:
		channel, err = r.client.CreateDirectChannel(ctx, r.self.ID, req.Members[0])
	default:
		channel, err = r.client.CreateGroupChannel(ctx, append([]string{r.self.ID}, req.Members...))
	}
	if err != nil {
		return reconcile.RemoteChat{}, err
	}
	return r.describeChannel(ctx, channel)
}

func (r *Remote) createPrivateChannel(ctx context.Context, req reconcile.NewChat) (Channel, error) {
	teams, err := r.client.MyTeams(ctx)
	if err != nil {
		return Channel{}, err
	}
	if len(teams) == 0 {
		return Channel{}, ErrNoTeam
	}
	channel, err := r.client.CreateChannel(ctx, Channel{
		TeamID:      teams[0].ID,
		Type:        ChannelPrivate,
		Name:        channelSlug(req.Name),
		DisplayName: req.Name,
	})
	if err != nil {
		return Channel{}, err
	}
	for _, member := range req.Members {
		if member == r.self.ID {
			continue
		}
		if err := r.client.AddChannelMember(ctx, channel.ID, member); err != nil {
			return Channel{}, err
		}
	}
	return channel, nil
}

// SetTyping announces typing; Mattermost has no stop signal and clients
// expire the notice themselves.
func (r *Remote) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if !typing {
		return nil
	}
	return r.client.UserTyping(ctx, r.self.ID, chatID)
}

func (r *Remote) Subscribe(ctx context.Context, handle func(reconcile.RemoteEvent)) error {
	return r.stream.Run(ctx, func(event Event) {
		if ev, ok := r.translate(ctx, event); ok {
			handle(ev)
		}
	})
}

// translate maps a websocket event to a reconcile event; events the cache
// does not track report false.
func (r *Remote) translate(ctx context.Context, event Event) (reconcile.RemoteEvent, bool) {
	switch event.Event {
	case "posted", "post_edited", "post_deleted":
		var post Post
		if err := event.DecodeEmbedded("post", &post); err != nil {
			r.log.Warn().Err(err).Str("event", event.Event).Msg("undecodable post payload")
			return reconcile.RemoteEvent{}, false
		}
		switch event.Event {
		case "posted":
			if err := r.loadProfiles(ctx, []string{post.UserID}); err != nil {
				r.rememberSender(post.UserID, strings.TrimPrefix(event.String("sender_name"), "@"))
			}
			return r.postedEvent(post), true
		case "post_edited":
			return reconcile.RemoteEvent{
				Kind:      reconcile.EventEdited,
				ChatID:    post.ChannelID,
				ID:        post.ID,
				Target:    post.ID,
				SenderID:  post.UserID,
				Content:   post.Message,
				Timestamp: millis(post.EditAt),
			}, true
		default:
			return reconcile.RemoteEvent{
				Kind:      reconcile.EventDeleted,
				ChatID:    post.ChannelID,
				ID:        post.ID,
				Target:    post.ID,
				Timestamp: millis(post.DeleteAt),
			}, true
		}
	case "reaction_added", "reaction_removed":
		var reaction Reaction
		if err := event.DecodeEmbedded("reaction", &reaction); err != nil {
			r.log.Warn().Err(err).Str("event", event.Event).Msg("undecodable reaction payload")
			return reconcile.RemoteEvent{}, false
		}
		kind := reconcile.EventReactionAdded
		if event.Event == "reaction_removed" {
			kind = reconcile.EventReactionRemoved
		}
		return reconcile.RemoteEvent{
			Kind:      kind,
			ChatID:    event.Broadcast.ChannelID,
			Target:    reaction.PostID,
			SenderID:  reaction.UserID,
			Emoji:     reaction.EmojiName,
			Timestamp: millis(reaction.CreateAt),
		}, true
	case "post_acknowledgement_added":
		var ack Acknowledgement
		if err := event.DecodeEmbedded("acknowledgement", &ack); err != nil {
			r.log.Warn().Err(err).Msg("undecodable acknowledgement payload")
			return reconcile.RemoteEvent{}, false
		}
		return reconcile.RemoteEvent{
			Kind:      reconcile.EventSeen,
			ChatID:    event.Broadcast.ChannelID,
			Target:    ack.PostID,
			SenderID:  ack.UserID,
			Timestamp: millis(ack.AcknowledgedAt),
		}, true
	case "channel_viewed":
		return reconcile.RemoteEvent{
			Kind:     reconcile.EventChatViewed,
			ChatID:   event.String("channel_id"),
			SenderID: event.Broadcast.UserID,
		}, true
	case "typing":
		userID := event.String("user_id")
		if event.Broadcast.ChannelID == "" || userID == "" {
			return reconcile.RemoteEvent{}, false
		}
		return reconcile.RemoteEvent{
			Kind:     reconcile.EventTyping,
			ChatID:   event.Broadcast.ChannelID,
			SenderID: userID,
		}, true
	case "direct_added", "group_added", "user_added":
		if event.Event == "user_added" && event.String("user_id") != r.self.ID {
			return reconcile.RemoteEvent{}, false
		}
		return r.chatAdded(ctx, event.Broadcast.ChannelID)
	}
	return reconcile.RemoteEvent{}, false
}

func (r *Remote) chatAdded(ctx context.Context, channelID string) (reconcile.RemoteEvent, bool) {
	if channelID == "" {
		return reconcile.RemoteEvent{}, false
	}
	channel, err := r.client.Channel(ctx, channelID)
	if err == nil {
		var chat reconcile.RemoteChat
		if chat, err = r.describeChannel(ctx, channel); err == nil {
			return reconcile.RemoteEvent{Kind: reconcile.EventChatAdded, ChatID: chat.ID, Chat: &chat}, true
		}
	}
	r.log.Warn().Err(err).Str("chat_id", channelID).Msg("new channel unavailable")
	return reconcile.RemoteEvent{}, false
}

// postedEvent always carries a reaction set, empty when the post has none,
// so a snapshot clears reactions removed while offline.
func (r *Remote) postedEvent(post Post) reconcile.RemoteEvent {
	ev := reconcile.RemoteEvent{
		Kind:       reconcile.EventPosted,
		ChatID:     post.ChannelID,
		ID:         post.ID,
		PendingID:  post.PendingPostID,
		SenderID:   post.UserID,
		SenderName: r.username(post.UserID),
		Content:    post.Message,
		ReplyTo:    post.RootID,
		Timestamp:  millis(post.CreateAt),
		Edited:     post.EditAt > 0,
		Deleted:    post.DeleteAt > 0,
		Reactions:  []docstore.Reaction{},
	}
	if post.Metadata == nil {
		return ev
	}
	for _, reaction := range post.Metadata.Reactions {
		ev.Reactions = append(ev.Reactions, docstore.Reaction{Emoji: reaction.EmojiName, UserID: reaction.UserID})
	}
	for _, ack := range post.Metadata.Acknowledgements {
		ev.SeenBy = append(ev.SeenBy, ack.UserID)
	}
	return ev
}

// loadProfiles fetches the profiles of ids not cached yet.
func (r *Remote) loadProfiles(ctx context.Context, ids []string) error {
	r.mu.Lock()
	var missing []string
	for _, id := range ids {
		if _, ok := r.profiles[id]; !ok && id != "" && !slices.Contains(missing, id) {
			missing = append(missing, id)
		}
	}
	r.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}
	users, err := r.client.UsersByIDs(ctx, missing)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		r.profiles[u.ID] = u
	}
	return nil
}

func (r *Remote) rememberSender(id, username string) {
	if id == "" || username == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		r.profiles[id] = User{ID: id, Username: username}
	}
}

// channelSlug derives a channel handle from a display name.
func channelSlug(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

func (r *Remote) username(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.profiles[id]; ok && u.Username != "" {
		return u.Username
	}
	return id
}
