package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mohammedshuaau/workplace/internal/httpx"
)

const apiPrefix = "/api/v4"

// maxPerPage is the largest page the posts endpoint serves.
const maxPerPage = 200

var ErrMissingToken = errors.New("mattermost login returned no session token")

// Client is a v4 REST client acting as whichever principal its token
// belongs to: the admin for provisioning, a user for messaging.
type Client struct {
	http *httpx.Client
}

func NewClient(serverURL, token string, opts ...httpx.Option) *Client {
	return &Client{http: httpx.New(serverURL, token, opts...)}
}

func (c *Client) ServerURL() string {
	return c.http.BaseURL()
}

// WithToken returns a client for another principal on the same server.
func (c *Client) WithToken(token string) *Client {
	return &Client{http: c.http.WithToken(token)}
}

// Login authenticates with a login id (email or username) and returns the
// session token from the Token response header.
func (c *Client) Login(ctx context.Context, loginID, password string) (User, string, error) {
	var user User
	resp, err := c.http.WithToken("").Do(ctx, http.MethodPost, apiPrefix+"/users/login", nil, map[string]string{
		"login_id": loginID,
		"password": password,
	}, &user)
	if err != nil {
		return User{}, "", fmt.Errorf("mattermost login: %w", err)
	}
	token := resp.Header.Get("Token")
	if token == "" {
		return User{}, "", ErrMissingToken
	}
	return user, token, nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var user User
	if err := c.http.DoJSON(ctx, http.MethodGet, apiPrefix+"/users/me", nil, &user); err != nil {
		return User{}, fmt.Errorf("get current user: %w", err)
	}
	return user, nil
}

func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (User, error) {
	var user User
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/users", req, &user); err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetUserByEmail returns nil without error when no account uses email.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := c.http.DoJSON(ctx, http.MethodGet, apiPrefix+"/users/email/"+url.PathEscape(email), nil, &user)
	if httpx.StatusCode(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

func (c *Client) UsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []User
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/users/ids", ids, &users); err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	return users, nil
}

func (c *Client) TeamByName(ctx context.Context, name string) (Team, error) {
	var team Team
	if err := c.http.DoJSON(ctx, http.MethodGet, apiPrefix+"/teams/name/"+url.PathEscape(name), nil, &team); err != nil {
		return Team{}, fmt.Errorf("get team %s: %w", name, err)
	}
	return team, nil
}

func (c *Client) AddTeamMember(ctx context.Context, teamID, userID string) error {
	body := map[string]string{"team_id": teamID, "user_id": userID}
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/teams/"+url.PathEscape(teamID)+"/members", body, nil); err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

// UpdatePassword sets a password without the current one; it needs an
// admin token.
func (c *Client) UpdatePassword(ctx context.Context, userID, newPassword string) error {
	body := map[string]string{"new_password": newPassword}
	if err := c.http.DoJSON(ctx, http.MethodPut, apiPrefix+"/users/"+url.PathEscape(userID)+"/password", body, nil); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (c *Client) PatchUser(ctx context.Context, userID string, patch UserPatch) error {
	if patch.FirstName == nil && patch.Email == nil {
		return nil
	}
	if err := c.http.DoJSON(ctx, http.MethodPut, apiPrefix+"/users/"+url.PathEscape(userID)+"/patch", patch, nil); err != nil {
		return fmt.Errorf("patch user: %w", err)
	}
	return nil
}

func (c *Client) MyTeams(ctx context.Context) ([]Team, error) {
	var teams []Team
	if err := c.http.DoJSON(ctx, http.MethodGet, apiPrefix+"/users/me/teams", nil, &teams); err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return teams, nil
}

func (c *Client) MyChannels(ctx context.Context, teamID string) ([]Channel, error) {
	var channels []Channel
	if err := c.http.DoJSON(ctx, http.MethodGet, apiPrefix+"/users/me/teams/"+url.PathEscape(teamID)+"/channels", nil, &channels); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

func (c *Client) ChannelMembers(ctx context.Context, channelID string) ([]ChannelMember, error) {
	var members []ChannelMember
	path := apiPrefix + "/channels/" + url.PathEscape(channelID) + "/members?per_page=" + strconv.Itoa(maxPerPage)
	if err := c.http.DoJSON(ctx, http.MethodGet, path, nil, &members); err != nil {
		return nil, fmt.Errorf("list channel members: %w", err)
	}
	return members, nil
}

// Posts returns up to limit of the newest posts of a channel, newest first.
func (c *Client) Posts(ctx context.Context, channelID string, limit int) ([]Post, error) {
	var out []Post
	for page := 0; len(out) < limit; page++ {
		perPage := min(maxPerPage, limit-len(out))
		var list PostList
		path := fmt.Sprintf("%s/channels/%s/posts?page=%d&per_page=%d", apiPrefix, url.PathEscape(channelID), page, perPage)
		if err := c.http.DoJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		posts := list.Ordered()
		out = append(out, posts...)
		if len(posts) < perPage {
			break
		}
	}
	return out, nil
}

func (c *Client) CreatePost(ctx context.Context, post Post) (Post, error) {
	var created Post
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/posts", post, &created); err != nil {
		return Post{}, fmt.Errorf("create post: %w", err)
	}
	return created, nil
}

func (c *Client) PatchPost(ctx context.Context, postID, message string) (Post, error) {
	var patched Post
	body := map[string]string{"message": message}
	if err := c.http.DoJSON(ctx, http.MethodPut, apiPrefix+"/posts/"+url.PathEscape(postID)+"/patch", body, &patched); err != nil {
		return Post{}, fmt.Errorf("patch post: %w", err)
	}
	return patched, nil
}

func (c *Client) DeletePost(ctx context.Context, postID string) error {
	if err := c.http.DoJSON(ctx, http.MethodDelete, apiPrefix+"/posts/"+url.PathEscape(postID), nil, nil); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (c *Client) SaveReaction(ctx context.Context, reaction Reaction) (Reaction, error) {
	var saved Reaction
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/reactions", reaction, &saved); err != nil {
		return Reaction{}, fmt.Errorf("save reaction: %w", err)
	}
	return saved, nil
}

func (c *Client) DeleteReaction(ctx context.Context, userID, postID, emoji string) error {
	path := fmt.Sprintf("%s/users/%s/posts/%s/reactions/%s", apiPrefix, url.PathEscape(userID), url.PathEscape(postID), url.PathEscape(emoji))
	if err := c.http.DoJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// ViewChannel marks the channel read for userID.
func (c *Client) ViewChannel(ctx context.Context, userID, channelID string) error {
	body := map[string]string{"channel_id": channelID}
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/channels/members/"+url.PathEscape(userID)+"/view", body, nil); err != nil {
		return fmt.Errorf("view channel: %w", err)
	}
	return nil
}

func (c *Client) Channel(ctx context.Context, channelID string) (Channel, error) {
	var channel Channel
	if err := c.http.DoJSON(ctx, http.MethodGet, apiPrefix+"/channels/"+url.PathEscape(channelID), nil, &channel); err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return channel, nil
}

// CreateDirectChannel returns the direct channel between two users,
// creating it when missing.
func (c *Client) CreateDirectChannel(ctx context.Context, userID, otherID string) (Channel, error) {
	var channel Channel
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/channels/direct", []string{userID, otherID}, &channel); err != nil {
		return Channel{}, fmt.Errorf("create direct channel: %w", err)
	}
	return channel, nil
}

// CreateGroupChannel opens an unnamed group channel; userIDs must include
// the caller.
func (c *Client) CreateGroupChannel(ctx context.Context, userIDs []string) (Channel, error) {
	var channel Channel
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/channels/group", userIDs, &channel); err != nil {
		return Channel{}, fmt.Errorf("create group channel: %w", err)
	}
	return channel, nil
}

func (c *Client) CreateChannel(ctx context.Context, channel Channel) (Channel, error) {
	var created Channel
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/channels", channel, &created); err != nil {
		return Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return created, nil
}

func (c *Client) AddChannelMember(ctx context.Context, channelID, userID string) error {
	body := map[string]string{"user_id": userID}
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/channels/"+url.PathEscape(channelID)+"/members", body, nil); err != nil {
		return fmt.Errorf("add channel member: %w", err)
	}
	return nil
}

// UserTyping broadcasts that userID is typing in the channel.
func (c *Client) UserTyping(ctx context.Context, userID, channelID string) error {
	body := map[string]string{"channel_id": channelID}
	if err := c.http.DoJSON(ctx, http.MethodPost, apiPrefix+"/users/"+url.PathEscape(userID)+"/typing", body, nil); err != nil {
		return fmt.Errorf("user typing: %w", err)
	}
	return nil
}
