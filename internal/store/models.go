package store

import (
	"strconv"
	"time"
)

type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Name         string
	Role         string
	Chat         ChatCredentials
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// IDString is the form used in token subjects and chat usernames.
func (u User) IDString() string {
	return strconv.FormatInt(u.ID, 10)
}

func (u User) HasChatAccount() bool {
	return u.Chat.UserID != ""
}

// ChatCredentials is the chat server account bridged to an app user.
type ChatCredentials struct {
	Provider    string
	UserID      string
	AccessToken string
	DeviceID    string
}

type NewUser struct {
	Email        string
	PasswordHash string
	Name         string
	Role         string
}

// ProfilePatch carries optional profile changes; nil fields are left as is.
type ProfilePatch struct {
	Name  *string
	Email *string
}

type UserPage struct {
	Users []User
	Total int
}
