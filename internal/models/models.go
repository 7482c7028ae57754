package models

import "time"

// AdminIdentity is the session identity used for the administrator.
const AdminIdentity = "ADMIN"

type Tier string

const (
	TierStudent Tier = "student"
	TierAdmin   Tier = "admin"
)

type UsageKind string

const (
	UsageChat  UsageKind = "chat"
	UsageImage UsageKind = "image"
)

// Account is one roster row of the identity table. Row is the 1-based
// store row used for later cell updates.
type Account struct {
	Row       int
	StudentID string
	PIN       string
	CreatedAt string
	LastLogin string
}

// Provisioned reports whether the account already has a PIN.
func (a Account) Provisioned() bool {
	return a.PIN != ""
}

type UsageEvent struct {
	Timestamp time.Time
	Identity  string
	Input     string
	Output    string
	Kind      UsageKind
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageError MessageType = "error"
)

// Message is one entry of the visible transcript. Image entries carry the
// image URL in Content.
type Message struct {
	Role    string      `json:"role"`
	Content string      `json:"content"`
	Type    MessageType `json:"type"`
}

type Attachment struct {
	ContentType string
	Data        []byte
}

// Session is the per-connection authentication and usage state. The
// counts are a cache of the usage ledger for Day.
type Session struct {
	Identity   string
	Tier       Tier
	LoggedIn   bool
	ChatCount  int
	ImageCount int
	Day        time.Time
	Transcript []Message
}

// Reset returns the session to the anonymous state.
func (s *Session) Reset() {
	*s = Session{}
}

func (s *Session) IsAdmin() bool {
	return s.LoggedIn && s.Tier == TierAdmin
}
