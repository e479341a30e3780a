// Package notifier contains the core domain types for the forum notification service.
package notifier

import "time"

// User statuses. Only active users are scanned.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// User is a recipient of notifications.
type User struct {
	Email  string `json:"email" db:"email"`
	Status string `json:"status" db:"status"`
	ID     int64  `json:"id" db:"id"`
}

// Colors holds the CSS background colours used when rendering a thread's messages.
// They affect presentation only and never take part in fingerprinting.
type Colors struct {
	Message string `json:"message" db:"color_message"`
	Quote   string `json:"quote" db:"color_quote"`
	Spoiler string `json:"spoiler" db:"color_spoiler"`
}

// ThreadTarget is a tracked forum thread as configured by a user.
type ThreadTarget struct {
	Title  string `json:"title" db:"title"`
	URL    string `json:"url" db:"url"` // Base thread URL, pages are URL/page-N
	Colors Colors `json:"colors"`
	ID     int64  `json:"id" db:"id"`
	UserID int64  `json:"user_id" db:"user_id"`
	Paused bool   `json:"paused" db:"paused"`
}

// RawPage is the HTML of one fetched thread page.
type RawPage struct {
	URL    string
	HTML   string
	Number int
}

// BlockKind identifies the type of a content block.
type BlockKind string

// Block kinds.
const (
	KindQuote   BlockKind = "quote"
	KindBody    BlockKind = "body"
	KindSpoiler BlockKind = "spoiler"
)

// Block is one typed piece of a message.
// Quote blocks use Author and Text, body blocks use Text, spoiler blocks use Title and Text.
// Line breaks inside Text are "\n".
type Block struct {
	Kind   BlockKind
	Author string
	Title  string
	Text   string
}

// Message is the canonical, styling-free form of one forum post.
type Message struct {
	Blocks []Block
}

// SeenRecord marks a message fingerprint as delivered to a user for a thread.
type SeenRecord struct {
	SeenAt      time.Time `json:"seen_at" db:"sent_at"`
	Fingerprint string    `json:"fingerprint" db:"message_hash"`
	UserID      int64     `json:"user_id" db:"user_id"`
	ThreadID    int64     `json:"thread_id" db:"thread_id"`
}

// Batch is a set of rendered messages for one thread, ready for delivery.
type Batch struct {
	ThreadTitle string
	ThreadURL   string
	Messages    []string // Rendered HTML fragments in forum order
	Failure     bool     // Set when the thread could not be scanned at all
}
