// Package domain defines the chat-boundary types: what a front end
// sends in, and the transport-agnostic reply it gets back. No messenger
// SDK leaks past this package; delivery (Telegram, web widget, CLI) is
// the caller's problem.
package domain

// Commands recognized by the concierge. Button labels double as the
// command text, so a tapped keyboard button and a typed message follow
// the same path.
const (
	CmdStart     = "/start"
	Cmd3DSCode   = "🔐 3DS Code"
	CmdStatement = "📜 Statement"
	CmdLogout    = "❌ Logout"
)

// MainKeyboard is the button layout offered once a user is verified.
var MainKeyboard = []string{Cmd3DSCode, CmdStatement, CmdLogout}

// Incoming is a single user message entering the concierge.
type Incoming struct {
	// UserID is the front end's stable identifier for the sender.
	UserID string `json:"user_id"`

	// Text is the raw message body: a command, a button label, or
	// an ownership claim.
	Text string `json:"text"`
}

// Reply is everything the front end needs to answer one Incoming.
// Messages are sent in order; a Document, when present, is delivered
// after them as a file attachment.
type Reply struct {
	Messages []string `json:"messages"`

	// Keyboard replaces the user's button layout when non-empty.
	Keyboard []string `json:"keyboard,omitempty"`

	// RemoveKeyboard clears any existing layout (logout, expiry).
	RemoveKeyboard bool `json:"remove_keyboard,omitempty"`

	Document *Document `json:"document,omitempty"`
}

// Document is a file attachment, used when a statement outgrows the
// inline message ceiling.
type Document struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
	Caption string `json:"caption,omitempty"`
}
