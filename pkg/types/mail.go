package types

// Flags is a compact encoding of the message flags the client tracks.
// bit 0 = \Seen, bit 1 = \Flagged.
type Flags uint8

const (
	FlagSeen    Flags = 1 << 0
	FlagFlagged Flags = 1 << 1
)

// FlagsFrom builds a Flags byte from the two derived booleans.
func FlagsFrom(seen, flagged bool) Flags {
	var f Flags
	if seen {
		f |= FlagSeen
	}
	if flagged {
		f |= FlagFlagged
	}
	return f
}

// Seen reports whether the \Seen bit is set.
func (f Flags) Seen() bool { return f&FlagSeen != 0 }

// Flagged reports whether the \Flagged bit is set.
func (f Flags) Flagged() bool { return f&FlagFlagged != 0 }

// Folder represents a mailbox on the server, identified within an account
// by a stable numeric id.
type Folder struct {
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	MailboxID   uint64 `json:"mailbox_id"`
	UnreadCount uint32 `json:"unread_count"`
	TotalCount  uint32 `json:"total_count"`
}

// MessageSummary is the list-view projection of a message (no body).
// IsRead/IsStarred are derived from the effective flags: the locally
// intended flags while an operation is pending, the server flags otherwise.
type MessageSummary struct {
	AccountID       string `json:"account_id"`
	MailboxID       uint64 `json:"mailbox_id"`
	MessageID       uint64 `json:"message_id"`
	UID             uint32 `json:"uid"`
	Subject         string `json:"subject"`
	From            string `json:"from"`
	Date            string `json:"date"`
	Timestamp       int64  `json:"timestamp"`
	IsRead          bool   `json:"is_read"`
	IsStarred       bool   `json:"is_starred"`
	HasAttachments  bool   `json:"has_attachments"`
	ThreadID        uint64 `json:"thread_id,omitempty"` // 0 = not part of a thread
	ThreadDepth     int    `json:"thread_depth"`
	MessageIDHeader string `json:"message_id_header,omitempty"`
	InReplyTo       string `json:"in_reply_to,omitempty"`
}

// AttachmentData is a cached attachment with its raw bytes.
type AttachmentData struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// MessageBody holds the rendered bodies and attachments for the preview pane.
type MessageBody struct {
	MessageID   uint64
	Markdown    string
	Plain       string
	Attachments []AttachmentData
}

// ConnectionState tracks the per-account session lifecycle.
type ConnectionState int

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnSyncing
	ConnError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnSyncing:
		return "syncing"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}
