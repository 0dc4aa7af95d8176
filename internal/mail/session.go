package mail

import (
	"context"

	"github.com/jstelzer/nevermail/pkg/types"
)

// Session is an authenticated connection to one account's mail server. The
// sync engine depends only on this interface; the IMAP implementation lives
// in this package and tests substitute a fake.
//
// All methods may block on the network and honor ctx cancellation. A session
// that returns an error from any method should be considered dead: the
// caller drops it and dials a fresh one.
type Session interface {
	// FetchFolders lists the selectable folders with their message counts.
	FetchFolders(ctx context.Context) ([]types.Folder, error)

	// FetchMessages returns summaries for the newest messages in a folder,
	// capped at limit, with thread links assigned.
	FetchMessages(ctx context.Context, folderPath string, limit uint32) ([]types.MessageSummary, error)

	// FetchBody downloads and renders one message body with attachments.
	FetchBody(ctx context.Context, folderPath string, uid uint32) (*Body, error)

	// SetFlags replaces the message's flags on the server and returns the
	// server-confirmed flag set, which may differ from the requested one.
	SetFlags(ctx context.Context, folderPath string, uid uint32, flags types.Flags) (types.Flags, error)

	// Move moves a message to another folder on the same account.
	Move(ctx context.Context, folderPath string, uid uint32, destPath string) error

	// Watch streams mailbox change events for one folder until ctx is
	// cancelled or the connection fails, in which case it returns the
	// terminating error. Events are delivered in server order.
	Watch(ctx context.Context, folderPath string, events chan<- Event) error

	// Close logs out and releases the connection.
	Close() error
}

// Body is a rendered message body as produced by FetchBody.
type Body struct {
	Markdown    string
	Plain       string
	Attachments []types.AttachmentData
}

// Event is a mailbox change notification delivered by Watch.
type Event interface {
	watchEvent()
}

// NewMessage reports a message that appeared in the watched folder. The
// summary carries enough for an embedding UI to raise a notification.
type NewMessage struct {
	Folder  string
	Summary types.MessageSummary
}

// MessageRemoved reports a message expunged from the watched folder.
type MessageRemoved struct {
	Folder    string
	MessageID uint64
}

// FlagsChanged reports a server-side flag update. Flags is the full new
// server flag set and is authoritative.
type FlagsChanged struct {
	Folder    string
	MessageID uint64
	Flags     types.Flags
}

// Rescan asks the consumer to refetch the folder wholesale, used when the
// change stream cannot express what happened.
type Rescan struct {
	Folder string
}

func (NewMessage) watchEvent()     {}
func (MessageRemoved) watchEvent() {}
func (FlagsChanged) watchEvent()   {}
func (Rescan) watchEvent()         {}
