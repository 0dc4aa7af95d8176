package engine

import (
	"github.com/jstelzer/nevermail/internal/mail"
	"github.com/jstelzer/nevermail/pkg/types"
)

// Internal messages. One type per asynchronous completion plus one per user
// intent; the update loop is the only consumer.

type accountConnected struct {
	account string
	session mail.Session
}

type accountConnectFailed struct {
	account string
	err     error
}

type reconnectDue struct {
	account string
	gen     uint64
}

type refreshDue struct{}

type cachedFoldersLoaded struct {
	account string
	folders []types.Folder
}

type foldersFetched struct {
	account string
	folders []types.Folder
	err     error
}

// pageLoaded carries one cache page of message summaries plus the total
// number of cached messages in the mailbox.
type pageLoaded struct {
	account   string
	mailboxID uint64
	offset    uint32
	msgs      []types.MessageSummary
	total     uint32
	err       error
}

type messagesFetched struct {
	account    string
	folderPath string
	mailboxID  uint64
	msgs       []types.MessageSummary
	err        error
}

type bodyLoaded struct {
	messageID uint64
	body      *types.MessageBody
	err       error
}

type flagConfirmed struct {
	account   string
	messageID uint64
	token     uint64
	flags     types.Flags
	err       error
}

type moveFinished struct {
	account   string
	messageID uint64
	err       error
}

type watchNotice struct {
	account string
	gen     uint64
	event   mail.Event
}

type watchStopped struct {
	account string
	gen     uint64
	err     error
}

type searchFinished struct {
	account string
	query   string
	msgs    []types.MessageSummary
	err     error
}

type sendFinished struct {
	account string
	err     error
}

// User intents.

type selectAccountIntent struct{ name string }

type openFolderIntent struct{ index int }

type selectMessageIntent struct{ index int }

type openMessageIntent struct{}

type loadMoreIntent struct{}

type toggleFlagIntent struct{ flag types.Flags }

// Move targets.
type moveTarget int

const (
	targetTrash moveTarget = iota
	targetArchive
	targetExplicit
)

// moveIntent moves the message at a list index, which need not be the
// selected one (drag and drop moves arbitrary rows).
type moveIntent struct {
	target moveTarget
	path   string
	index  int
}

type searchIntent struct{ query string }

type clearSearchIntent struct{}

type sendIntent struct {
	account string
	out     *mail.Outgoing
}
