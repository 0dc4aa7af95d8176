package engine

import (
	"strings"

	"github.com/jstelzer/nevermail/internal/config"
	"github.com/jstelzer/nevermail/internal/mail"
	"github.com/jstelzer/nevermail/pkg/types"
)

// flagOp is an in-flight optimistic flag change. The token orders competing
// toggles on the same message: only the completion carrying the latest token
// may reconcile the cache, earlier ones are stale and ignored.
type flagOp struct {
	token  uint64
	server types.Flags
}

// moveSnapshot captures what is needed to undo an optimistic move.
type moveSnapshot struct {
	message types.MessageSummary
	index   int
}

// account is the engine-side state of one configured account.
type account struct {
	cfg   *config.AccountConfig
	state types.ConnectionState

	session mail.Session
	sender  Sender

	folders    []types.Folder
	folder     string // displayed folder path
	folderID   uint64
	synced     bool // at least one successful folder fetch this connection
	lastError  string
	nextToken  uint64
	flagOps    map[uint64]flagOp
	moves      map[uint64]moveSnapshot
	watchGen   uint64 // increments on every watch (re)start, guards stale stream msgs
	watchStop  chan struct{}
	watching   bool
	reconnects bool // a reconnect timer is pending
}

func newAccount(cfg *config.AccountConfig) *account {
	return &account{
		cfg:     cfg,
		state:   types.ConnDisconnected,
		folder:  "INBOX",
		flagOps: make(map[uint64]flagOp),
		moves:   make(map[uint64]moveSnapshot),
	}
}

// issueToken registers a new flag operation for a message, superseding any
// in-flight one.
func (a *account) issueToken(messageID uint64, server types.Flags) uint64 {
	a.nextToken++
	a.flagOps[messageID] = flagOp{token: a.nextToken, server: server}
	return a.nextToken
}

// currentToken reports the latest token for a message, zero when none.
func (a *account) currentToken(messageID uint64) uint64 {
	return a.flagOps[messageID].token
}

// folderByPath finds a folder by exact path.
func (a *account) folderByPath(path string) (types.Folder, bool) {
	for _, f := range a.folders {
		if f.Path == path {
			return f, true
		}
	}
	return types.Folder{}, false
}

// folderPathByID finds a folder path by its mailbox id.
func (a *account) folderPathByID(mailboxID uint64) (string, bool) {
	for _, f := range a.folders {
		if f.MailboxID == mailboxID {
			return f.Path, true
		}
	}
	return "", false
}

// resolveSpecial resolves a symbolic destination like Trash or Archive to a
// concrete folder, trying the bare name and the INBOX-prefixed form.
func (a *account) resolveSpecial(name string) (types.Folder, bool) {
	candidates := []string{name, "INBOX." + name, "INBOX/" + name}
	for _, f := range a.folders {
		for _, c := range candidates {
			if strings.EqualFold(f.Path, c) {
				return f, true
			}
		}
	}
	return types.Folder{}, false
}
