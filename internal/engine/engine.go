package engine

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/jstelzer/nevermail/internal/cache"
	"github.com/jstelzer/nevermail/internal/config"
	"github.com/jstelzer/nevermail/internal/mail"
	"github.com/jstelzer/nevermail/pkg/types"
)

// bodyCacheSize bounds the in-memory LRU of rendered bodies.
const bodyCacheSize = 64

// msg is an internal event consumed by the update loop.
type msg interface{}

// cmd is asynchronous work spawned by the update loop. A cmd runs on its own
// goroutine and posts at most one follow-up msg; it never touches engine
// state directly.
type cmd func(ctx context.Context) msg

// Dialer opens an authenticated session for an account. Production wires
// mail.DialIMAP; tests substitute fakes.
type Dialer func(ctx context.Context, cfg *config.AccountConfig) (mail.Session, error)

// Sender submits an outgoing message for an account.
type Sender interface {
	Send(ctx context.Context, msg *mail.Outgoing) error
}

// View is the renderable engine state handed to the UI after every update.
// The callback runs on the engine goroutine; embedders must copy what they
// keep.
type View struct {
	Account  string
	State    types.ConnectionState
	Status   string
	Folders  []types.Folder
	Folder   int
	Messages []types.MessageSummary
	Selected int
	Body     *types.MessageBody

	// HasMore reports whether the cache holds messages beyond the loaded
	// pages of the current folder.
	HasMore bool

	// Searching is set while search results are displayed in Messages.
	Searching bool
}

// Engine coordinates the cache, the mail sessions, and the view. All state
// lives on a single goroutine fed by a message channel; public methods only
// post messages.
type Engine struct {
	store  *cache.Store // nil in cache-less fallback mode
	cfg    *config.Config
	dial   Dialer
	sender func(cfg *config.AccountConfig) Sender
	logger *logrus.Logger

	msgs   chan msg
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	accounts map[string]*account
	order    []string
	view     View
	bodies   *lru.Cache[uint64, *types.MessageBody]

	// OnUpdate, if set before Run, is called after every applied message.
	OnUpdate func(View)

	// OnNewMessage, if set before Run, is called for messages that arrive
	// while watching, so an embedder can raise a notification.
	OnNewMessage func(accountID string, m types.MessageSummary)
}

// New builds an engine for the configured accounts. A nil store is allowed:
// the engine then runs without local cache and every read goes to the
// network.
func New(cfg *config.Config, store *cache.Store, logger *logrus.Logger) *Engine {
	bodies, _ := lru.New[uint64, *types.MessageBody](bodyCacheSize)

	e := &Engine{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		msgs:     make(chan msg, 128),
		quit:     make(chan struct{}),
		accounts: make(map[string]*account),
		bodies:   bodies,
	}
	e.dial = func(ctx context.Context, ac *config.AccountConfig) (mail.Session, error) {
		return mail.DialIMAP(ac, ac.ResolvePassword(logger), logger)
	}
	e.sender = func(ac *config.AccountConfig) Sender {
		return mail.NewSMTPSender(ac, ac.ResolvePassword(logger), logger)
	}

	for i := range cfg.Accounts {
		ac := &cfg.Accounts[i]
		e.accounts[ac.Name] = newAccount(ac)
		e.order = append(e.order, ac.Name)
	}
	if len(e.order) > 0 {
		e.view.Account = e.order[0]
	}
	return e
}

// Run processes messages until ctx is cancelled. It connects every account,
// serving cached data first, and keeps them refreshed.
func (e *Engine) Run(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()
	defer close(e.quit)

	var boot []cmd
	for _, name := range e.order {
		boot = append(boot, e.startAccount(e.accounts[name])...)
	}
	boot = append(boot, e.refreshTimer())
	for _, c := range boot {
		e.spawn(c)
	}

	for {
		select {
		case <-e.ctx.Done():
			e.shutdown()
			return
		case m := <-e.msgs:
			for _, c := range e.update(m) {
				e.spawn(c)
			}
			if e.OnUpdate != nil {
				e.OnUpdate(e.view)
			}
		}
	}
}

func (e *Engine) spawn(c cmd) {
	if c == nil {
		return
	}
	go func() {
		if m := c(e.ctx); m != nil {
			e.post(m)
		}
	}()
}

// post delivers a message to the loop, dropping it once the engine stops.
func (e *Engine) post(m msg) {
	select {
	case e.msgs <- m:
	case <-e.quit:
	}
}

func (e *Engine) shutdown() {
	for _, acct := range e.accounts {
		if acct.session != nil {
			acct.session.Close() //nolint:errcheck
		}
	}
}

// update applies one message to the engine state and returns follow-up work.
func (e *Engine) update(m msg) []cmd {
	switch m := m.(type) {

	// Connection lifecycle.
	case accountConnected:
		return e.onConnected(m)
	case accountConnectFailed:
		return e.onConnectFailed(m)
	case reconnectDue:
		return e.onReconnectDue(m)
	case refreshDue:
		return e.onRefreshDue()

	// Folder and message sync.
	case cachedFoldersLoaded:
		return e.onCachedFolders(m)
	case foldersFetched:
		return e.onFoldersFetched(m)
	case pageLoaded:
		return e.onPageLoaded(m)
	case messagesFetched:
		return e.onMessagesFetched(m)

	// Bodies.
	case bodyLoaded:
		return e.onBodyLoaded(m)

	// Flags and moves.
	case flagConfirmed:
		return e.onFlagConfirmed(m)
	case moveFinished:
		return e.onMoveFinished(m)

	// Watch stream.
	case watchNotice:
		return e.onWatchNotice(m)
	case watchStopped:
		return e.onWatchStopped(m)

	// Search and send.
	case searchFinished:
		return e.onSearchFinished(m)
	case sendFinished:
		return e.onSendFinished(m)

	// User intents.
	case selectAccountIntent:
		return e.onSelectAccount(m)
	case openFolderIntent:
		return e.onOpenFolder(m)
	case selectMessageIntent:
		return e.onSelectMessage(m)
	case openMessageIntent:
		return e.onOpenMessage()
	case loadMoreIntent:
		return e.onLoadMore()
	case toggleFlagIntent:
		return e.onToggleFlag(m)
	case moveIntent:
		return e.onMoveIntent(m)
	case searchIntent:
		return e.onSearchIntent(m)
	case clearSearchIntent:
		return e.onClearSearch()
	case sendIntent:
		return e.onSendIntent(m)
	}
	return nil
}

// Snapshot returns the current view. It is only safe from the engine
// goroutine (OnUpdate) or from tests that drive update directly; embedders
// normally read state through OnUpdate.
func (e *Engine) Snapshot() View {
	return e.view
}

// active returns the account the view is showing.
func (e *Engine) active() *account {
	return e.accounts[e.view.Account]
}

func (e *Engine) setStatus(format string, args ...interface{}) {
	e.view.Status = fmt.Sprintf(format, args...)
}

// Public API. Each method posts an intent and returns immediately.

func (e *Engine) SelectAccount(name string)     { e.post(selectAccountIntent{name: name}) }
func (e *Engine) OpenFolder(index int)          { e.post(openFolderIntent{index: index}) }
func (e *Engine) SelectMessage(index int)       { e.post(selectMessageIntent{index: index}) }
func (e *Engine) OpenMessage()                  { e.post(openMessageIntent{}) }
func (e *Engine) LoadMore()                     { e.post(loadMoreIntent{}) }
func (e *Engine) ToggleRead()                   { e.post(toggleFlagIntent{flag: types.FlagSeen}) }
func (e *Engine) ToggleStar()                   { e.post(toggleFlagIntent{flag: types.FlagFlagged}) }
func (e *Engine) MoveToTrash(index int)         { e.post(moveIntent{target: targetTrash, index: index}) }
func (e *Engine) Archive(index int)             { e.post(moveIntent{target: targetArchive, index: index}) }
func (e *Engine) MoveTo(index int, path string) {
	e.post(moveIntent{target: targetExplicit, path: path, index: index})
}
func (e *Engine) Search(query string)           { e.post(searchIntent{query: query}) }
func (e *Engine) ClearSearch()                  { e.post(clearSearchIntent{}) }
func (e *Engine) Send(account string, out *mail.Outgoing) {
	e.post(sendIntent{account: account, out: out})
}
