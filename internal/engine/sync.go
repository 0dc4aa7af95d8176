package engine

import (
	"context"
	"time"

	"github.com/jstelzer/nevermail/internal/cache"
	"github.com/jstelzer/nevermail/pkg/types"
)

const (
	// fetchLimit caps how many recent summaries one folder sync pulls.
	fetchLimit = 100

	// reconnectDelay is the backoff before redialing a failed account.
	reconnectDelay = 5 * time.Second
)

// startAccount begins the cached-first startup sequence: show what the cache
// has immediately, dial in the background.
func (e *Engine) startAccount(acct *account) []cmd {
	acct.state = types.ConnConnecting
	if acct == e.active() {
		e.view.State = acct.state
	}

	cmds := []cmd{e.connectCmd(acct)}
	if e.store != nil {
		cmds = append(cmds, e.loadCachedFoldersCmd(acct))
	}
	return cmds
}

func (e *Engine) connectCmd(acct *account) cmd {
	name, cfg := acct.cfg.Name, acct.cfg
	return func(ctx context.Context) msg {
		session, err := e.dial(ctx, cfg)
		if err != nil {
			return accountConnectFailed{account: name, err: err}
		}
		return accountConnected{account: name, session: session}
	}
}

func (e *Engine) loadCachedFoldersCmd(acct *account) cmd {
	name := acct.cfg.Name
	return func(ctx context.Context) msg {
		folders, err := e.store.LoadFolders(ctx, name)
		if err != nil || len(folders) == 0 {
			return nil
		}
		return cachedFoldersLoaded{account: name, folders: folders}
	}
}

func (e *Engine) onConnectFailed(m accountConnectFailed) []cmd {
	acct := e.accounts[m.account]
	if acct == nil {
		return nil
	}
	e.logger.WithError(m.err).WithField("account", m.account).Warn("Connect failed")

	acct.state = types.ConnError
	acct.lastError = m.err.Error()
	if acct == e.active() {
		e.view.State = acct.state
		e.setStatus("%d folders (offline - %s)", len(acct.folders), acct.lastError)
	}
	return e.scheduleReconnect(acct)
}

func (e *Engine) onCachedFolders(m cachedFoldersLoaded) []cmd {
	acct := e.accounts[m.account]
	if acct == nil || acct.synced {
		// A live fetch already landed; the cached copy is older.
		return nil
	}
	acct.folders = m.folders

	if acct != e.active() {
		return nil
	}
	e.view.Folders = acct.folders
	e.setStatus("%d folders (cached)", len(acct.folders))
	return e.showFolder(acct, acct.folder)
}

// showFolder points the account (and view, when active) at a folder and
// loads its first cached page.
func (e *Engine) showFolder(acct *account, path string) []cmd {
	acct.folder = path
	if f, ok := acct.folderByPath(path); ok {
		acct.folderID = f.MailboxID
	}
	if acct == e.active() {
		e.view.Searching = false
		e.view.Body = nil
		for i, f := range e.view.Folders {
			if f.Path == path {
				e.view.Folder = i
			}
		}
	}
	if e.store == nil {
		return nil
	}
	return []cmd{e.loadPageCmd(acct, acct.folderID, 0, cache.DefaultPageSize)}
}

func (e *Engine) loadPageCmd(acct *account, mailboxID uint64, offset, limit uint32) cmd {
	name := acct.cfg.Name
	return func(ctx context.Context) msg {
		msgs, err := e.store.LoadMessages(ctx, name, mailboxID, limit, offset)
		if err != nil {
			return pageLoaded{account: name, mailboxID: mailboxID, offset: offset, err: err}
		}
		total, err := e.store.MessageCount(ctx, name, mailboxID)
		return pageLoaded{account: name, mailboxID: mailboxID, offset: offset, msgs: msgs, total: total, err: err}
	}
}

func (e *Engine) onPageLoaded(m pageLoaded) []cmd {
	acct := e.accounts[m.account]
	if acct == nil || acct != e.active() || m.mailboxID != acct.folderID {
		return nil
	}
	if m.err != nil {
		e.logger.WithError(m.err).Warn("Cache page load failed")
		return nil
	}
	if e.view.Searching {
		return nil
	}

	if m.offset == 0 {
		e.view.Messages = m.msgs
	} else {
		e.view.Messages = append(e.view.Messages, m.msgs...)
	}
	e.view.HasMore = uint32(len(e.view.Messages)) < m.total
	e.clampSelection()
	return nil
}

func (e *Engine) onConnected(m accountConnected) []cmd {
	acct := e.accounts[m.account]
	if acct == nil {
		m.session.Close() //nolint:errcheck
		return nil
	}
	acct.session = m.session
	acct.sender = e.sender(acct.cfg)
	acct.state = types.ConnSyncing
	acct.lastError = ""
	if acct == e.active() {
		e.view.State = acct.state
		e.setStatus("%d folders (syncing...)", len(acct.folders))
	}
	e.logger.WithField("account", m.account).Info("Account connected")

	return []cmd{e.fetchFoldersCmd(acct), e.watchCmd(acct, acct.folder)}
}

func (e *Engine) fetchFoldersCmd(acct *account) cmd {
	name, session := acct.cfg.Name, acct.session
	return func(ctx context.Context) msg {
		folders, err := session.FetchFolders(ctx)
		return foldersFetched{account: name, folders: folders, err: err}
	}
}

func (e *Engine) onFoldersFetched(m foldersFetched) []cmd {
	acct := e.accounts[m.account]
	if acct == nil || acct.session == nil {
		return nil
	}
	if m.err != nil {
		return e.degrade(acct, m.err)
	}

	acct.folders = m.folders
	acct.synced = true
	if f, ok := acct.folderByPath(acct.folder); ok {
		acct.folderID = f.MailboxID
	}
	if acct == e.active() {
		e.view.Folders = acct.folders
		for i, f := range acct.folders {
			if f.Path == acct.folder {
				e.view.Folder = i
			}
		}
		e.setStatus("%d folders (syncing...)", len(acct.folders))
	}

	cmds := []cmd{e.fetchMessagesCmd(acct, acct.folder)}
	if e.store != nil {
		name, folders := acct.cfg.Name, acct.folders
		cmds = append(cmds, func(ctx context.Context) msg {
			if err := e.store.SaveFolders(ctx, name, folders); err != nil {
				e.logger.WithError(err).Warn("Folder cache write failed")
			}
			return nil
		})
	}
	return cmds
}

func (e *Engine) fetchMessagesCmd(acct *account, folderPath string) cmd {
	name, session := acct.cfg.Name, acct.session
	var mailboxID uint64
	if f, ok := acct.folderByPath(folderPath); ok {
		mailboxID = f.MailboxID
	}
	return func(ctx context.Context) msg {
		msgs, err := session.FetchMessages(ctx, folderPath, fetchLimit)
		return messagesFetched{account: name, folderPath: folderPath, mailboxID: mailboxID, msgs: msgs, err: err}
	}
}

func (e *Engine) onMessagesFetched(m messagesFetched) []cmd {
	acct := e.accounts[m.account]
	if acct == nil || acct.session == nil {
		return nil
	}
	if m.err != nil {
		return e.degrade(acct, m.err)
	}

	acct.state = types.ConnConnected
	if acct == e.active() {
		e.view.State = acct.state
		e.setStatus("%d folders", len(acct.folders))
	}

	if e.store == nil {
		if acct == e.active() && m.mailboxID == acct.folderID && !e.view.Searching {
			e.view.Messages = m.msgs
			e.clampSelection()
		}
		return nil
	}

	// Save then repage from the cache so pending local state wins over the
	// raw server view.
	name := acct.cfg.Name
	loaded := uint32(len(e.view.Messages))
	limit := uint32(cache.DefaultPageSize)
	if acct == e.active() && m.mailboxID == acct.folderID && loaded > limit {
		limit = loaded
	}
	save := func(ctx context.Context) msg {
		if err := e.store.SaveMessages(ctx, name, m.mailboxID, m.msgs); err != nil {
			e.logger.WithError(err).Warn("Message cache write failed")
			return nil
		}
		msgs, err := e.store.LoadMessages(ctx, name, m.mailboxID, limit, 0)
		if err != nil {
			return pageLoaded{account: name, mailboxID: m.mailboxID, offset: 0, err: err}
		}
		total, err := e.store.MessageCount(ctx, name, m.mailboxID)
		return pageLoaded{account: name, mailboxID: m.mailboxID, offset: 0, msgs: msgs, total: total, err: err}
	}
	return []cmd{save}
}

// degrade drops a failed session, surfaces the error, and schedules a
// reconnect.
func (e *Engine) degrade(acct *account, err error) []cmd {
	e.logger.WithError(err).WithField("account", acct.cfg.Name).Warn("Connection lost")

	if acct.session != nil {
		session := acct.session
		go session.Close() //nolint:errcheck
		acct.session = nil
	}
	acct.watchGen++
	acct.watching = false
	if acct.watchStop != nil {
		close(acct.watchStop)
		acct.watchStop = nil
	}
	acct.state = types.ConnError
	acct.lastError = err.Error()
	if acct == e.active() {
		e.view.State = acct.state
		e.setStatus("%d folders (offline - %s)", len(acct.folders), acct.lastError)
	}
	return e.scheduleReconnect(acct)
}

func (e *Engine) scheduleReconnect(acct *account) []cmd {
	if acct.reconnects {
		return nil
	}
	acct.reconnects = true
	name := acct.cfg.Name
	return []cmd{func(ctx context.Context) msg {
		if !sleep(ctx, reconnectDelay) {
			return nil
		}
		return reconnectDue{account: name}
	}}
}

func (e *Engine) onReconnectDue(m reconnectDue) []cmd {
	acct := e.accounts[m.account]
	if acct == nil {
		return nil
	}
	acct.reconnects = false
	if acct.state != types.ConnError && acct.state != types.ConnDisconnected {
		return nil
	}
	acct.state = types.ConnConnecting
	if acct == e.active() {
		e.view.State = acct.state
	}
	return []cmd{e.connectCmd(acct)}
}

func (e *Engine) refreshTimer() cmd {
	interval := time.Duration(e.cfg.RefreshIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return func(ctx context.Context) msg {
		if !sleep(ctx, interval) {
			return nil
		}
		return refreshDue{}
	}
}

// onRefreshDue resyncs every connected account and re-arms the timer.
func (e *Engine) onRefreshDue() []cmd {
	cmds := []cmd{e.refreshTimer()}
	for _, name := range e.order {
		acct := e.accounts[name]
		if acct.session == nil || acct.state != types.ConnConnected {
			continue
		}
		acct.state = types.ConnSyncing
		if acct == e.active() {
			e.view.State = acct.state
			e.setStatus("%d folders (syncing...)", len(acct.folders))
		}
		cmds = append(cmds, e.fetchFoldersCmd(acct))
	}
	return cmds
}

// User navigation handlers.

func (e *Engine) onSelectAccount(m selectAccountIntent) []cmd {
	acct := e.accounts[m.name]
	if acct == nil || m.name == e.view.Account {
		return nil
	}
	e.view.Account = m.name
	e.view.State = acct.state
	e.view.Folders = acct.folders
	e.view.Messages = nil
	e.view.Selected = 0
	e.view.Body = nil
	e.view.HasMore = false
	e.view.Searching = false
	e.setStatus("%d folders", len(acct.folders))
	return e.showFolder(acct, acct.folder)
}

func (e *Engine) onOpenFolder(m openFolderIntent) []cmd {
	acct := e.active()
	if acct == nil || m.index < 0 || m.index >= len(e.view.Folders) {
		return nil
	}
	folder := e.view.Folders[m.index]
	e.view.Folder = m.index
	e.view.Selected = 0
	e.view.Messages = nil
	e.view.HasMore = false

	cmds := e.showFolder(acct, folder.Path)
	if acct.session != nil {
		cmds = append(cmds, e.fetchMessagesCmd(acct, folder.Path))
		cmds = append(cmds, e.rewatch(acct, folder.Path)...)
	}
	return cmds
}

func (e *Engine) onSelectMessage(m selectMessageIntent) []cmd {
	if m.index >= 0 && m.index < len(e.view.Messages) {
		e.view.Selected = m.index
		e.view.Body = nil
	}
	return nil
}

// onLoadMore pages further into the cache. Pagination never touches the
// network; older mail beyond the sync window is whatever the cache holds.
func (e *Engine) onLoadMore() []cmd {
	acct := e.active()
	if acct == nil || e.store == nil || e.view.Searching || !e.view.HasMore {
		return nil
	}
	return []cmd{e.loadPageCmd(acct, acct.folderID, uint32(len(e.view.Messages)), cache.DefaultPageSize)}
}

func (e *Engine) clampSelection() {
	if e.view.Selected >= len(e.view.Messages) {
		e.view.Selected = len(e.view.Messages) - 1
	}
	if e.view.Selected < 0 {
		e.view.Selected = 0
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
