package engine

import (
	"context"
	"strings"
)

// onSearchIntent runs a full-text query over the active account's cache.
// Search never touches the network; it sees exactly what has been synced.
func (e *Engine) onSearchIntent(m searchIntent) []cmd {
	acct := e.active()
	if acct == nil || strings.TrimSpace(m.query) == "" {
		return nil
	}
	if e.store == nil {
		e.setStatus("Search unavailable without cache")
		return nil
	}

	e.setStatus("Searching...")
	name, query := acct.cfg.Name, m.query
	return []cmd{func(ctx context.Context) msg {
		msgs, err := e.store.Search(ctx, name, query)
		return searchFinished{account: name, query: query, msgs: msgs, err: err}
	}}
}

func (e *Engine) onSearchFinished(m searchFinished) []cmd {
	if m.account != e.view.Account {
		return nil
	}
	if m.err != nil {
		e.setStatus("Search failed: %s", m.err)
		return nil
	}

	e.view.Searching = true
	e.view.Messages = m.msgs
	e.view.Selected = 0
	e.view.Body = nil
	e.view.HasMore = false
	e.setStatus("%d results for %q", len(m.msgs), m.query)
	return nil
}

// onClearSearch leaves search mode and restores the current folder page.
func (e *Engine) onClearSearch() []cmd {
	if !e.view.Searching {
		return nil
	}
	acct := e.active()
	if acct == nil {
		return nil
	}
	e.view.Searching = false
	e.view.Messages = nil
	e.view.Selected = 0
	e.view.HasMore = false
	e.setStatus("%d folders", len(acct.folders))
	return e.showFolder(acct, acct.folder)
}
