package engine

import (
	"context"

	"github.com/jstelzer/nevermail/pkg/types"
)

// onToggleFlag flips one flag on the selected message optimistically: the
// view and the cache take the new value immediately, the server write runs
// in the background and reconciles on completion.
func (e *Engine) onToggleFlag(m toggleFlagIntent) []cmd {
	acct := e.active()
	if acct == nil || e.view.Selected >= len(e.view.Messages) {
		return nil
	}
	if acct.session == nil {
		e.setStatus("Not connected")
		return nil
	}

	sel := &e.view.Messages[e.view.Selected]
	effective := types.FlagsFrom(sel.IsRead, sel.IsStarred)

	// The revert target is the server truth from before the first in-flight
	// toggle, not the current optimistic value.
	server := effective
	if op, ok := acct.flagOps[sel.MessageID]; ok {
		server = op.server
	}

	local := effective ^ m.flag
	token := acct.issueToken(sel.MessageID, server)

	sel.IsRead = local.Seen()
	sel.IsStarred = local.Flagged()

	var cmds []cmd
	if e.store != nil {
		messageID := sel.MessageID
		op := pendingOpName(m.flag, local)
		cmds = append(cmds, func(ctx context.Context) msg {
			if err := e.store.UpdateFlags(ctx, messageID, local, op); err != nil {
				e.logger.WithError(err).Warn("Flag cache write failed")
			}
			return nil
		})
	}
	folder := acct.folder
	if path, ok := acct.folderPathByID(sel.MailboxID); ok {
		folder = path
	}
	cmds = append(cmds, e.setFlagsCmd(acct, folder, sel.MessageID, sel.UID, token, local))
	return cmds
}

func pendingOpName(flag, local types.Flags) string {
	switch {
	case flag == types.FlagSeen && local.Seen():
		return "set_seen"
	case flag == types.FlagSeen:
		return "clear_seen"
	case local.Flagged():
		return "set_flagged"
	default:
		return "clear_flagged"
	}
}

func (e *Engine) setFlagsCmd(acct *account, folder string, messageID uint64, uid uint32, token uint64, flags types.Flags) cmd {
	name, session := acct.cfg.Name, acct.session
	return func(ctx context.Context) msg {
		confirmed, err := session.SetFlags(ctx, folder, uid, flags)
		return flagConfirmed{account: name, messageID: messageID, token: token, flags: confirmed, err: err}
	}
}

// onFlagConfirmed reconciles a completed flag write. A completion whose
// token was superseded by a later toggle is stale and ignored; the newer
// operation owns the final state.
func (e *Engine) onFlagConfirmed(m flagConfirmed) []cmd {
	acct := e.accounts[m.account]
	if acct == nil {
		return nil
	}
	if m.token != acct.currentToken(m.messageID) {
		return nil
	}
	op := acct.flagOps[m.messageID]
	delete(acct.flagOps, m.messageID)

	if m.err != nil {
		e.logger.WithError(m.err).Warn("Flag update failed")
		if acct == e.active() {
			e.applyViewFlags(m.messageID, op.server)
			e.setStatus("Flag update failed: %s", m.err)
		}
		if e.store != nil {
			messageID := m.messageID
			return []cmd{func(ctx context.Context) msg {
				if err := e.store.RevertPendingOp(ctx, messageID); err != nil {
					e.logger.WithError(err).Warn("Flag revert failed")
				}
				return nil
			}}
		}
		return nil
	}

	if acct == e.active() {
		e.applyViewFlags(m.messageID, m.flags)
	}
	if e.store != nil {
		messageID, confirmed := m.messageID, m.flags
		return []cmd{func(ctx context.Context) msg {
			if err := e.store.ClearPendingOp(ctx, messageID, confirmed); err != nil {
				e.logger.WithError(err).Warn("Flag confirm write failed")
			}
			return nil
		}}
	}
	return nil
}

func (e *Engine) applyViewFlags(messageID uint64, flags types.Flags) {
	for i := range e.view.Messages {
		if e.view.Messages[i].MessageID == messageID {
			e.view.Messages[i].IsRead = flags.Seen()
			e.view.Messages[i].IsStarred = flags.Flagged()
			return
		}
	}
}
