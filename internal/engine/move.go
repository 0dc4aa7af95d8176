package engine

import (
	"context"
	"fmt"

	"github.com/jstelzer/nevermail/pkg/types"
)

// onMoveIntent starts an optimistic move of one message. The row leaves the
// visible list immediately; failure puts it back.
func (e *Engine) onMoveIntent(m moveIntent) []cmd {
	acct := e.active()
	if acct == nil || m.index < 0 || m.index >= len(e.view.Messages) {
		return nil
	}
	if acct.session == nil {
		e.setStatus("Not connected")
		return nil
	}

	var dest types.Folder
	var ok bool
	switch m.target {
	case targetTrash:
		if dest, ok = acct.resolveSpecial("Trash"); !ok {
			e.setStatus("Trash folder not found")
			return nil
		}
	case targetArchive:
		if dest, ok = acct.resolveSpecial("Archive"); !ok {
			e.setStatus("Archive folder not found")
			return nil
		}
	case targetExplicit:
		// The destination must belong to this account; anything else is
		// rejected before any state changes.
		if dest, ok = acct.folderByPath(m.path); !ok {
			e.setStatus("Folder not found: %s", m.path)
			return nil
		}
	}
	if dest.Path == acct.folder {
		return nil
	}

	idx := m.index
	sel := e.view.Messages[idx]

	acct.moves[sel.MessageID] = moveSnapshot{message: sel, index: idx}
	e.view.Messages = append(e.view.Messages[:idx], e.view.Messages[idx+1:]...)
	if idx == e.view.Selected {
		e.view.Body = nil
	}
	if idx < e.view.Selected {
		// Keep the selection on the same message after rows above it shift.
		e.view.Selected--
	}
	e.clampSelection()

	var cmds []cmd
	if e.store != nil {
		// Moving implies read in the original folder's terms; the pending
		// op keeps the row alive until the server confirms.
		local := types.FlagsFrom(true, sel.IsStarred)
		op := fmt.Sprintf("move:%d", dest.MailboxID)
		messageID := sel.MessageID
		cmds = append(cmds, func(ctx context.Context) msg {
			if err := e.store.UpdateFlags(ctx, messageID, local, op); err != nil {
				e.logger.WithError(err).Warn("Move cache write failed")
			}
			return nil
		})
	}
	cmds = append(cmds, e.moveCmd(acct, sel.MessageID, sel.UID, dest.Path))
	return cmds
}

func (e *Engine) moveCmd(acct *account, messageID uint64, uid uint32, destPath string) cmd {
	name, session, folder := acct.cfg.Name, acct.session, acct.folder
	return func(ctx context.Context) msg {
		err := session.Move(ctx, folder, uid, destPath)
		return moveFinished{account: name, messageID: messageID, err: err}
	}
}

// onMoveFinished settles an optimistic move: drop the cached row on success,
// restore the snapshot and the cached flags on failure.
func (e *Engine) onMoveFinished(m moveFinished) []cmd {
	acct := e.accounts[m.account]
	if acct == nil {
		return nil
	}
	snap, ok := acct.moves[m.messageID]
	if !ok {
		return nil
	}
	delete(acct.moves, m.messageID)

	if m.err == nil {
		if e.store == nil {
			return nil
		}
		messageID := m.messageID
		return []cmd{func(ctx context.Context) msg {
			if err := e.store.RemoveMessage(ctx, messageID); err != nil {
				e.logger.WithError(err).Warn("Move cache removal failed")
			}
			return nil
		}}
	}

	e.logger.WithError(m.err).WithField("account", m.account).Warn("Move failed")
	if acct == e.active() && !e.view.Searching && snap.message.MailboxID == acct.folderID {
		at := snap.index
		if at > len(e.view.Messages) {
			at = len(e.view.Messages)
		}
		e.view.Messages = append(e.view.Messages[:at],
			append([]types.MessageSummary{snap.message}, e.view.Messages[at:]...)...)
		e.view.Selected = at
		e.view.Body = nil
		e.setStatus("Move failed: %s", m.err)
	}

	if e.store == nil {
		return nil
	}
	messageID := m.messageID
	return []cmd{func(ctx context.Context) msg {
		if err := e.store.RevertPendingOp(ctx, messageID); err != nil {
			e.logger.WithError(err).Warn("Move revert failed")
		}
		return nil
	}}
}
