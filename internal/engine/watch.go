package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/jstelzer/nevermail/internal/mail"
)

// watchCmd starts the change stream for a folder and pumps its events into
// the loop. Each (re)start bumps the account's watch generation; messages
// carrying an older generation are from a superseded stream and dropped.
func (e *Engine) watchCmd(acct *account, folder string) cmd {
	acct.watchGen++
	acct.watching = true
	if acct.watchStop != nil {
		close(acct.watchStop)
	}
	stop := make(chan struct{})
	acct.watchStop = stop

	gen := acct.watchGen
	name, session := acct.cfg.Name, acct.session

	return func(ctx context.Context) msg {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-wctx.Done():
			}
		}()

		events := make(chan mail.Event, 16)
		done := make(chan error, 1)
		go func() {
			done <- session.Watch(wctx, folder, events)
		}()

		for {
			select {
			case ev := <-events:
				e.post(watchNotice{account: name, gen: gen, event: ev})
			case err := <-done:
				for {
					select {
					case ev := <-events:
						e.post(watchNotice{account: name, gen: gen, event: ev})
					default:
						return watchStopped{account: name, gen: gen, err: err}
					}
				}
			}
		}
	}
}

// rewatch points the change stream at a different folder.
func (e *Engine) rewatch(acct *account, folder string) []cmd {
	if acct.session == nil {
		return nil
	}
	return []cmd{e.watchCmd(acct, folder)}
}

func (e *Engine) onWatchNotice(m watchNotice) []cmd {
	acct := e.accounts[m.account]
	if acct == nil || m.gen != acct.watchGen {
		return nil
	}

	switch ev := m.event.(type) {
	case mail.NewMessage:
		if ev.Folder != acct.folder {
			return nil
		}
		e.logger.WithFields(logrus.Fields{
			"account": m.account,
			"from":    ev.Summary.From,
			"subject": ev.Summary.Subject,
		}).Info("New message")
		if e.OnNewMessage != nil {
			e.OnNewMessage(m.account, ev.Summary)
		}
		if acct.session == nil {
			return nil
		}
		return []cmd{e.fetchMessagesCmd(acct, acct.folder)}

	case mail.MessageRemoved:
		// Our own move's expunge arrives here too; the move completion owns
		// that row's cache state.
		if _, moving := acct.moves[ev.MessageID]; moving {
			return nil
		}
		if acct == e.active() {
			e.dropViewMessage(ev.MessageID)
		}
		if e.store == nil {
			return nil
		}
		messageID := ev.MessageID
		return []cmd{func(ctx context.Context) msg {
			if err := e.store.RemoveMessage(ctx, messageID); err != nil {
				e.logger.WithError(err).Warn("Watch removal write failed")
			}
			return nil
		}}

	case mail.FlagsChanged:
		// The server state is authoritative: it supersedes any in-flight
		// local toggle on the same message.
		delete(acct.flagOps, ev.MessageID)
		if acct == e.active() {
			e.applyViewFlags(ev.MessageID, ev.Flags)
		}
		if e.store == nil {
			return nil
		}
		messageID, flags := ev.MessageID, ev.Flags
		return []cmd{func(ctx context.Context) msg {
			if err := e.store.ClearPendingOp(ctx, messageID, flags); err != nil {
				e.logger.WithError(err).Warn("Watch flag write failed")
			}
			return nil
		}}

	case mail.Rescan:
		if ev.Folder != acct.folder || acct.session == nil {
			return nil
		}
		return []cmd{e.fetchMessagesCmd(acct, acct.folder)}
	}
	return nil
}

// onWatchStopped handles the end of a change stream. Unless a newer stream
// already replaced it, the session is considered dead and the account goes
// through the reconnect backoff.
func (e *Engine) onWatchStopped(m watchStopped) []cmd {
	acct := e.accounts[m.account]
	if acct == nil || m.gen != acct.watchGen {
		return nil
	}
	acct.watching = false

	err := m.err
	if err == nil || errors.Is(err, context.Canceled) {
		err = errors.New("watch stream ended")
	}
	return e.degrade(acct, err)
}

func (e *Engine) dropViewMessage(messageID uint64) {
	for i := range e.view.Messages {
		if e.view.Messages[i].MessageID == messageID {
			e.view.Messages = append(e.view.Messages[:i], e.view.Messages[i+1:]...)
			e.clampSelection()
			return
		}
	}
}
