package engine

import (
	"context"
	"errors"

	"github.com/jstelzer/nevermail/internal/mail"
	"github.com/jstelzer/nevermail/pkg/types"
)

// onOpenMessage loads the selected message body: memory first, then cache,
// then the network. Opening an unread message also marks it read.
func (e *Engine) onOpenMessage() []cmd {
	acct := e.active()
	if acct == nil || e.view.Selected >= len(e.view.Messages) {
		return nil
	}
	sel := e.view.Messages[e.view.Selected]

	var cmds []cmd
	if !sel.IsRead {
		cmds = e.onToggleFlag(toggleFlagIntent{flag: types.FlagSeen})
	}

	if body, ok := e.bodies.Get(sel.MessageID); ok {
		e.view.Body = body
		return cmds
	}
	return append(cmds, e.loadBodyCmd(acct, sel))
}

func (e *Engine) loadBodyCmd(acct *account, m types.MessageSummary) cmd {
	session := acct.session
	folder := acct.folder
	if path, ok := acct.folderPathByID(m.MailboxID); ok {
		folder = path
	}

	return func(ctx context.Context) msg {
		if e.store != nil {
			if body, err := e.store.LoadBody(ctx, m.MessageID); err == nil && body != nil {
				return bodyLoaded{messageID: m.MessageID, body: body}
			}
		}

		if session == nil {
			return bodyLoaded{messageID: m.MessageID, err: errors.New("not connected")}
		}
		fetched, err := session.FetchBody(ctx, folder, m.UID)
		if err != nil {
			return bodyLoaded{messageID: m.MessageID, err: err}
		}

		body := &types.MessageBody{
			MessageID:   m.MessageID,
			Markdown:    fetched.Markdown,
			Plain:       fetched.Plain,
			Attachments: fetched.Attachments,
		}
		if e.store != nil {
			if err := e.store.SaveBody(ctx, m.MessageID, body.Markdown, body.Plain, body.Attachments); err != nil {
				e.logger.WithError(err).Warn("Body cache write failed")
			}
		}
		return bodyLoaded{messageID: m.MessageID, body: body}
	}
}

func (e *Engine) onBodyLoaded(m bodyLoaded) []cmd {
	if m.err != nil {
		e.setStatus("Failed to load message: %s", m.err)
		return nil
	}
	e.bodies.Add(m.messageID, m.body)

	if e.view.Selected < len(e.view.Messages) &&
		e.view.Messages[e.view.Selected].MessageID == m.messageID {
		e.view.Body = m.body
	}
	return nil
}

// Send submits a message through the account's SMTP sender.
func (e *Engine) onSendIntent(m sendIntent) []cmd {
	name := m.account
	if name == "" {
		name = e.view.Account
	}
	acct := e.accounts[name]
	if acct == nil || acct.sender == nil {
		e.setStatus("Not connected")
		return nil
	}

	sender, out := acct.sender, m.out
	return []cmd{func(ctx context.Context) msg {
		return sendFinished{account: name, err: sender.Send(ctx, out)}
	}}
}

func (e *Engine) onSendFinished(m sendFinished) []cmd {
	if m.err != nil {
		e.logger.WithError(m.err).WithField("account", m.account).Warn("Send failed")
		e.setStatus("Send failed: %s", m.err)
		return nil
	}
	e.setStatus("Message sent")
	return nil
}

// Sender is satisfied by *mail.SMTPSender.
var _ Sender = (*mail.SMTPSender)(nil)
