package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/jstelzer/nevermail/pkg/types"
)

// idleLogoutTimeout restarts IDLE before servers drop quiet connections.
const idleLogoutTimeout = 25 * time.Minute

// Watch streams change events for one folder over a dedicated connection.
// It returns nil when the server ends the stream cleanly and an error when
// the connection fails; either way the caller owns reconnecting.
func (s *IMAPSession) Watch(ctx context.Context, folderPath string, events chan<- Event) error {
	cl, err := dial(s.cfg, s.password)
	if err != nil {
		return err
	}
	defer cl.Logout() //nolint:errcheck

	mbox, err := cl.Select(folderPath, true)
	if err != nil {
		return fmt.Errorf("failed to select folder %s: %w", folderPath, err)
	}

	w := &watcher{session: s, client: cl, folder: folderPath, events: events}
	if err := w.loadUIDs(mbox.Messages); err != nil {
		return err
	}
	return w.run(ctx)
}

// watcher tracks the seqnum-to-UID mapping of the watched folder so expunge
// and flag updates, which arrive by sequence number, can be translated to
// stable message identities.
type watcher struct {
	session *IMAPSession
	client  *client.Client
	folder  string
	events  chan<- Event

	// uids[i] is the UID at sequence number i+1.
	uids []uint32
}

func (w *watcher) loadUIDs(count uint32) error {
	w.uids = nil
	if count == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, count)

	messages := make(chan *imap.Message, fetchChunk)
	done := make(chan error, 1)
	go func() {
		done <- w.client.Fetch(seqSet, []imap.FetchItem{imap.FetchUid}, messages)
	}()

	bySeq := make(map[uint32]uint32, count)
	for msg := range messages {
		bySeq[msg.SeqNum] = msg.Uid
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to load folder state: %w", err)
	}

	w.uids = make([]uint32, count)
	for seq, uid := range bySeq {
		if seq >= 1 && seq <= count {
			w.uids[seq-1] = uid
		}
	}
	return nil
}

func (w *watcher) run(ctx context.Context) error {
	updates := make(chan client.Update, 64)
	w.client.Updates = updates

	for {
		stop := make(chan struct{})
		idleDone := make(chan error, 1)
		go func() {
			idleDone <- w.client.Idle(stop, &client.IdleOptions{LogoutTimeout: idleLogoutTimeout})
		}()

		var pending []client.Update
		select {
		case <-ctx.Done():
			close(stop)
			<-idleDone
			return ctx.Err()
		case err := <-idleDone:
			// Idle ended on its own: clean end of stream or a dead
			// connection.
			return err
		case u := <-updates:
			pending = append(pending, u)
		}

		close(stop)
		if err := <-idleDone; err != nil {
			return err
		}
	drain:
		for {
			select {
			case u := <-updates:
				pending = append(pending, u)
			default:
				break drain
			}
		}

		for _, u := range pending {
			if err := w.handle(ctx, u); err != nil {
				return err
			}
		}
	}
}

func (w *watcher) handle(ctx context.Context, u client.Update) error {
	switch u := u.(type) {
	case *client.MailboxUpdate:
		return w.handleExists(ctx, u.Mailbox.Messages)
	case *client.ExpungeUpdate:
		return w.handleExpunge(ctx, u.SeqNum)
	case *client.MessageUpdate:
		return w.handleMessage(ctx, u.Message)
	default:
		return nil
	}
}

// handleExists reacts to an EXISTS count change. Growth is new mail; any
// other mismatch falls back to a rescan.
func (w *watcher) handleExists(ctx context.Context, count uint32) error {
	known := uint32(len(w.uids))
	if count == known {
		return nil
	}
	if count < known {
		if err := w.loadUIDs(count); err != nil {
			return err
		}
		return w.emit(ctx, Rescan{Folder: w.folder})
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(known+1, count)
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate,
		imap.FetchUid, imap.FetchBodyStructure,
	}

	messages := make(chan *imap.Message, fetchChunk)
	done := make(chan error, 1)
	go func() {
		done <- w.client.Fetch(seqSet, items, messages)
	}()

	var arrived []types.MessageSummary
	for msg := range messages {
		w.uids = append(w.uids, msg.Uid)
		arrived = append(arrived, w.session.summarize(w.folder, msg))
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch new messages: %w", err)
	}

	for _, m := range arrived {
		if err := w.emit(ctx, NewMessage{Folder: w.folder, Summary: m}); err != nil {
			return err
		}
	}
	return nil
}

func (w *watcher) handleExpunge(ctx context.Context, seq uint32) error {
	if seq < 1 || int(seq) > len(w.uids) {
		return w.emit(ctx, Rescan{Folder: w.folder})
	}
	uid := w.uids[seq-1]
	w.uids = append(w.uids[:seq-1], w.uids[seq:]...)

	return w.emit(ctx, MessageRemoved{
		Folder:    w.folder,
		MessageID: MessageID(w.session.accountID, w.folder, uid),
	})
}

func (w *watcher) handleMessage(ctx context.Context, msg *imap.Message) error {
	if msg == nil || msg.Flags == nil {
		return nil
	}
	uid := msg.Uid
	if uid == 0 {
		if msg.SeqNum < 1 || int(msg.SeqNum) > len(w.uids) {
			return w.emit(ctx, Rescan{Folder: w.folder})
		}
		uid = w.uids[msg.SeqNum-1]
	}

	return w.emit(ctx, FlagsChanged{
		Folder:    w.folder,
		MessageID: MessageID(w.session.accountID, w.folder, uid),
		Flags:     flagsFromIMAP(msg.Flags),
	})
}

func (w *watcher) emit(ctx context.Context, e Event) error {
	select {
	case w.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
