package cache

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/jstelzer/nevermail/pkg/types"
)

// newTestStore creates an in-memory store with all migrations applied and
// closes it when the test completes.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := Open(":memory:", logger)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testMessage(id uint64, mailbox uint64, subject string, ts int64) types.MessageSummary {
	return types.MessageSummary{
		AccountID:       "acct",
		MailboxID:       mailbox,
		MessageID:       id,
		UID:             uint32(id),
		Subject:         subject,
		From:            "alice@example.com",
		Date:            "2024-01-01",
		Timestamp:       ts,
		MessageIDHeader: fmt.Sprintf("<%d@example.com>", id),
	}
}

func TestFoldersInboxFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folders := []types.Folder{
		{Path: "Work", Name: "Work", MailboxID: 3},
		{Path: "Archive", Name: "Archive", MailboxID: 2},
		{Path: "INBOX", Name: "Inbox", MailboxID: 1, UnreadCount: 4, TotalCount: 10},
	}
	if err := s.SaveFolders(ctx, "acct", folders); err != nil {
		t.Fatalf("SaveFolders: %v", err)
	}

	got, err := s.LoadFolders(ctx, "acct")
	if err != nil {
		t.Fatalf("LoadFolders: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d folders, want 3", len(got))
	}
	if got[0].Path != "INBOX" || got[1].Path != "Archive" || got[2].Path != "Work" {
		t.Errorf("wrong order: %q, %q, %q", got[0].Path, got[1].Path, got[2].Path)
	}
	if got[0].UnreadCount != 4 || got[0].TotalCount != 10 {
		t.Errorf("counts not preserved: %+v", got[0])
	}
}

func TestSaveFoldersReplacesWholesale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []types.Folder{
		{Path: "INBOX", Name: "Inbox", MailboxID: 1},
		{Path: "Old", Name: "Old", MailboxID: 2},
	}
	if err := s.SaveFolders(ctx, "acct", first); err != nil {
		t.Fatalf("SaveFolders: %v", err)
	}
	second := []types.Folder{
		{Path: "INBOX", Name: "Inbox", MailboxID: 1},
	}
	if err := s.SaveFolders(ctx, "acct", second); err != nil {
		t.Fatalf("SaveFolders: %v", err)
	}

	got, err := s.LoadFolders(ctx, "acct")
	if err != nil {
		t.Fatalf("LoadFolders: %v", err)
	}
	if len(got) != 1 || got[0].Path != "INBOX" {
		t.Errorf("stale folders survived replacement: %+v", got)
	}
}

func TestFoldersScopedByAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveFolders(ctx, "a1", []types.Folder{{Path: "INBOX", Name: "Inbox", MailboxID: 1}}); err != nil {
		t.Fatalf("SaveFolders a1: %v", err)
	}
	if err := s.SaveFolders(ctx, "a2", []types.Folder{{Path: "INBOX", Name: "Inbox", MailboxID: 1}}); err != nil {
		t.Fatalf("SaveFolders a2: %v", err)
	}

	got, err := s.LoadFolders(ctx, "a1")
	if err != nil {
		t.Fatalf("LoadFolders: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("account partition leaked: got %d folders", len(got))
	}
}

func TestPaginationIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var msgs []types.MessageSummary
	for i := 0; i < 120; i++ {
		msgs = append(msgs, testMessage(uint64(i+1), 7, fmt.Sprintf("msg %d", i), int64(1000+i)))
	}
	if err := s.SaveMessages(ctx, "acct", 7, msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	page1, err := s.LoadMessages(ctx, "acct", 7, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages page 1: %v", err)
	}
	page2, err := s.LoadMessages(ctx, "acct", 7, 50, 50)
	if err != nil {
		t.Fatalf("LoadMessages page 2: %v", err)
	}
	combined, err := s.LoadMessages(ctx, "acct", 7, 100, 0)
	if err != nil {
		t.Fatalf("LoadMessages combined: %v", err)
	}

	if len(page1) != 50 || len(page2) != 50 || len(combined) != 100 {
		t.Fatalf("page sizes: %d, %d, %d", len(page1), len(page2), len(combined))
	}

	seen := make(map[uint64]bool)
	for i, m := range append(page1, page2...) {
		if seen[m.MessageID] {
			t.Fatalf("message %d appears in both pages", m.MessageID)
		}
		seen[m.MessageID] = true
		if m.MessageID != combined[i].MessageID {
			t.Fatalf("page concatenation diverges at %d: %d != %d", i, m.MessageID, combined[i].MessageID)
		}
	}
}

func TestThreadOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Thread A (id 7): root + two children; thread B: a lone message whose
	// timestamp falls between thread A's members.
	root := testMessage(1, 5, "thread root", 100)
	root.ThreadID = 7
	root.ThreadDepth = 0
	child1 := testMessage(2, 5, "reply 1", 200)
	child1.ThreadID = 7
	child1.ThreadDepth = 1
	child2 := testMessage(3, 5, "reply 2", 400)
	child2.ThreadID = 7
	child2.ThreadDepth = 1
	lone := testMessage(4, 5, "standalone", 300)

	if err := s.SaveMessages(ctx, "acct", 5, []types.MessageSummary{lone, child2, root, child1}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	got, err := s.LoadMessages(ctx, "acct", 5, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}

	// Thread A's newest member (ts 400) beats the standalone (ts 300), so
	// the whole thread comes first, root then children, then standalone.
	wantOrder := []uint64{1, 2, 3, 4}
	for i, want := range wantOrder {
		if got[i].MessageID != want {
			t.Errorf("position %d: got message %d, want %d", i, got[i].MessageID, want)
		}
	}
}

func TestPendingRowsSurviveResync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage(10, 3, "original subject", 100)
	if err := s.SaveMessages(ctx, "acct", 3, []types.MessageSummary{m}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	// User marks it read: row goes pending with local intent seen.
	if err := s.UpdateFlags(ctx, 10, types.FlagSeen, "set_seen"); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}

	// Background resync arrives with new server-visible data; the message is
	// unread and starred server-side.
	resync := testMessage(10, 3, "edited subject", 150)
	resync.IsStarred = true
	if err := s.SaveMessages(ctx, "acct", 3, []types.MessageSummary{resync}); err != nil {
		t.Fatalf("SaveMessages resync: %v", err)
	}

	got, err := s.LoadMessages(ctx, "acct", 3, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("pending row was deleted by resync")
	}
	if got[0].Subject != "edited subject" {
		t.Errorf("server-visible column not refreshed: %q", got[0].Subject)
	}
	// Effective flags must still be the local intent, not the resynced
	// server flags.
	if !got[0].IsRead || got[0].IsStarred {
		t.Errorf("local pending flags clobbered: read=%v starred=%v", got[0].IsRead, got[0].IsStarred)
	}

	// Confirmation lands: flags converge on the server value and the flag
	// invariant (no pending => local == server) holds again.
	if err := s.ClearPendingOp(ctx, 10, types.FlagSeen|types.FlagFlagged); err != nil {
		t.Fatalf("ClearPendingOp: %v", err)
	}
	assertFlagInvariant(t, s)

	got, err = s.LoadMessages(ctx, "acct", 3, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if !got[0].IsRead || !got[0].IsStarred {
		t.Errorf("confirmed flags not applied: %+v", got[0])
	}
}

func TestResyncDeletesOnlyNonPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testMessage(1, 3, "stays pending", 100)
	b := testMessage(2, 3, "gets removed", 110)
	if err := s.SaveMessages(ctx, "acct", 3, []types.MessageSummary{a, b}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := s.UpdateFlags(ctx, 1, types.FlagSeen, "move:99"); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}

	// Resync reports an empty mailbox. The pending row must survive; its
	// reconciliation belongs to the move op, not the resync.
	if err := s.SaveMessages(ctx, "acct", 3, nil); err != nil {
		t.Fatalf("SaveMessages empty: %v", err)
	}

	got, err := s.LoadMessages(ctx, "acct", 3, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 1 || got[0].MessageID != 1 {
		t.Fatalf("expected only the pending row to survive, got %+v", got)
	}
}

func TestRevertPendingOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage(20, 3, "subject", 100)
	m.IsRead = true // server state: seen, not starred
	if err := s.SaveMessages(ctx, "acct", 3, []types.MessageSummary{m}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	if err := s.UpdateFlags(ctx, 20, types.FlagSeen|types.FlagFlagged, "set_flagged"); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}
	if err := s.RevertPendingOp(ctx, 20); err != nil {
		t.Fatalf("RevertPendingOp: %v", err)
	}
	assertFlagInvariant(t, s)

	got, err := s.LoadMessages(ctx, "acct", 3, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if !got[0].IsRead || got[0].IsStarred {
		t.Errorf("revert did not restore server flags: %+v", got[0])
	}
}

func TestUpdateFlagsLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage(30, 3, "subject", 100)
	if err := s.SaveMessages(ctx, "acct", 3, []types.MessageSummary{m}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	if err := s.UpdateFlags(ctx, 30, types.FlagSeen, "set_seen"); err != nil {
		t.Fatalf("UpdateFlags 1: %v", err)
	}
	// Second toggle before the first confirms: overwrites intent and tag.
	if err := s.UpdateFlags(ctx, 30, types.FlagSeen|types.FlagFlagged, "set_flagged"); err != nil {
		t.Fatalf("UpdateFlags 2: %v", err)
	}

	got, err := s.LoadMessages(ctx, "acct", 3, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if !got[0].IsRead || !got[0].IsStarred {
		t.Errorf("latest intent not effective: %+v", got[0])
	}
}

func TestMessageCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var msgs []types.MessageSummary
	for i := 0; i < 3; i++ {
		msgs = append(msgs, testMessage(uint64(i+1), 3, fmt.Sprintf("msg %d", i), int64(100+i)))
	}
	if err := s.SaveMessages(ctx, "acct", 3, msgs); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	other := testMessage(9, 4, "elsewhere", 100)
	if err := s.SaveMessages(ctx, "acct", 4, []types.MessageSummary{other}); err != nil {
		t.Fatalf("SaveMessages mailbox 4: %v", err)
	}

	n, err := s.MessageCount(ctx, "acct", 3)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 3 {
		t.Errorf("mailbox 3: got %d, want 3", n)
	}
	n, err = s.MessageCount(ctx, "acct", 4)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 1 {
		t.Errorf("mailbox 4: got %d, want 1", n)
	}
	n, err = s.MessageCount(ctx, "other", 3)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 0 {
		t.Errorf("foreign account: got %d, want 0", n)
	}
}

func TestBodyCacheMissThenHit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage(40, 3, "subject", 100)
	if err := s.SaveMessages(ctx, "acct", 3, []types.MessageSummary{m}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	// Row present, body never fetched: a miss, not an error.
	body, err := s.LoadBody(ctx, 40)
	if err != nil {
		t.Fatalf("LoadBody: %v", err)
	}
	if body != nil {
		t.Fatalf("expected cache miss, got %+v", body)
	}

	atts := []types.AttachmentData{
		{Filename: "a.pdf", MimeType: "application/pdf", Data: []byte{1, 2}},
		{Filename: "b.png", MimeType: "image/png", Data: []byte{3}},
	}
	if err := s.SaveBody(ctx, 40, "# md", "plain text", atts); err != nil {
		t.Fatalf("SaveBody: %v", err)
	}

	body, err = s.LoadBody(ctx, 40)
	if err != nil {
		t.Fatalf("LoadBody: %v", err)
	}
	if body == nil || body.Plain != "plain text" || body.Markdown != "# md" {
		t.Fatalf("body round-trip: %+v", body)
	}
	if len(body.Attachments) != 2 || body.Attachments[0].Filename != "a.pdf" {
		t.Fatalf("attachments round-trip: %+v", body.Attachments)
	}

	// Re-saving replaces the full attachment set.
	if err := s.SaveBody(ctx, 40, "# md", "plain text", atts[:1]); err != nil {
		t.Fatalf("SaveBody replace: %v", err)
	}
	body, err = s.LoadBody(ctx, 40)
	if err != nil {
		t.Fatalf("LoadBody: %v", err)
	}
	if len(body.Attachments) != 1 {
		t.Fatalf("stale attachments survived: %+v", body.Attachments)
	}
}

func TestRemoveMessageCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage(50, 3, "subject", 100)
	if err := s.SaveMessages(ctx, "acct", 3, []types.MessageSummary{m}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := s.SaveBody(ctx, 50, "md", "plain", []types.AttachmentData{{Filename: "x", MimeType: "y", Data: []byte{1}}}); err != nil {
		t.Fatalf("SaveBody: %v", err)
	}
	if err := s.RemoveMessage(ctx, 50); err != nil {
		t.Fatalf("RemoveMessage: %v", err)
	}

	got, err := s.LoadMessages(ctx, "acct", 3, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("message not removed: %+v", got)
	}
	body, err := s.LoadBody(ctx, 50)
	if err != nil || body != nil {
		t.Fatalf("attachments/body not cascaded: %v %+v", err, body)
	}
}

func TestRemoveAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveFolders(ctx, "gone", []types.Folder{{Path: "INBOX", Name: "Inbox", MailboxID: 1}}); err != nil {
		t.Fatalf("SaveFolders: %v", err)
	}
	m := testMessage(60, 1, "subject", 100)
	m.AccountID = "gone"
	if err := s.SaveMessages(ctx, "gone", 1, []types.MessageSummary{m}); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	keep := testMessage(61, 1, "kept", 100)
	if err := s.SaveMessages(ctx, "acct", 1, []types.MessageSummary{keep}); err != nil {
		t.Fatalf("SaveMessages keep: %v", err)
	}

	if err := s.RemoveAccount(ctx, "gone"); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}

	folders, err := s.LoadFolders(ctx, "gone")
	if err != nil {
		t.Fatalf("LoadFolders: %v", err)
	}
	if len(folders) != 0 {
		t.Errorf("folders survived account removal")
	}
	msgs, err := s.LoadMessages(ctx, "gone", 1, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived account removal")
	}
	kept, err := s.LoadMessages(ctx, "acct", 1, 50, 0)
	if err != nil {
		t.Fatalf("LoadMessages kept: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("other account's rows were removed")
	}
}

func TestWorkerSurvivesBadCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A command that fails outright must not take the worker down.
	err := s.do(ctx, "bad_command", func(db *sql.DB) error {
		_, err := db.Exec("INSERT INTO no_such_table VALUES (1)")
		return err
	})
	if err == nil {
		t.Fatal("expected an error from the bad command")
	}

	if err := s.SaveFolders(ctx, "acct", []types.Folder{{Path: "INBOX", Name: "Inbox", MailboxID: 1}}); err != nil {
		t.Fatalf("worker did not survive failed command: %v", err)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := Open(":memory:", logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	if err := s.RemoveMessage(context.Background(), 1); err != ErrUnavailable {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

// assertFlagInvariant checks pending_op IS NULL => flags_local == flags_server
// for every row.
func assertFlagInvariant(t *testing.T, s *Store) {
	t.Helper()
	var violations int
	err := s.do(context.Background(), "invariant_check", func(db *sql.DB) error {
		return db.QueryRow(`
			SELECT COUNT(*) FROM messages
			WHERE pending_op IS NULL AND flags_local != flags_server`).Scan(&violations)
	})
	if err != nil {
		t.Fatalf("invariant query: %v", err)
	}
	if violations != 0 {
		t.Fatalf("%d rows violate the flag invariant", violations)
	}
}
