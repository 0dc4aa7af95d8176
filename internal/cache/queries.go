package cache

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/jstelzer/nevermail/pkg/types"
)

// Synchronous SQL operations. Only ever called from the worker goroutine.

func saveFolders(db *sql.DB, accountID string, folders []types.Folder) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("cache tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM folders WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("cache folder delete: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO folders (account_id, path, name, mailbox_id, unread_count, total_count)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("cache prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range folders {
		if _, err := stmt.Exec(accountID, f.Path, f.Name, int64(f.MailboxID), f.UnreadCount, f.TotalCount); err != nil {
			return fmt.Errorf("cache folder insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache commit: %w", err)
	}
	return nil
}

func loadFolders(db *sql.DB, accountID string) ([]types.Folder, error) {
	rows, err := db.Query(`
		SELECT path, name, mailbox_id, unread_count, total_count
		FROM folders WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("cache folder query: %w", err)
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		f := types.Folder{AccountID: accountID}
		var mailboxID int64
		if err := rows.Scan(&f.Path, &f.Name, &mailboxID, &f.UnreadCount, &f.TotalCount); err != nil {
			return nil, fmt.Errorf("cache folder scan: %w", err)
		}
		f.MailboxID = uint64(mailboxID)
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache folder rows: %w", err)
	}

	// INBOX first, then alphabetical.
	sort.Slice(folders, func(i, j int) bool {
		if folders[i].Path == "INBOX" {
			return true
		}
		if folders[j].Path == "INBOX" {
			return false
		}
		return folders[i].Path < folders[j].Path
	})

	return folders, nil
}

func saveMessages(db *sql.DB, accountID string, mailboxID uint64, messages []types.MessageSummary) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("cache tx: %w", err)
	}
	defer tx.Rollback()

	// Rows with an in-flight operation must not be clobbered by a resync:
	// their presence is reconciled by the pending op's own completion.
	pending := make(map[uint64]bool)
	rows, err := tx.Query(`
		SELECT message_id FROM messages
		WHERE account_id = ? AND mailbox_id = ? AND pending_op IS NOT NULL`,
		accountID, int64(mailboxID))
	if err != nil {
		return fmt.Errorf("cache pending query: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("cache pending scan: %w", err)
		}
		pending[uint64(id)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("cache pending rows: %w", err)
	}

	// Cascade attachments before replacing the non-pending rows.
	if _, err := tx.Exec(`
		DELETE FROM attachments WHERE message_id IN (
			SELECT message_id FROM messages
			WHERE account_id = ? AND mailbox_id = ? AND pending_op IS NULL
		)`, accountID, int64(mailboxID)); err != nil {
		return fmt.Errorf("cache attachment cascade: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM messages
		WHERE account_id = ? AND mailbox_id = ? AND pending_op IS NULL`,
		accountID, int64(mailboxID)); err != nil {
		return fmt.Errorf("cache message delete: %w", err)
	}

	insert, err := tx.Prepare(`
		INSERT OR IGNORE INTO messages
		(message_id, account_id, mailbox_id, uid, subject, sender, date, timestamp,
		 is_read, is_starred, has_attachments, thread_id, flags_server, flags_local,
		 message_id_header, in_reply_to, thread_depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("cache prepare: %w", err)
	}
	defer insert.Close()

	// For pending rows only the server-visible columns are refreshed.
	updateServer, err := tx.Prepare(`
		UPDATE messages SET flags_server = ?, subject = ?, sender = ?, date = ?,
		 timestamp = ?, has_attachments = ?, thread_id = ?,
		 message_id_header = ?, in_reply_to = ?, thread_depth = ?
		WHERE message_id = ? AND pending_op IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("cache prepare: %w", err)
	}
	defer updateServer.Close()

	for _, m := range messages {
		serverFlags := types.FlagsFrom(m.IsRead, m.IsStarred)
		threadID := sql.NullInt64{Int64: int64(m.ThreadID), Valid: m.ThreadID != 0}

		if pending[m.MessageID] {
			if _, err := updateServer.Exec(
				int(serverFlags), m.Subject, m.From, m.Date,
				m.Timestamp, boolToInt(m.HasAttachments), threadID,
				m.MessageIDHeader, m.InReplyTo, m.ThreadDepth,
				int64(m.MessageID),
			); err != nil {
				return fmt.Errorf("cache message update: %w", err)
			}
			continue
		}

		// Fresh row: server and local flags agree.
		if _, err := insert.Exec(
			int64(m.MessageID), accountID, int64(mailboxID), m.UID,
			m.Subject, m.From, m.Date, m.Timestamp,
			boolToInt(m.IsRead), boolToInt(m.IsStarred), boolToInt(m.HasAttachments),
			threadID, int(serverFlags), int(serverFlags),
			m.MessageIDHeader, m.InReplyTo, m.ThreadDepth,
		); err != nil {
			return fmt.Errorf("cache message insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache commit: %w", err)
	}
	return nil
}

// summaryColumns is the SELECT list expected by scanSummary.
const summaryColumns = `
	message_id, account_id, mailbox_id, uid, subject, sender, date, timestamp,
	has_attachments, thread_id, flags_server, flags_local, pending_op,
	message_id_header, in_reply_to, thread_depth`

func scanSummary(rows *sql.Rows) (types.MessageSummary, error) {
	var (
		m               types.MessageSummary
		messageID       int64
		mailboxID       int64
		subject, sender sql.NullString
		date            sql.NullString
		hasAttachments  int
		threadID        sql.NullInt64
		flagsServer     sql.NullInt64
		flagsLocal      sql.NullInt64
		pendingOp       sql.NullString
		msgIDHeader     sql.NullString
		inReplyTo       sql.NullString
		threadDepth     sql.NullInt64
	)

	err := rows.Scan(
		&messageID, &m.AccountID, &mailboxID, &m.UID, &subject, &sender, &date, &m.Timestamp,
		&hasAttachments, &threadID, &flagsServer, &flagsLocal, &pendingOp,
		&msgIDHeader, &inReplyTo, &threadDepth,
	)
	if err != nil {
		return types.MessageSummary{}, fmt.Errorf("cache message scan: %w", err)
	}

	m.MessageID = uint64(messageID)
	m.MailboxID = uint64(mailboxID)
	m.Subject = subject.String
	m.From = sender.String
	m.Date = date.String
	m.HasAttachments = hasAttachments != 0
	if threadID.Valid {
		m.ThreadID = uint64(threadID.Int64)
	}
	m.MessageIDHeader = msgIDHeader.String
	m.InReplyTo = inReplyTo.String
	m.ThreadDepth = int(threadDepth.Int64)

	// Dual truth: while an op is pending the locally intended flags are the
	// effective ones; otherwise the last known server flags.
	effective := types.Flags(flagsServer.Int64)
	if pendingOp.Valid {
		effective = types.Flags(flagsLocal.Int64)
	}
	m.IsRead = effective.Seen()
	m.IsStarred = effective.Flagged()

	return m, nil
}

func loadMessages(db *sql.DB, accountID string, mailboxID uint64, limit, offset uint32) ([]types.MessageSummary, error) {
	// Threads sort by their most recent activity; members stay contiguous
	// in ascending timestamp order regardless of a child's own age.
	rows, err := db.Query(`
		SELECT `+summaryColumns+`
		FROM messages
		WHERE account_id = ? AND mailbox_id = ?
		ORDER BY
		    MAX(timestamp) OVER (
		        PARTITION BY COALESCE(thread_id, message_id)
		    ) DESC,
		    COALESCE(thread_id, message_id),
		    timestamp ASC
		LIMIT ? OFFSET ?`,
		accountID, int64(mailboxID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("cache message query: %w", err)
	}
	defer rows.Close()

	var messages []types.MessageSummary
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache message rows: %w", err)
	}
	return messages, nil
}

func messageCount(db *sql.DB, accountID string, mailboxID uint64) (uint32, error) {
	var n uint32
	err := db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE account_id = ? AND mailbox_id = ?",
		accountID, int64(mailboxID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

func loadBody(db *sql.DB, messageID uint64) (*types.MessageBody, error) {
	var plain, markdown sql.NullString
	err := db.QueryRow(
		"SELECT body_rendered_plain, body_rendered_markdown FROM messages WHERE message_id = ?",
		int64(messageID)).Scan(&plain, &markdown)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache body load: %w", err)
	}
	if !plain.Valid {
		// Row exists but the body was never fetched: a miss, not an error.
		return nil, nil
	}

	body := &types.MessageBody{
		MessageID: messageID,
		Plain:     plain.String,
		Markdown:  markdown.String,
	}

	rows, err := db.Query(`
		SELECT filename, mime_type, data FROM attachments
		WHERE message_id = ? ORDER BY ordinal`, int64(messageID))
	if err != nil {
		return nil, fmt.Errorf("cache attachment query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a types.AttachmentData
		if err := rows.Scan(&a.Filename, &a.MimeType, &a.Data); err != nil {
			return nil, fmt.Errorf("cache attachment scan: %w", err)
		}
		body.Attachments = append(body.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache attachment rows: %w", err)
	}

	return body, nil
}

func saveBody(db *sql.DB, messageID uint64, markdown, plain string, attachments []types.AttachmentData) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("cache tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE messages SET body_rendered_plain = ?, body_rendered_markdown = ? WHERE message_id = ?",
		plain, markdown, int64(messageID)); err != nil {
		return fmt.Errorf("cache body save: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM attachments WHERE message_id = ?", int64(messageID)); err != nil {
		return fmt.Errorf("cache attachment delete: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO attachments (message_id, ordinal, filename, mime_type, data)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("cache prepare: %w", err)
	}
	defer stmt.Close()

	for i, a := range attachments {
		if _, err := stmt.Exec(int64(messageID), i, a.Filename, a.MimeType, a.Data); err != nil {
			return fmt.Errorf("cache attachment insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache commit: %w", err)
	}
	return nil
}

func updateFlags(db *sql.DB, messageID uint64, local types.Flags, pendingOp string) error {
	_, err := db.Exec(`
		UPDATE messages SET flags_local = ?, pending_op = ?, is_read = ?, is_starred = ?
		WHERE message_id = ?`,
		int(local), pendingOp, boolToInt(local.Seen()), boolToInt(local.Flagged()),
		int64(messageID))
	if err != nil {
		return fmt.Errorf("cache update_flags: %w", err)
	}
	return nil
}

func clearPendingOp(db *sql.DB, messageID uint64, server types.Flags) error {
	_, err := db.Exec(`
		UPDATE messages SET flags_server = ?, flags_local = ?, pending_op = NULL,
		 is_read = ?, is_starred = ?
		WHERE message_id = ?`,
		int(server), int(server), boolToInt(server.Seen()), boolToInt(server.Flagged()),
		int64(messageID))
	if err != nil {
		return fmt.Errorf("cache clear_pending: %w", err)
	}
	return nil
}

func revertPendingOp(db *sql.DB, messageID uint64) error {
	_, err := db.Exec(`
		UPDATE messages SET flags_local = flags_server, pending_op = NULL,
		 is_read = CASE WHEN (flags_server & 1) != 0 THEN 1 ELSE 0 END,
		 is_starred = CASE WHEN (flags_server & 2) != 0 THEN 1 ELSE 0 END
		WHERE message_id = ?`,
		int64(messageID))
	if err != nil {
		return fmt.Errorf("cache revert_pending: %w", err)
	}
	return nil
}

func removeMessage(db *sql.DB, messageID uint64) error {
	if _, err := db.Exec("DELETE FROM attachments WHERE message_id = ?", int64(messageID)); err != nil {
		return fmt.Errorf("cache attachment cascade: %w", err)
	}
	if _, err := db.Exec("DELETE FROM messages WHERE message_id = ?", int64(messageID)); err != nil {
		return fmt.Errorf("cache remove_message: %w", err)
	}
	return nil
}

func removeAccount(db *sql.DB, accountID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("cache tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM attachments WHERE message_id IN (
			SELECT message_id FROM messages WHERE account_id = ?
		)`, accountID); err != nil {
		return fmt.Errorf("cache attachment cascade: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("cache message delete: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM folders WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("cache folder delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache commit: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
