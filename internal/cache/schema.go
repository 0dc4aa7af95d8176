package cache

// Schema contains the base DDL, run on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS folders (
    account_id TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    name TEXT NOT NULL,
    mailbox_id INTEGER NOT NULL,
    unread_count INTEGER DEFAULT 0,
    total_count INTEGER DEFAULT 0,
    PRIMARY KEY (account_id, path),
    UNIQUE (account_id, mailbox_id)
);

CREATE TABLE IF NOT EXISTS messages (
    message_id INTEGER PRIMARY KEY,
    account_id TEXT NOT NULL DEFAULT '',
    mailbox_id INTEGER NOT NULL,
    uid INTEGER NOT NULL DEFAULT 0,
    subject TEXT,
    sender TEXT,
    date TEXT,
    timestamp INTEGER NOT NULL DEFAULT 0,
    is_read INTEGER DEFAULT 0,
    is_starred INTEGER DEFAULT 0,
    has_attachments INTEGER DEFAULT 0,
    thread_id INTEGER,
    body_rendered_plain TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_mailbox
    ON messages(mailbox_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS attachments (
    message_id INTEGER NOT NULL,
    ordinal INTEGER NOT NULL,
    filename TEXT NOT NULL DEFAULT 'unnamed',
    mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
    data BLOB NOT NULL,
    PRIMARY KEY (message_id, ordinal)
);
`

// migrations are forward-only ALTERs run on every open. Each is idempotent:
// "duplicate column name" is the expected error once applied.
var migrations = []string{
	"ALTER TABLE messages ADD COLUMN flags_server INTEGER DEFAULT 0",
	"ALTER TABLE messages ADD COLUMN flags_local INTEGER DEFAULT 0",
	"ALTER TABLE messages ADD COLUMN pending_op TEXT",
	"ALTER TABLE messages ADD COLUMN message_id_header TEXT",
	"ALTER TABLE messages ADD COLUMN in_reply_to TEXT",
	"ALTER TABLE messages ADD COLUMN thread_depth INTEGER DEFAULT 0",
	"ALTER TABLE messages ADD COLUMN body_rendered_markdown TEXT",
}

const indexDDL = `
CREATE INDEX IF NOT EXISTS idx_messages_message_id_header
    ON messages(message_id_header);
`

// FTS5 external-content index over the searchable columns. Column names must
// match the content table for 'rebuild' to work.
var ftsDDL = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS message_fts USING fts5(
        subject,
        sender,
        body_rendered_plain,
        content='messages',
        content_rowid='rowid'
    )`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
        INSERT INTO message_fts(rowid, subject, sender, body_rendered_plain)
        VALUES (new.rowid, new.subject, new.sender, new.body_rendered_plain);
    END`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
        INSERT INTO message_fts(message_fts, rowid, subject, sender, body_rendered_plain)
        VALUES ('delete', old.rowid, old.subject, old.sender, old.body_rendered_plain);
    END`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
        INSERT INTO message_fts(message_fts, rowid, subject, sender, body_rendered_plain)
        VALUES ('delete', old.rowid, old.subject, old.sender, old.body_rendered_plain);
        INSERT INTO message_fts(rowid, subject, sender, body_rendered_plain)
        VALUES (new.rowid, new.subject, new.sender, new.body_rendered_plain);
    END`,
}
