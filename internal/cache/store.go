package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jstelzer/nevermail/pkg/types"
)

// DefaultPageSize is the message page size used by list pagination.
const DefaultPageSize = 50

// ErrUnavailable is returned when the cache worker is no longer running.
var ErrUnavailable = errors.New("cache unavailable")

// job is one queued cache command. The reply channel is buffered so the
// worker can never block on a caller that went away.
type job struct {
	name string
	fn   func(db *sql.DB) error
	done chan error
}

// Store is the async facade over the cache database. All commands are
// serialized through an unbounded FIFO queue into a single worker goroutine
// that exclusively owns the database connection; Store itself is safe for
// concurrent use from any goroutine.
type Store struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool

	db     *sql.DB
	logger *logrus.Logger
}

// Open opens the cache database at dbPath and starts the worker goroutine.
// Open failure is fatal to the cache (callers fall back to session-only
// mode); after a successful Open every error is per-command.
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	db, err := open(dbPath, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	go s.run()

	logger.WithField("path", dbPath).Info("Cache initialized")
	return s, nil
}

// Close stops accepting commands, lets the worker drain what is already
// queued, and closes the database.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// run is the worker loop. It owns s.db exclusively and never exits on a bad
// command: errors (and recovered panics) are surfaced to the caller and the
// loop continues.
func (s *Store) run() {
	defer s.db.Close()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			s.logger.Debug("Cache worker exiting")
			return
		}
		j := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		j.done <- s.execute(j)
	}
}

func (s *Store) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("command", j.name).Errorf("Cache command panicked: %v", r)
			err = fmt.Errorf("cache %s: panic: %v", j.name, r)
		}
	}()
	if err := j.fn(s.db); err != nil {
		s.logger.WithError(err).WithField("command", j.name).Warn("Cache command failed")
		return err
	}
	return nil
}

// do enqueues a command and waits for its reply. Once enqueued a command
// always executes; a cancelled context only stops the caller from waiting.
func (s *Store) do(ctx context.Context, name string, fn func(db *sql.DB) error) error {
	j := job{name: name, fn: fn, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.queue = append(s.queue, j)
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveFolders replaces the full folder set for an account atomically.
func (s *Store) SaveFolders(ctx context.Context, accountID string, folders []types.Folder) error {
	return s.do(ctx, "save_folders", func(db *sql.DB) error {
		return saveFolders(db, accountID, folders)
	})
}

// LoadFolders returns the cached folders for an account, Inbox first, then
// lexicographic by path.
func (s *Store) LoadFolders(ctx context.Context, accountID string) ([]types.Folder, error) {
	var folders []types.Folder
	err := s.do(ctx, "load_folders", func(db *sql.DB) error {
		var err error
		folders, err = loadFolders(db, accountID)
		return err
	})
	return folders, err
}

// SaveMessages replaces the cached summaries for one mailbox. Rows with an
// active pending_op keep flags_local and pending_op (only server-visible
// columns are refreshed) and are never deleted by a resync.
func (s *Store) SaveMessages(ctx context.Context, accountID string, mailboxID uint64, messages []types.MessageSummary) error {
	return s.do(ctx, "save_messages", func(db *sql.DB) error {
		return saveMessages(db, accountID, mailboxID, messages)
	})
}

// LoadMessages returns one page of summaries ordered so that threads appear
// newest-active-first with their members contiguous.
func (s *Store) LoadMessages(ctx context.Context, accountID string, mailboxID uint64, limit, offset uint32) ([]types.MessageSummary, error) {
	var msgs []types.MessageSummary
	err := s.do(ctx, "load_messages", func(db *sql.DB) error {
		var err error
		msgs, err = loadMessages(db, accountID, mailboxID, limit, offset)
		return err
	})
	return msgs, err
}

// MessageCount returns the number of cached messages in a mailbox.
func (s *Store) MessageCount(ctx context.Context, accountID string, mailboxID uint64) (uint32, error) {
	var n uint32
	err := s.do(ctx, "message_count", func(db *sql.DB) error {
		var err error
		n, err = messageCount(db, accountID, mailboxID)
		return err
	})
	return n, err
}

// LoadBody returns the cached rendered bodies and attachments for a message,
// or nil on a cache miss. A present row with a NULL rendered body is a miss,
// not an error.
func (s *Store) LoadBody(ctx context.Context, messageID uint64) (*types.MessageBody, error) {
	var body *types.MessageBody
	err := s.do(ctx, "load_body", func(db *sql.DB) error {
		var err error
		body, err = loadBody(db, messageID)
		return err
	})
	return body, err
}

// SaveBody stores the rendered bodies and replaces the full attachment set.
func (s *Store) SaveBody(ctx context.Context, messageID uint64, markdown, plain string, attachments []types.AttachmentData) error {
	return s.do(ctx, "save_body", func(db *sql.DB) error {
		return saveBody(db, messageID, markdown, plain, attachments)
	})
}

// UpdateFlags sets the locally intended flags and marks a pending operation.
// Re-applying while already pending overwrites both: the latest intent wins.
func (s *Store) UpdateFlags(ctx context.Context, messageID uint64, local types.Flags, pendingOp string) error {
	return s.do(ctx, "update_flags", func(db *sql.DB) error {
		return updateFlags(db, messageID, local, pendingOp)
	})
}

// ClearPendingOp records a confirmed operation: both flag columns take the
// server-confirmed value and the row returns to the synced state.
func (s *Store) ClearPendingOp(ctx context.Context, messageID uint64, server types.Flags) error {
	return s.do(ctx, "clear_pending_op", func(db *sql.DB) error {
		return clearPendingOp(db, messageID, server)
	})
}

// RevertPendingOp discards a failed local intent: flags_local is restored
// from flags_server and the pending op is cleared.
func (s *Store) RevertPendingOp(ctx context.Context, messageID uint64) error {
	return s.do(ctx, "revert_pending_op", func(db *sql.DB) error {
		return revertPendingOp(db, messageID)
	})
}

// RemoveMessage deletes a message and its attachments, used after a
// confirmed move or a remote deletion.
func (s *Store) RemoveMessage(ctx context.Context, messageID uint64) error {
	return s.do(ctx, "remove_message", func(db *sql.DB) error {
		return removeMessage(db, messageID)
	})
}

// Search runs a full-text query over subject, sender, and rendered body for
// one account. Results are capped and ordered newest first.
func (s *Store) Search(ctx context.Context, accountID, query string) ([]types.MessageSummary, error) {
	var results []types.MessageSummary
	err := s.do(ctx, "search", func(db *sql.DB) error {
		var err error
		results, err = search(db, accountID, query)
		return err
	})
	return results, err
}

// RemoveAccount deletes every cached row scoped to an account.
func (s *Store) RemoveAccount(ctx context.Context, accountID string) error {
	return s.do(ctx, "remove_account", func(db *sql.DB) error {
		return removeAccount(db, accountID)
	})
}
