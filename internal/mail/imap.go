package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/jstelzer/nevermail/internal/config"
	"github.com/jstelzer/nevermail/pkg/types"
)

// fetchChunk is the channel buffer used for streaming fetch responses.
const fetchChunk = 10

// IMAPSession is the production Session over a single IMAP connection. Watch
// dials its own dedicated connection so IDLE never starves fetches.
type IMAPSession struct {
	accountID string
	cfg       *config.AccountConfig
	password  string
	logger    *logrus.Logger

	mu       sync.Mutex
	client   *client.Client
	selected string
}

// DialIMAP connects and authenticates a new session for the account.
func DialIMAP(cfg *config.AccountConfig, password string, logger *logrus.Logger) (*IMAPSession, error) {
	cl, err := dial(cfg, password)
	if err != nil {
		return nil, err
	}

	logger.WithField("account", cfg.Name).Info("Connected to IMAP server")
	return &IMAPSession{
		accountID: cfg.Name,
		cfg:       cfg,
		password:  password,
		logger:    logger,
		client:    cl,
	}, nil
}

func dial(cfg *config.AccountConfig, password string) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort)

	cl, err := client.DialTLS(addr, &tls.Config{
		ServerName: cfg.IMAPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := cl.Login(cfg.Username, password); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return cl, nil
}

// Close logs out and drops the connection.
func (s *IMAPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Logout()
	s.client = nil
	return err
}

// FetchFolders lists selectable mailboxes with message and unseen counts,
// skipping \Noselect containers.
func (s *IMAPSession) FetchFolders(ctx context.Context) ([]types.Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mailboxes := make(chan *imap.MailboxInfo, fetchChunk)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	var folders []types.Folder
	for _, m := range infos {
		if hasAttribute(m.Attributes, imap.NoSelectAttr) {
			continue
		}

		folder := types.Folder{
			AccountID: s.accountID,
			Name:      displayName(m.Name, m.Delimiter),
			Path:      m.Name,
			MailboxID: MailboxID(m.Name),
		}

		status, err := s.client.Status(m.Name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
		if err != nil {
			s.logger.WithError(err).WithField("folder", m.Name).Debug("Folder status failed")
		} else {
			folder.TotalCount = status.Messages
			folder.UnreadCount = status.Unseen
		}
		folders = append(folders, folder)
	}
	return folders, nil
}

// FetchMessages returns summaries for the newest messages in a folder with
// thread links assigned.
func (s *IMAPSession) FetchMessages(ctx context.Context, folderPath string, limit uint32) ([]types.MessageSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox, err := s.selectFolder(folderPath)
	if err != nil {
		return nil, err
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	from := uint32(1)
	if limit > 0 && mbox.Messages > limit {
		from = mbox.Messages - limit + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, mbox.Messages)

	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate,
		imap.FetchUid, imap.FetchBodyStructure,
	}

	messages := make(chan *imap.Message, fetchChunk)
	done := make(chan error, 1)
	go func() {
		done <- s.client.Fetch(seqSet, items, messages)
	}()

	var msgs []types.MessageSummary
	for msg := range messages {
		msgs = append(msgs, s.summarize(folderPath, msg))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	assignThreads(msgs)
	return msgs, nil
}

// summarize converts one fetched message into a cache summary.
func (s *IMAPSession) summarize(folderPath string, msg *imap.Message) types.MessageSummary {
	m := types.MessageSummary{
		AccountID: s.accountID,
		MailboxID: MailboxID(folderPath),
		MessageID: MessageID(s.accountID, folderPath, msg.Uid),
		UID:       msg.Uid,
	}

	flags := flagsFromIMAP(msg.Flags)
	m.IsRead = flags.Seen()
	m.IsStarred = flags.Flagged()
	m.HasAttachments = hasAttachments(msg.BodyStructure)

	date := msg.InternalDate
	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.MessageIDHeader = env.MessageId
		m.InReplyTo = env.InReplyTo
		if !env.Date.IsZero() {
			date = env.Date
		}
		if len(env.From) > 0 {
			addr := env.From[0]
			if addr.PersonalName != "" {
				m.From = addr.PersonalName
			} else {
				m.From = addr.Address()
			}
		}
	}
	if !date.IsZero() {
		m.Timestamp = date.Unix()
		m.Date = date.Local().Format("2006-01-02 15:04")
	}
	return m
}

// FetchBody downloads one message and renders it for the cache.
func (s *IMAPSession) FetchBody(ctx context.Context, folderPath string, uid uint32) (*Body, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.selectFolder(folderPath); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	// Peek so reading a body never sets \Seen behind the flag machinery.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		if literal := msg.GetBody(section); literal != nil {
			buf := make([]byte, 0, 8192)
			chunk := make([]byte, 4096)
			for {
				n, err := literal.Read(chunk)
				if n > 0 {
					buf = append(buf, chunk[:n]...)
				}
				if err != nil {
					break
				}
			}
			raw = buf
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch body: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("message %d not found in %s", uid, folderPath)
	}

	return renderBody(raw)
}

// SetFlags replaces the flags on the server and returns the confirmed set.
func (s *IMAPSession) SetFlags(ctx context.Context, folderPath string, uid uint32, flags types.Flags) (types.Flags, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.selectFolder(folderPath); err != nil {
		return 0, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.SetFlags, false)
	updates := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidStore(seqSet, item, imapFlags(flags), updates)
	}()

	confirmed := flags
	for msg := range updates {
		confirmed = flagsFromIMAP(msg.Flags)
	}
	if err := <-done; err != nil {
		return 0, fmt.Errorf("failed to store flags: %w", err)
	}
	return confirmed, nil
}

// Move moves a message to another folder, using MOVE or the server's
// copy/expunge fallback.
func (s *IMAPSession) Move(ctx context.Context, folderPath string, uid uint32, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.selectFolder(folderPath); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := s.client.UidMove(seqSet, destPath); err != nil {
		return fmt.Errorf("failed to move message: %w", err)
	}
	return nil
}

func (s *IMAPSession) selectFolder(folderPath string) (*imap.MailboxStatus, error) {
	if s.selected == folderPath {
		if mbox := s.client.Mailbox(); mbox != nil {
			return mbox, nil
		}
	}
	mbox, err := s.client.Select(folderPath, false)
	if err != nil {
		s.selected = ""
		return nil, fmt.Errorf("failed to select folder %s: %w", folderPath, err)
	}
	s.selected = folderPath
	return mbox, nil
}

func hasAttribute(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

func displayName(path, delimiter string) string {
	if delimiter == "" {
		return path
	}
	parts := strings.Split(path, delimiter)
	return parts[len(parts)-1]
}
