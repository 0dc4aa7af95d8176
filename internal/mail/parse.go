package mail

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/jstelzer/nevermail/pkg/types"
)

// MessageID derives the stable cache identity of a message from its account,
// folder, and server UID.
func MessageID(accountID, folderPath string, uid uint32) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s/%d", accountID, folderPath, uid)
	return h.Sum64()
}

// MailboxID derives the stable cache identity of a folder from its path.
func MailboxID(folderPath string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(folderPath))
	return h.Sum64()
}

// flagsFromIMAP converts server flag strings to the cache flag byte.
func flagsFromIMAP(flags []string) types.Flags {
	var f types.Flags
	for _, fl := range flags {
		switch fl {
		case imap.SeenFlag:
			f |= types.FlagSeen
		case imap.FlaggedFlag:
			f |= types.FlagFlagged
		}
	}
	return f
}

// imapFlags converts the cache flag byte to the server flag strings used by
// a STORE FLAGS replacement.
func imapFlags(f types.Flags) []interface{} {
	var flags []interface{}
	if f.Seen() {
		flags = append(flags, imap.SeenFlag)
	}
	if f.Flagged() {
		flags = append(flags, imap.FlaggedFlag)
	}
	return flags
}

// hasAttachments walks a BODYSTRUCTURE looking for any attachment part.
func hasAttachments(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	if strings.EqualFold(bs.Disposition, "attachment") {
		return true
	}
	for _, part := range bs.Parts {
		if hasAttachments(part) {
			return true
		}
	}
	return false
}

// assignThreads links messages into conversations via Message-ID and
// In-Reply-To headers. A message belongs to a thread when its reply chain
// reaches another message in the batch, or when something in the batch
// replies to it; singletons keep a zero thread id. The thread id is the
// chain root's message id and depth is the distance from the root.
func assignThreads(msgs []types.MessageSummary) {
	byHeader := make(map[string]int, len(msgs))
	for i := range msgs {
		if h := msgs[i].MessageIDHeader; h != "" {
			byHeader[h] = i
		}
	}

	type link struct {
		root  int
		depth int
	}
	links := make([]link, len(msgs))
	hasChild := make([]bool, len(msgs))

	for i := range msgs {
		root, depth := i, 0
		visited := map[int]bool{i: true}
		for msgs[root].InReplyTo != "" {
			parent, ok := byHeader[msgs[root].InReplyTo]
			if !ok || visited[parent] {
				break
			}
			visited[parent] = true
			root = parent
			depth++
		}
		links[i] = link{root: root, depth: depth}
		if depth > 0 {
			hasChild[root] = true
		}
	}

	for i := range msgs {
		l := links[i]
		if l.depth == 0 && !hasChild[i] {
			continue
		}
		msgs[i].ThreadID = msgs[l.root].MessageID
		msgs[i].ThreadDepth = l.depth
	}
}

// renderBody parses a raw RFC 822 message and renders its text content. HTML
// is converted to readable plain text; the markdown column keeps table
// structure for richer display.
func renderBody(raw []byte) (*Body, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	plain := strings.TrimSpace(env.Text)
	if plain == "" && env.HTML != "" {
		if text, err := html2text.FromString(env.HTML); err == nil {
			plain = strings.TrimSpace(text)
		}
	}

	markdown := plain
	if env.HTML != "" {
		if text, err := html2text.FromString(env.HTML, html2text.Options{PrettyTables: true}); err == nil {
			markdown = strings.TrimSpace(text)
		}
	}

	body := &Body{Markdown: markdown, Plain: plain}
	for _, att := range env.Attachments {
		body.Attachments = append(body.Attachments, types.AttachmentData{
			Filename: att.FileName,
			MimeType: att.ContentType,
			Data:     att.Content,
		})
	}
	return body, nil
}
