package cache

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jstelzer/nevermail/pkg/types"
)

// searchResultLimit caps full-text search results.
const searchResultLimit = 200

func search(db *sql.DB, accountID, query string) ([]types.MessageSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	// Quote every term so user input matches literally instead of being
	// parsed as FTS5 query syntax.
	terms := strings.Fields(query)
	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	query = strings.Join(quoted, " ")

	rows, err := db.Query(`
		SELECT `+summaryColumns+`
		FROM messages
		WHERE account_id = ?
		  AND rowid IN (SELECT rowid FROM message_fts WHERE message_fts MATCH ?)
		ORDER BY timestamp DESC
		LIMIT ?`,
		accountID, query, searchResultLimit)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []types.MessageSummary
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	return results, nil
}
