package slsk

import (
	"context"
	"errors"
	"fmt"

	"github.com/soulseek-go/slsk/internal/codec"
)

// ErrDuplicateSearch is returned by Search when
// ClientOptions.DeduplicateSearchRequests is set and query already has
// a search in flight (spec §6 "deduplicateSearchRequests").
var ErrDuplicateSearch = errors.New("slsk: search already in flight for this query")

// SearchResult is one peer's answer to a Search call, delivered
// incrementally as peers respond (spec §4.6).
type SearchResult struct {
	Username    string
	Token       uint32
	Files       []codec.File
	FreeSlot    bool
	UploadSpeed uint32
	QueueLength int64
}

// Search issues a server-broadcast file search and returns its token
// immediately; onResult fires once per matching peer for as long as
// the Client stays logged in (spec §4.6 "Search"). Call StopSearch
// once no further results are wanted.
func (c *Client) Search(ctx context.Context, query string, onResult func(SearchResult)) (uint32, error) {
	if c.opts.DeduplicateSearchRequests {
		c.searchMu.Lock()
		if _, dup := c.activeSearches[query]; dup {
			c.searchMu.Unlock()
			return 0, fmt.Errorf("%w: %q", ErrDuplicateSearch, query)
		}
		c.searchMu.Unlock()
	}

	tok := c.tokens.Next()
	c.searchMu.Lock()
	c.activeSearches[query] = tok
	c.searchHandlers[tok] = onResult
	c.searchMu.Unlock()

	if err := c.session.Search(ctx, tok, query); err != nil {
		c.StopSearch(tok, query)
		return 0, fmt.Errorf("slsk: search %q: %w", query, err)
	}
	return tok, nil
}

// StopSearch releases the bookkeeping Search registered for token,
// allowing query to be searched again when DeduplicateSearchRequests
// is set. It does not affect peers already answering.
func (c *Client) StopSearch(token uint32, query string) {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()
	delete(c.searchHandlers, token)
	if c.activeSearches[query] == token {
		delete(c.activeSearches, query)
	}
}
