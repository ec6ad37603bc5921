package worker

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/search"
)

// Search retrieves ranked sources from the external search backend. It is the
// only worker whose output contract must stay bit-compatible with existing
// callers: sources ordered by descending score, truncated to MaxResults.
type Search struct {
	*base
	backend    search.Backend
	maxResults int
}

// NewSearch creates the search worker. maxResults caps results when the
// request does not set its own limit; zero means search.DefaultMaxResults.
func NewSearch(cfg Config, router *message.Router, backend search.Backend, maxResults int) *Search {
	if maxResults <= 0 {
		maxResults = search.DefaultMaxResults
	}
	w := &Search{backend: backend, maxResults: maxResults}
	w.base = newBase(message.RoleSearch, cfg, router, w.handleTask)
	return w
}

func (w *Search) handleTask(ctx context.Context, p message.Payload) (message.Payload, error) {
	req, ok := p.(message.SearchRequest)
	if !ok {
		return nil, errors.Errorf("search: unexpected payload %T", p)
	}

	query := req.NormalizedQuery
	if query == "" {
		query = req.Query
	}
	if query == "" {
		return message.SearchResult{Sources: []message.SourceRecord{}}, nil
	}

	max := req.MaxResults
	if max <= 0 {
		max = w.maxResults
	}

	start := time.Now()
	records, err := w.backend.Search(ctx, query, max)
	if err != nil {
		return nil, err
	}

	// Backends are expected to rank already, but the descending-score order
	// is part of this worker's contract, so enforce it here.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Score > records[j].Score
	})
	total := len(records)
	if len(records) > max {
		records = records[:max]
	}
	if records == nil {
		records = []message.SourceRecord{}
	}

	return message.SearchResult{
		Sources:    records,
		TotalFound: total,
		Elapsed:    time.Since(start),
	}, nil
}
