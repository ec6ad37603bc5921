package worker

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/seekr-io/seekr/agent/message"
)

// mostRelevantGroup is the synthetic category holding the top sources across
// all types. It is additive: flattening the type categories alone yields
// every input source exactly once.
const mostRelevantGroup = "most_relevant"

const mostRelevantCount = 5

// Grouping categorizes sources so the caller can present them by type.
type Grouping struct {
	*base
}

// NewGrouping creates the grouping worker.
func NewGrouping(cfg Config, router *message.Router) *Grouping {
	w := &Grouping{}
	w.base = newBase(message.RoleGrouping, cfg, router, w.handleTask)
	return w
}

func (w *Grouping) handleTask(_ context.Context, p message.Payload) (message.Payload, error) {
	req, ok := p.(message.GroupRequest)
	if !ok {
		return nil, errors.Errorf("grouping: unexpected payload %T", p)
	}
	return message.GroupResult{Groups: GroupSources(req.Sources)}, nil
}

// GroupSources buckets sources by inferred type, each bucket ordered by
// adjusted relevance, plus a most_relevant bucket with the overall top
// sources. Every input source lands in exactly one type bucket.
func GroupSources(sources []message.SourceRecord) map[string]message.SourceGroup {
	groups := make(map[string]message.SourceGroup)
	if len(sources) == 0 {
		return groups
	}

	byType := make(map[string][]message.SourceRecord)
	for _, src := range sources {
		t := sourceType(src)
		byType[t] = append(byType[t], src)
	}
	for t, members := range byType {
		sortByRelevance(members)
		groups[t] = message.SourceGroup{Count: len(members), Sources: members}
	}

	ranked := make([]message.SourceRecord, len(sources))
	copy(ranked, sources)
	sortByRelevance(ranked)
	if len(ranked) > mostRelevantCount {
		ranked = ranked[:mostRelevantCount]
	}
	groups[mostRelevantGroup] = message.SourceGroup{Count: len(ranked), Sources: ranked}

	return groups
}

// FlattenGroups inverts GroupSources over the type categories, ignoring the
// synthetic most_relevant bucket.
func FlattenGroups(groups map[string]message.SourceGroup) []message.SourceRecord {
	var out []message.SourceRecord
	labels := make([]string, 0, len(groups))
	for label := range groups {
		if label == mostRelevantGroup {
			continue
		}
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		out = append(out, groups[label].Sources...)
	}
	return out
}

func sourceType(src message.SourceRecord) string {
	title := strings.ToLower(src.Title)
	url := strings.ToLower(src.URL)

	switch {
	case strings.Contains(url, ".pdf") || strings.Contains(title, ".pdf"):
		return "pdf"
	case containsAny(title, "sheet", "spreadsheet"):
		return "spreadsheet"
	case containsAny(title, "presentation", "slides"):
		return "presentation"
	case containsAny(title, "policy", "procedure", "guideline"):
		return "policy"
	case containsAny(title, "meeting", "notes", "minutes"):
		return "meeting_notes"
	case containsAny(title, "training", "guide", "manual"):
		return "training"
	case containsAny(title, "form", "template", "checklist"):
		return "form"
	default:
		return "document"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// sortByRelevance orders by score with a boost for official-looking titles
// and substantial snippets.
func sortByRelevance(records []message.SourceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return relevance(records[i]) > relevance(records[j])
	})
}

func relevance(src message.SourceRecord) float64 {
	score := src.Score
	title := strings.ToLower(src.Title)
	if containsAny(title, "policy", "procedure", "official") {
		score += 0.2
	}
	if len(src.Snippet) > 100 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
