package worker

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/seekr-io/seekr/agent/message"
)

// stopWords are dropped during normalization unless the word is long enough
// to carry meaning on its own.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true,
}

// termSynonyms expands common business shorthand into search-friendly
// variants.
var termSynonyms = map[string][]string{
	"pto":      {"vacation", "time off", "leave", "holiday"},
	"hr":       {"human resources", "personnel"},
	"payroll":  {"salary", "wages", "compensation"},
	"benefits": {"insurance", "health", "dental", "vision"},
	"policy":   {"policies", "guidelines", "procedures"},
	"training": {"education", "learning", "development"},
	"meeting":  {"standup", "stand-up", "daily", "scrum"},
	"project":  {"initiative", "task", "work"},
	"provider": {"vendor", "supplier", "partner"},
}

// broadIndicators mark a query as asking about a subject at large rather
// than a specific fact.
var broadIndicators = []string{
	"what is", "tell me about", "overview", "introduction",
	"how does", "explain", "describe", "all about",
}

var questionWords = []string{"what", "how", "why", "when", "where", "who"}

// intentPatterns score each intent by substring hits.
var intentPatterns = map[message.Intent][]string{
	message.IntentSearch:    {"find", "search", "look for", "locate", "where is"},
	message.IntentHowTo:     {"how to", "how do i", "steps", "process", "procedure"},
	message.IntentPolicy:    {"policy", "rule", "guideline", "procedure", "process"},
	message.IntentContact:   {"contact", "who", "email", "phone", "reach"},
	message.IntentSchedule:  {"schedule", "meeting", "calendar", "time", "when"},
	message.IntentBenefits:  {"benefit", "insurance", "pto", "vacation", "leave"},
	message.IntentTechnical: {"error", "bug", "issue", "problem", "fix", "troubleshoot"},
	message.IntentGeneral:   {"what", "explain", "tell me", "describe"},
}

var (
	wordRe       = regexp.MustCompile(`\b\w+\b`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Understanding analyzes raw queries: normalization, keyword expansion,
// broad-subject detection and intent classification. Pure in-memory text
// heuristics, no external collaborator.
type Understanding struct {
	*base
}

// NewUnderstanding creates the understanding worker.
func NewUnderstanding(cfg Config, router *message.Router) *Understanding {
	w := &Understanding{}
	w.base = newBase(message.RoleUnderstanding, cfg, router, w.handleTask)
	return w
}

func (w *Understanding) handleTask(_ context.Context, p message.Payload) (message.Payload, error) {
	req, ok := p.(message.UnderstandRequest)
	if !ok {
		return nil, errors.Errorf("understanding: unexpected payload %T", p)
	}
	return Analyze(req.Query), nil
}

// Analyze runs the full query analysis. Exposed as a function so the pipeline
// can fail fast on empty input with the same semantics the worker uses.
func Analyze(query string) message.UnderstandResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return message.UnderstandResult{
			IsBroadSubject: true,
			Intent:         message.IntentGeneral,
		}
	}

	terms := expandTerms(query)
	intent := classifyIntent(query)

	return message.UnderstandResult{
		NormalizedQuery: normalize(query),
		ExpandedTerms:   terms,
		IsBroadSubject:  isBroadSubject(query),
		Intent:          intent,
		Confidence:      confidence(query, terms, intent),
	}
}

func normalize(query string) string {
	normalized := whitespaceRe.ReplaceAllString(strings.ToLower(query), " ")
	normalized = strings.TrimSpace(normalized)

	words := strings.Fields(normalized)
	kept := make([]string, 0, len(words))
	for _, word := range words {
		if !stopWords[word] || len(word) > 3 {
			kept = append(kept, word)
		}
	}
	if len(kept) == 0 {
		return normalized
	}
	return strings.Join(kept, " ")
}

// expandTerms extracts keywords longer than two characters and adds synonym
// variants. The result is sorted for deterministic downstream behavior.
func expandTerms(query string) []string {
	words := wordRe.FindAllString(strings.ToLower(query), -1)

	seen := make(map[string]bool)
	for _, word := range words {
		if len(word) > 2 {
			seen[word] = true
		}
	}
	for keyword := range seen {
		for _, synonym := range termSynonyms[keyword] {
			seen[synonym] = true
		}
	}

	terms := make([]string, 0, len(seen))
	for term := range seen {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms
}

func isBroadSubject(query string) bool {
	lower := strings.ToLower(query)
	for _, indicator := range broadIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	// Very short queries are usually broad.
	if len(strings.Fields(query)) <= 2 {
		return true
	}
	for _, q := range questionWords {
		if strings.HasPrefix(lower, q) {
			return true
		}
	}
	return false
}

func classifyIntent(query string) message.Intent {
	lower := strings.ToLower(query)

	best := message.IntentGeneral
	bestScore := 0
	// Iterate in a fixed order so ties resolve deterministically.
	ordered := []message.Intent{
		message.IntentSearch, message.IntentHowTo, message.IntentPolicy,
		message.IntentContact, message.IntentSchedule, message.IntentBenefits,
		message.IntentTechnical, message.IntentGeneral,
	}
	for _, intent := range ordered {
		score := 0
		for _, pattern := range intentPatterns[intent] {
			if strings.Contains(lower, pattern) {
				score++
			}
		}
		if score > bestScore {
			best = intent
			bestScore = score
		}
	}
	return best
}

func confidence(query string, terms []string, intent message.Intent) float64 {
	score := 0.5
	if len(terms) > 3 {
		score += 0.2
	}
	switch intent {
	case message.IntentHowTo, message.IntentPolicy, message.IntentContact, message.IntentTechnical:
		score += 0.2
	}
	lower := strings.ToLower(query)
	for _, q := range questionWords {
		if strings.HasPrefix(lower, q) {
			score += 0.1
			break
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
