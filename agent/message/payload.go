package message

import "time"

// Payload is the typed content of an envelope. Each (role, kind) pair has its
// own concrete payload type so stage code is checked at compile time instead
// of by map-key lookup.
type Payload interface {
	Kind() Kind
}

// Intent classifies what the user is trying to do with a query.
type Intent string

const (
	IntentSearch    Intent = "search"
	IntentHowTo     Intent = "how_to"
	IntentPolicy    Intent = "policy"
	IntentContact   Intent = "contact"
	IntentSchedule  Intent = "schedule"
	IntentBenefits  Intent = "benefits"
	IntentTechnical Intent = "technical"
	IntentGeneral   Intent = "general"
)

// SourceRecord is one retrieved document reference. OriginID points back into
// the originating backend's result set and is never dereferenced by the
// orchestration layer.
type SourceRecord struct {
	Title    string  `json:"title"`
	URL      string  `json:"url,omitempty"`
	Snippet  string  `json:"snippet,omitempty"`
	Score    float64 `json:"score,omitempty"`
	OriginID string  `json:"origin_id,omitempty"`
	// Fresh is false only when the search backend reports the source as
	// already known to the caller.
	Fresh bool `json:"fresh"`
}

// SourceGroup is one category of sources with its member count.
type SourceGroup struct {
	Count   int            `json:"count"`
	Sources []SourceRecord `json:"sources"`
}

// UnderstandRequest asks the understanding worker to analyze a raw query.
type UnderstandRequest struct {
	Query string
}

func (UnderstandRequest) Kind() Kind { return KindUnderstandRequest }

// UnderstandResult is the understanding worker's analysis of a query.
type UnderstandResult struct {
	NormalizedQuery string
	ExpandedTerms   []string
	IsBroadSubject  bool
	Intent          Intent
	Confidence      float64
}

func (UnderstandResult) Kind() Kind { return KindUnderstandResponse }

// SearchRequest asks the search worker for ranked sources.
type SearchRequest struct {
	Query           string
	NormalizedQuery string
	ExpandedTerms   []string
	IsBroadSubject  bool
	MaxResults      int
}

func (SearchRequest) Kind() Kind { return KindSearchRequest }

// SearchResult carries ranked sources, truncated to the request's MaxResults.
// TotalFound is the untruncated hit count.
type SearchResult struct {
	Sources    []SourceRecord
	TotalFound int
	Elapsed    time.Duration
}

func (SearchResult) Kind() Kind { return KindSearchResponse }

// SynthesizeRequest asks the synthesis worker for a natural-language answer.
type SynthesizeRequest struct {
	Query   string
	Sources []SourceRecord
}

func (SynthesizeRequest) Kind() Kind { return KindSynthesizeRequest }

// SynthesizeResult is the generated answer plus the pass-through source list.
// Fallback is true when the generation backend was unavailable and the
// deterministic fallback answer was used instead.
type SynthesizeResult struct {
	Answer   string
	Sources  []SourceRecord
	Fallback bool
}

func (SynthesizeResult) Kind() Kind { return KindSynthesizeResponse }

// GroupRequest asks the grouping worker to categorize sources.
type GroupRequest struct {
	Query   string
	Sources []SourceRecord
}

func (GroupRequest) Kind() Kind { return KindGroupRequest }

// GroupResult maps category label to its group.
type GroupResult struct {
	Groups map[string]SourceGroup
}

func (GroupResult) Kind() Kind { return KindGroupResponse }

// ErrorPayload is a worker-side failure surfaced as a response envelope.
type ErrorPayload struct {
	Code    string
	Message string
}

func (ErrorPayload) Kind() Kind { return KindError }

// HeartbeatPayload is sent by workers on their heartbeat interval.
type HeartbeatPayload struct {
	Status string
	At     time.Time
}

func (HeartbeatPayload) Kind() Kind { return KindHeartbeat }
