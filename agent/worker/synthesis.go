package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/seekr-io/seekr/agent/message"
	"github.com/seekr-io/seekr/llm"
)

// DefaultSynthesisSources bounds how many sources are handed to the
// generation backend, to respect its input-size limits.
const DefaultSynthesisSources = 20

// fallbackSourceCount is how many sources the deterministic fallback answer
// lists.
const fallbackSourceCount = 10

// Synthesis generates the natural-language answer. A generation backend
// failure never fails the task: the worker falls back to a deterministic
// answer built from the source titles and snippets.
type Synthesis struct {
	*base
	service    llm.Service
	maxSources int
}

// NewSynthesis creates the synthesis worker. service may be nil, in which
// case every task takes the fallback path.
func NewSynthesis(cfg Config, router *message.Router, service llm.Service, maxSources int) *Synthesis {
	if maxSources <= 0 {
		maxSources = DefaultSynthesisSources
	}
	w := &Synthesis{service: service, maxSources: maxSources}
	w.base = newBase(message.RoleSynthesis, cfg, router, w.handleTask)
	return w
}

func (w *Synthesis) handleTask(ctx context.Context, p message.Payload) (message.Payload, error) {
	req, ok := p.(message.SynthesizeRequest)
	if !ok {
		return nil, errors.Errorf("synthesis: unexpected payload %T", p)
	}

	sources := req.Sources
	if len(sources) > w.maxSources {
		sources = sources[:w.maxSources]
	}

	if len(req.Sources) == 0 {
		return message.SynthesizeResult{
			Answer:   fmt.Sprintf("I couldn't find any documents matching %q. Try rephrasing the question or using different keywords.", req.Query),
			Sources:  []message.SourceRecord{},
			Fallback: true,
		}, nil
	}

	if w.service != nil {
		answer, err := w.service.Synthesize(ctx, req.Query, sources)
		if err == nil {
			return message.SynthesizeResult{Answer: answer, Sources: req.Sources}, nil
		}
		// Recovered locally: the caller never sees a synthesis failure.
		slog.Warn("synthesis: generation backend failed, using fallback answer",
			"error", err)
	}

	return message.SynthesizeResult{
		Answer:   FallbackAnswer(req.Query, req.Sources),
		Sources:  req.Sources,
		Fallback: true,
	}, nil
}

// FallbackAnswer builds the deterministic answer used when the generation
// backend is unavailable: a header naming the query followed by the top
// source titles and snippets.
func FallbackAnswer(query string, sources []message.SourceRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I found %d relevant documents for your query: %q\n", len(sources), query)
	b.WriteString("\nHere are the relevant sources:\n")

	top := sources
	if len(top) > fallbackSourceCount {
		top = top[:fallbackSourceCount]
	}
	for i, src := range top {
		if src.URL != "" {
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, src.Title, src.URL)
		} else {
			fmt.Fprintf(&b, "%d. %s\n", i+1, src.Title)
		}
		if src.Snippet != "" {
			snippet := src.Snippet
			if len(snippet) > 100 {
				snippet = snippet[:100] + "..."
			}
			fmt.Fprintf(&b, "   %s\n", snippet)
		}
	}
	return b.String()
}
