// Package llm wraps the hosted text-generation backend behind a small
// synthesis interface. Every provider speaks the OpenAI-compatible chat
// protocol, so one client serves them all.
package llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/seekr-io/seekr/agent/message"
)

// Service is the answer-synthesis boundary. Callers must treat it as fallible
// and apply their own fallback on error.
type Service interface {
	// Synthesize generates a natural-language answer for the query grounded
	// in the given sources.
	Synthesize(ctx context.Context, query string, sources []message.SourceRecord) (string, error)
}

// Config configures the generation backend client.
type Config struct {
	Provider    string // openai, deepseek, siliconflow, ollama
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

var providerBaseURLs = map[string]string{
	"deepseek":    "https://api.deepseek.com",
	"siliconflow": "https://api.siliconflow.cn/v1",
	"ollama":      "http://localhost:11434/v1",
}

type service struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// NewService creates the synthesis service for the configured provider.
func NewService(cfg Config) (Service, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	if cfg.APIKey == "" && cfg.Provider != "ollama" {
		return nil, errors.New("llm: api key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	} else if base, ok := providerBaseURLs[cfg.Provider]; ok {
		clientConfig.BaseURL = base
	}
	clientConfig.HTTPClient = newHTTPClient()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}

	return &service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
	}, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

const systemPrompt = `You are a helpful assistant that answers questions from the provided document context.
Synthesize the information into a clear, well-structured answer that directly addresses the user's query.
Reference sources by title, using markdown links [title](url) when a URL is given.`

func (s *service) Synthesize(ctx context.Context, query string, sources []message.SourceRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(query, sources)},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", message.ErrTimeout
		}
		return "", errors.Wrap(message.ErrSynthesisUnavailable, err.Error())
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.Wrap(message.ErrSynthesisUnavailable, "empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildUserPrompt(query string, sources []message.SourceRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nContext from documents:\n", query)
	for i, src := range sources {
		if src.URL != "" {
			fmt.Fprintf(&b, "Source %d: [%s](%s)\n%s\n\n", i+1, src.Title, src.URL, src.Snippet)
		} else {
			fmt.Fprintf(&b, "Source %d: %s\n%s\n\n", i+1, src.Title, src.Snippet)
		}
	}
	b.WriteString("Please answer the query based on the context above, citing sources by title.")
	return b.String()
}
