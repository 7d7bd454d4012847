package llm

import (
	"context"
	"log/slog"
	"net/http"
)

// Client is an inference backend. tools are JSON function descriptors
// as produced by the tool registry.
type Client interface {
	// Chat runs one completion without streaming.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream runs one completion, passing KindToken events to
	// callback as text arrives. callback may be nil.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// DefaultMaxTokens caps a single completion.
const DefaultMaxTokens = 4096

// Option configures a provider client.
type Option func(*options)

type options struct {
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

func buildOptions(opts []Option) options {
	o := options{maxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// WithMaxTokens limits the number of tokens generated per request.
// Zero leaves the provider default in place.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithHTTPClient replaces the HTTP client a provider uses.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
