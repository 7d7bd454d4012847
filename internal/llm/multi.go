package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrNoProvider is returned when no client can serve a model.
var ErrNoProvider = errors.New("no inference provider configured")

// MultiClient picks a provider per request from the models.available
// table. Models not listed go to the fallback, the models.provider
// client.
type MultiClient struct {
	providers map[string]Client
	routes    map[string]string
	fallback  Client
}

// NewMultiClient returns a router whose unlisted models go to fallback.
// fallback may be nil.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: map[string]Client{},
		routes:    map[string]string{},
		fallback:  fallback,
	}
}

// AddProvider makes client reachable under name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes model to the named provider. A route to a provider
// that was never added falls back.
func (m *MultiClient) AddModel(model, provider string) {
	m.routes[model] = provider
}

func (m *MultiClient) route(model string) (Client, error) {
	if c, ok := m.providers[m.routes[model]]; ok {
		return c, nil
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("model %q: %w", model, ErrNoProvider)
	}
	return m.fallback, nil
}

func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages, tools)
}

func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	c, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return c.ChatStream(ctx, model, messages, tools, callback)
}

// Ping reports every unreachable provider, the fallback included. It
// fails with ErrNoProvider when nothing is configured.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.providers) == 0 {
		return ErrNoProvider
	}

	var errs []error
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := m.providers[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if m.fallback != nil {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	return errors.Join(errs...)
}
