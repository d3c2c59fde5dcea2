// Package llm provides content-generation clients.
package llm

import "context"

// Generator is the interface that all generation providers implement.
type Generator interface {
	// Generate sends one request and returns the generated text.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
