// Package component holds the clients for external backing services.
package component

import "context"

// Checker is a backing service the readiness probe consults.
type Checker interface {
	// Name identifies the dependency in probe output.
	Name() string
	// Ping reports whether the dependency is reachable.
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function into a Checker.
type CheckFunc struct {
	ID string
	Fn func(ctx context.Context) error
}

func (f CheckFunc) Name() string { return f.ID }

func (f CheckFunc) Ping(ctx context.Context) error { return f.Fn(ctx) }
