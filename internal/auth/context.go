// ABOUTME: Submitter identity carried through request handlers
// ABOUTME: Provides WithSubmitter/FromContext for propagating the verified agent via context

package auth

import (
	"context"
)

// Submitter is the verified identity of an agent calling the submit endpoint.
type Submitter struct {
	Agent string // token subject
}

type submitterContextKey struct{}

// WithSubmitter returns a new context with the Submitter attached.
func WithSubmitter(ctx context.Context, s *Submitter) context.Context {
	return context.WithValue(ctx, submitterContextKey{}, s)
}

// FromContext retrieves the Submitter from the context, returning nil if not present.
func FromContext(ctx context.Context) *Submitter {
	s, _ := ctx.Value(submitterContextKey{}).(*Submitter)
	return s
}
