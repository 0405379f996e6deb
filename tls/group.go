package tls

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs functions on managed goroutines and waits for them, like
// errgroup.Group. When Wait returns, every goroutine of the group has also
// finished running its slot destructors.
type Group struct {
	svc *Service
	eg  *errgroup.Group
}

// NewGroup returns a Group on s and a context canceled when a function
// returns an error or Wait returns.
func (s *Service) NewGroup(ctx context.Context) (*Group, context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{svc: s, eg: eg}, ctx
}

// NewGroup returns a Group on the Default service.
func NewGroup(ctx context.Context) (*Group, context.Context) {
	return Default().NewGroup(ctx)
}

// SetLimit limits the number of active goroutines in the group. A negative
// value means no limit.
func (g *Group) SetLimit(n int) {
	g.eg.SetLimit(n)
}

// Go runs fn on a new managed goroutine, blocking while the limit is
// reached. A panic in fn still runs the goroutine's destructors before it
// propagates.
func (g *Group) Go(fn func() error) {
	g.eg.Go(func() error {
		var err error
		g.svc.Run(func() { err = fn() })
		return err
	})
}

// Wait blocks until every function has returned and its destructors have
// run, then returns the first non-nil error.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
