// Package txn defines the transactional boundary shared by the domain services.
package txn

import "context"

// Runner executes fn as a single atomic unit. Repositories called with the
// context passed to fn take part in the same unit. A Runner must join an
// already open unit when ctx carries one, so services can compose.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// InTx calls f
func (f RunnerFunc) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}
