package pipeline

import "context"

// BatchReport summarizes the version after a batch settles. It is passed to
// the Gate before the next batch is dispatched.
type BatchReport struct {
	VersionID string
	// Completed lists the ids dispatched in the batch that just settled.
	Completed []string
	// Next lists the ids the next batch would dispatch.
	Next    []string
	Done    int
	Blocked int
	Total   int
}

// Gate decides whether the runner continues to the next batch. It is
// consulted between batches unless the runner is unattended.
type Gate interface {
	Continue(ctx context.Context, report BatchReport) (bool, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, report BatchReport) (bool, error)

// Continue implements Gate.
func (f GateFunc) Continue(ctx context.Context, report BatchReport) (bool, error) {
	return f(ctx, report)
}

// AlwaysContinue is a Gate that never pauses.
var AlwaysContinue Gate = GateFunc(func(context.Context, BatchReport) (bool, error) { return true, nil })
