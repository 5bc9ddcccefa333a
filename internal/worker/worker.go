// Package worker provides background task infrastructure for the Plexus
// gateway, grounded on the teacher's internal/worker package: a minimal
// Worker interface, an errgroup-based Runner, and one struct per
// background concern (usage recording, cooldown garbage collection).
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name returns a human-readable identifier for logging.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
