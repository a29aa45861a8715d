// Package interleave forces concurrent transactional workers into a
// precise, repeatable interleaving.
//
// Workers are plain functions run on their own goroutines by
// Coordinator.Run. They pause at named checkpoints with Arrive; a checkpoint
// defined with N expected arrivals releases its waiters together once N
// distinct workers have arrived. Within a worker, operations run in the order
// written; across workers, checkpoints are the only ordering.
//
//	c := interleave.New(interleave.WithCheckpointTimeout(2 * time.Second))
//	c.Define("written", 2)
//	c.Define("read", 2)
//
//	report, err := c.Run(ctx,
//		interleave.Worker{Name: "writer", Fn: func(ctx context.Context) error {
//			// write without committing
//			if err := c.Arrive(ctx, "written"); err != nil {
//				return err
//			}
//			return c.Arrive(ctx, "read") // then roll back
//		}},
//		interleave.Worker{Name: "reader", Fn: func(ctx context.Context) error {
//			if err := c.Arrive(ctx, "written"); err != nil {
//				return err
//			}
//			// read
//			return c.Arrive(ctx, "read")
//		}},
//	)
//
// # Failures
//
// Every Arrive is bounded. When a bound elapses the coordinator records a
// *CheckpointTimeoutError and cancels the run context with it as cause, so
// all other blocked workers return at once. A bound on the whole run raises
// *HarnessTimeoutError the same way. Both are harness failures (see
// IsHarnessFailure): they are returned by Run and never retried. Worker
// errors such as business-rule failures are reported per worker in the
// Report and do not cancel anyone.
package interleave
