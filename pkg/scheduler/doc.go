// Package scheduler runs the polling loop that promotes scheduled
// notifications into dispatch once their send time arrives.
//
// The loop polls storage on a fixed interval (30 seconds by default),
// ticking once immediately on start. Each due notification is
// dispatched independently: a failure is logged and contained so the
// remaining due notifications in the same tick still run, and the
// failed one is not retried automatically.
//
// Usage:
//
//	s := scheduler.New(engine, scheduler.WithInterval(30*time.Second))
//	go func() {
//		if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
//			log.Fatal(err)
//		}
//	}()
package scheduler
