// Package postgres is the pgx-backed persistence layer. One Storage
// value implements the dispatch engine's storage contract, the inbox
// storage, and the audience and recipient sources, all over a shared
// pgxpool.
//
// Connect establishes the pool with retry and exponential backoff so
// service startup survives transient database unavailability. Migrate
// applies the embedded goose migrations, so a deployed binary carries
// its own schema.
//
// Usage:
//
//	cfg, _ := config.Load[postgres.Config]()
//	pool, err := postgres.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//	if err := postgres.Migrate(ctx, pool, slog.Default()); err != nil {
//		return err
//	}
//	storage := postgres.NewStorage(pool)
package postgres
