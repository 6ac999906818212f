// Package logger provides the slog factory and the shared attribute
// helpers used across the dispatch pipeline.
//
// The factory produces JSON output at info level by default, suitable
// for log aggregation; development setups opt into text output and
// debug level:
//
//	log := logger.New(logger.WithDevelopment("notifykit"))
//	logger.SetAsDefault(log)
//
// The attribute helpers keep key names consistent wherever the same
// entity is logged:
//
//	log.InfoContext(ctx, "notification sent",
//		logger.NotificationID(n.ID),
//		logger.Attempt(n.RetryCount),
//	)
package logger
