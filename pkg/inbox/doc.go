// Package inbox serves the recipient-facing view of delivered
// notifications and records engagement against it.
//
// An inbox item is a delivery row joined with its notification's
// content. Recent listings are bounded by a lookback window clamped to
// 1..30 days, so a caller can never request an unbounded scan.
// Engagement marks (shown, opened) are idempotent: the first mark sets
// the timestamp, repeats keep it, so at-least-once client reporting
// never inflates counts.
package inbox
