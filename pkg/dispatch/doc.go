// Package dispatch orchestrates the full send lifecycle of a
// notification: resolve the target audience, fan out realtime events,
// deliver through the push provider, record delivery, and move the
// notification through its status machine with an append-only attempt
// log.
//
// # Status machine
//
// A notification is pending, scheduled, sent, or failed. Scheduled
// notifications become pending when claimed for dispatch; pending ones
// end sent or failed; failed ones may be claimed again by a manual
// resend. Sent is final. The claim is a compare-and-swap: it bumps the
// attempt counter and forces status to pending in one conditional
// write before any other I/O, so two concurrent dispatchers cannot
// both deliver the same notification.
//
// # Failure containment
//
// Everything that goes wrong inside a single dispatch - an empty
// audience, a provider rejection, a storage hiccup, even a panic in a
// collaborator - is converted into a failed status with the captured
// message and a failed log row. Dispatch never lets one notification's
// failure escape its own boundary, which is what lets the scheduler
// drive batches without supervision.
//
// # Basic Usage
//
//	engine := dispatch.NewEngine(storage, recipients, sender,
//	    dispatch.WithAudienceSource(audiences),
//	    dispatch.WithEmitter(registry),
//	)
//
//	res, err := engine.Create(ctx, dispatch.CreateInput{
//	    Title:  "Spring sale",
//	    Body:   "Everything is cheaper today",
//	    SendAt: &tomorrow,
//	})
//
// The engine exposes plain function calls only; transports live
// elsewhere.
package dispatch
