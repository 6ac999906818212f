// Package stream provides per-recipient fan-out of transient in-app
// events to live client sessions.
//
// The stream is intentionally decoupled from authoritative push
// delivery: events are at-most-once, best-effort, and non-durable. If
// no session is subscribed for a recipient, the event is dropped; there
// is no backlog or replay. Emitting never blocks the caller, so the
// dispatch path cannot be stalled or failed by a slow client.
//
// A Registry is an explicit object owned by the process lifecycle and
// passed by reference to whatever needs to emit or subscribe - there is
// no package-level shared state. Per-recipient channels are created
// lazily on first Subscribe or Emit and reused for the lifetime of the
// registry.
//
// # Transport Integration
//
// The package is transport-agnostic. A typical SSE handler:
//
//	sub := registry.Subscribe(r.Context(), recipientID)
//	defer sub.Close()
//
//	w.Header().Set("Content-Type", "text/event-stream")
//	for ev := range sub.Receive() {
//	    data, _ := json.Marshal(ev)
//	    fmt.Fprintf(w, "data: %s\n\n", data)
//	    w.(http.Flusher).Flush()
//	}
//
// # Multi-process deployments
//
// The in-memory Registry fans out within a single process. When
// subscribers may be connected to a different process than the one
// dispatching, use RedisRegistry, which carries events over Redis
// pub/sub with the same surface and the same drop semantics.
package stream
