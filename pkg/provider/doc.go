// Package provider delivers push messages to batches of recipients
// through an external HTTP push service.
//
// Recipient identity can be expressed three ways at the provider -
// application-level external user id, provider subscription id, or
// legacy device/player id - so the client abstracts targeting behind
// an ordered list of modes. Chain support tries modes in sequence
// until one reports confirmed recipients, which captures the usual
// migration path between id schemes without duplicated branching at
// the call site.
//
// # Guards
//
// Every send runs a guard sequence before any network activity:
// feature flag, credentials, dry-run, empty recipient list. Each guard
// short-circuits into a skipped Result with a distinct reason and zero
// network calls, so a misconfigured or disabled provider is a
// non-fatal outcome rather than an error.
//
// # Retries
//
// The client performs no retries. Transport and provider errors
// propagate to the caller; retry policy belongs to the dispatch
// engine, which owns attempt counting and the audit log.
package provider
