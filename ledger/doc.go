// Package ledger defines the intent-store boundary: the data model shared by
// every engine component and the narrow interface through which the core
// reads intents and batches and writes settlements.
//
// The ledger itself is an external collaborator. This package specifies only
// its interface, a deterministic decoder for its finalization events, an
// in-memory mock used by tests and the local demo, and an HTTP client for a
// remotely hosted ledger.
package ledger
