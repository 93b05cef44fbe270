// Package dtcore implements the core merge engine of a collaborative
// text-editing CRDT: an append-only, causally-ordered log of insert/delete
// operations from multiple concurrent authors, and the positional merge
// engine that turns that log into a consistent document at any requested
// version.
//
// Three pieces make up the engine:
//
//   - the operation log (OpLog) and its causal-history DAG, which records
//     who did what and in what order it causally depends on other edits;
//   - the merge tracker, which transforms concurrent insert/delete
//     operations against each other using a Yjs-style integration
//     algorithm, producing a linearisable stream of positionally-correct
//     edits; and
//   - a chunked, checksummed binary codec that losslessly round-trips an
//     OpLog to and from bytes suitable for storage or network sync.
//
// dtcore deliberately does not own the rope/text-buffer that stores
// document content, nor any network transport: both are external
// collaborators that consume the positional edit stream this package
// produces. The package is single-threaded by design — see OpLog's docs
// for the concurrency discipline callers are expected to provide.
package dtcore
