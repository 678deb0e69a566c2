// Package memory implements the per-book tutoring memory log: an
// append-only, hierarchically addressed record store.
//
// # Overview
//
// A [Memory] binds one storage root and one book id. Every write resolves
// its address to a stream file under root/bookID/..., appends exactly one
// JSON line, and flushes before reporting OK. Streams are append-only:
// records are never rewritten, reordered or removed, so append order is the
// only read order.
//
// Each unit address owns two isolated streams: the events stream of student
// utterances and a summary stream addressed with the reserved trailing
// segment `__summary__`. They live in the same unit directory but never
// share a file.
//
// # Status codes
//
// The public surface never returns Go errors for per-call outcomes; it
// returns [Status] values whose numeric codes are shared with the tutoring
// frontend and are stable.
//
// # Concurrency
//
// Appends to one resolved location are serialized by a per-location mutex;
// distinct locations never contend. Reads take no lock: a record line is
// written with a single write call, so a concurrent reader sees either a
// complete record or a trailing fragment, which the scanner skips as crash
// residue.
//
// # Indexes
//
// Per-stream index files and a book-level global index support id and
// time-window lookups. Indexes are rebuildable caches of the data files —
// index writes are best-effort and never affect the status of a durable
// append, and [Memory.RebuildUnitIndex] / [Memory.RebuildGlobalIndex]
// regenerate them from scratch.
package memory
