// Package ingestion drives a resumable, idempotent copy of remote events into
// the event store.
//
// The controller is a small state machine. It reads the checkpoint once
// (FRESH), pages through the canonical endpoint (DIRECT), and when that
// endpoint rate-limits it falls back to the token-gated stream endpoint
// (STREAM) until the cooldown passes. Only the direct endpoint may declare the
// run complete. Every page is committed before its checkpoint is written, so a
// crash at any point resumes from the last durable cursor and replayed events
// are absorbed by the store's conflict handling.
package ingestion
