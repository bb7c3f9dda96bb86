// Package internal documents the datasync ingestion internals.
//
// The internal tree is organized by responsibility:
// - datasync: HTTP client for the DataSync events API and stream endpoint
// - ingestion: the resumable ingestion state machine
// - domain/events: event models, validation, and normalization
// - storage: checkpoint and event persistence (pgx + Postgres)
// - config, metrics, telemetry: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
