// Package journal records structure push events to PostgreSQL.
//
// The Recorder subscribes to "block update" and "transact" events, batches
// them and writes append-only rows to the structure_events table with
// pgx.Batch. Flushes happen when the batch is full or on a timer.
//
// The journal is write-only: nothing in the client reads it back.
package journal
