// Package storage persists study participants and reads the questionnaire
// history ledger.
//
// It currently supports:
//   - SQLite (modernc, pure Go): default, single writer connection
//   - Postgres (pgx stdlib): row locks on the participant being updated
//
// Both backends share one SQL implementation; the dialect only changes
// placeholders, timestamp encoding and the row-lock clause.
package storage
