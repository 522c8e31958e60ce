// Package sweep periodically evaluates the whole participant population at a
// single reference instant.
//
// Each run:
//   - refreshes stale participants (never assigned, or due before the
//     reference) through the lifecycle manager, rate limited
//   - lists participants with an available questionnaire
//   - lists participants with a pending upload
//
// Runs never overlap; a trigger that fires while a run is active is skipped.
// The last runs are kept in a bounded in-memory history.
package sweep
