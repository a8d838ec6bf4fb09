// Package storage is driverelay's optional persistence layer.
//
// It keeps two things:
//   - the relay audit trail, one row per processed change
//   - dedup keys with an expiry, for idempotency that survives restarts
//
// Drivers: file (JSON Lines), sqlite (modernc.org/sqlite), postgres (lib/pq).
package storage
