// Package storage persists incidents: aborted or failed episodes reported
// by the driver.
//
// Two backends are available:
//   - file: JSON Lines, append-only, tail read, prune by rewrite
//   - sqlite: single database file with embedded migrations (WAL)
package storage
