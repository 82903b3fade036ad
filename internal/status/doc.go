// Package status keeps the last known up/down state of every device,
// in memory with a best-effort SQLite mirror.
package status
