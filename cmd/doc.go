// Package cmd implements the gazette-sync command line.
//
//   - sync runs every enabled source over a date range once and prints a
//     per-source summary. It exits non-zero when every source failed.
//   - serve starts the control API and a dispatcher that executes queued
//     runs one at a time until SIGINT or SIGTERM.
//   - sources lists the configured source names.
//
// Configuration comes from the file given with --config and GAZETTE_*
// environment variables; see internal/config.
package cmd
