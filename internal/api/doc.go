// Package api hosts the HTTP control surface of the sync service:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources lists the configured sources.
//   - POST /v1/syncs queues a sync run over a date range.
//   - GET /v1/syncs/{run_id} and /v1/syncs/{run_id}/result report on a run.
package api
