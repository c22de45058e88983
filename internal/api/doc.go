// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs and /v1/runs/stop to start and stop automation runs.
//   - GET /v1/status for the orchestrator's view next to the reconciler's.
//   - /v1/liens, /v1/documents, /v1/jurisdictions and /v1/logs for the stored data.
//   - POST /v1/maintenance/repair-documents for the document repair pass.
package api
