// Package api hosts the HTTP server, middleware, and REST handlers for the
// warehouse. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to load a raw access-log CSV and rebuild the warehouse.
//   - GET /v1/runs/latest for the report of the last successful run.
//   - GET /v1/export and /v1/rejections to read the current warehouse; both
//     answer 409 while an interrupted run has left it incomplete.
package api
