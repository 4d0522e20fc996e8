// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a crawl and GET /v1/runs/last for its report.
//   - GET /v1/sources, /v1/sources/{source}/watermark and /v1/articles/untranslated
//     for read-only inspection through the record gateway.
package api
