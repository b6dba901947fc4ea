// Package api hosts the HTTP server, middleware and handlers for triggering
// category crawls and collecting their exports. Notable routes:
//   - POST /category starts (or joins) a crawl for a category name.
//   - GET /category/{key} returns the CSV once the session has drained.
//   - GET /category/{key}/status reports store-side progress.
//   - GET /healthz, /readyz for probes and /metrics for Prometheus.
package api
