// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET/PUT /v1/scheduler for pool usage and the crawler enable switch.
//   - GET /v1/crawls, /v1/crawls/{key} and /v1/queue for live crawl status.
//   - GET /v1/aus and POST /v1/aus/{auid}/crawl|repair|cancel for control.
//   - GET /v1/history for persisted crawl runs via the HistoryRepository.
package api
