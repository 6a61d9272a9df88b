// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /recall and /storage (also under /v1) for similarity search and
//     manual chunk ingestion.
//   - POST /v1/clients and /v1/sites to register owners and crawl roots.
//   - GET /v1/sites and /v1/pages/{page_id} for inspection.
//   - GET /healthz, /readyz, and /metrics for health checks and Prometheus scraping.
package api
