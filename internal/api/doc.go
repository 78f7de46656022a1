// Package api hosts the HTTP server, middleware, and REST handlers of
// pricepulse. Every product and job route is served at the root and again
// under the configured prefix (default /api/v1):
//   - GET /health and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET, POST /products and GET, PATCH /products/{id}.
//   - GET /products/{id}/history and POST /products/{id}/track.
//   - GET /jobs/{job_id} for polling a price check.
package api
