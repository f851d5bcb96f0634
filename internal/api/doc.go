// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for container probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans to run a scan; the response returns after the priority
//     phase while the remaining pages are fetched in the background.
//   - GET /v1/snapshots/{id}, /v1/snapshots/{id}/pages and
//     /v1/competitors/{id} for read models.
//   - GET /v1/pages/{id}/raw, /text and /preview for stored content.
package api
