// Command simplecomptool serves the competitor scan API.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /v1/scans plus read endpoints for snapshots, pages and
//     competitors, and the operational /healthz, /readyz and /metrics routes.
//   - Scan service: internal/scan validates and canonicalizes the target, discovers up to twenty same-site URLs,
//     decides the render mode, fetches the priority pages synchronously and hands the rest to the background pool.
//   - Dispatcher & queue: background completion tasks flow through a bounded in-memory queue sized by
//     scan.queue_depth and a fixed worker pool sized by scan.workers. SIGTERM cancels running tasks, which mark
//     their snapshots failed with SHUTDOWN.
//   - Fetching: every scan opens its own fetch session with a Colly static client and a lazily started browser
//     (chromedp or rod). Static and rendered fetches run under separate concurrency caps.
//   - Persistence: metadata goes to memory, SQLite or Postgres; raw HTML and extracted text go to the configured
//     blob store (memory, local or GCS). A completion event is published to Pub/Sub when a topic is configured.
//
// Quick checklist:
//   - Configure env vars with the SCAN_ prefix, e.g. SCAN_SERVER_PORT, SCAN_STORE_BACKEND, SCAN_AUTH_API_KEY,
//     SCAN_SUMMARIZER_API_KEY.
//   - Run locally: go run ./cmd/simplecomptool -config config.yaml (or rely solely on env overrides).
package main
