// Package api hosts the HTTP control surface for crawl sessions. Notable
// routes:
//   - POST /start and /stop to launch or cooperatively stop a crawl.
//   - GET /status, /sessions and /results for progress and extracted pages.
//   - GET /download for the session's JSONL record file.
//   - GET /logs to stream records over a WebSocket.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
