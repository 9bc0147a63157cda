// Package api hosts the operator HTTP surface of a running crawl:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the live run summary and current key.
//   - GET /v1/checkpoint for the persisted resume position.
package api
