// Package api hosts the operator HTTP surface of a pipeline process:
//   - GET /healthz for liveness and /readyz for readiness, which pings Redis and Postgres.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/links to seed starting URLs onto the links topic.
package api
