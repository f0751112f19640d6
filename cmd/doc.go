// Package cmd defines the CLI for the recipe-crawler executable.
//
// Stage commands (fetch, extract, persist, run-all) block until SIGINT or
// SIGTERM, then drain in-flight work and stop. When metrics are enabled they
// also serve /healthz, /readyz, /metrics and POST /v1/links on metrics.addr.
//
// Quick checklist:
//   - Configure via a file (--config) or CRAWLER_* env vars, e.g.
//     CRAWLER_BROKER_BACKEND=redis, CRAWLER_REDIS_ADDR, CRAWLER_DB_DSN.
//   - Apply the schema once: recipe-crawler migrate up.
//   - Start the stages, then seed: recipe-crawler seed https://example.com/recipes.
package cmd
