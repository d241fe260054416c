// Package main hosts the url-indexer entrypoint.
//
// Architecture overview:
//   - Pipeline: a scheduler runs requeue, crawl, submission and inspection in
//     sequence. Crawl verifies reachability with a Colly checker, submission
//     spends per-account daily quota through the quota ledger before calling
//     the indexing API, and inspection classifies outcomes into completion,
//     retry with backoff, or permanent failure.
//   - Single flight: only one run executes at a time per process. With Redis
//     configured, a token lock extends that guarantee across processes and a
//     Redis counter enforces the global requests-per-day cap.
//   - Storage: Postgres (pgx) in production, an in-memory store for local use.
//   - Hosted loop: `serve` triggers runs on an interval or cron schedule and
//     exposes /healthz, /readyz and /metrics. SIGUSR1 requests a forced run.
//
// Quick checklist:
//   - Configure via a YAML file (--config) or INDEXER_* env vars, e.g.
//     INDEXER_STORAGE_DRIVER=postgres INDEXER_DB_DSN=postgres://...
//   - Apply the schema once: indexer migrate --config config.yaml
//   - Load URLs: indexer import urls.csv
//   - Run continuously: indexer serve, or once: indexer run
package main
