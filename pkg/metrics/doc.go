/*
Package metrics provides Prometheus metrics collection and exposition for
the orchestrator core: job lifecycle counts and durations, scheduler
queue/worker gauges, inventory refresh timing, notification/WebSocket
fan-out counts, and auth token-validation outcomes. Metrics are exposed
via the /metrics HTTP endpoint for scraping.
*/
package metrics
