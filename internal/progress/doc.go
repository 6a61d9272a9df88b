// Package progress carries crawl milestones (site passes starting and
// finishing, pages skipped, indexed or failed) from the pipeline to sinks
// without ever blocking the pipeline. Events are batched on a background
// goroutine and fanned out to sinks such as structured logs or Prometheus.
package progress
