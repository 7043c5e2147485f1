// Package sinks implements concrete progress consumers: Prometheus
// collectors, crawl history persistence and structured logging. Each sink
// satisfies progress.Sink.
package sinks
