// Package ingest turns broker messages into cached and persisted
// telemetry events.
//
// Service owns the ingestion lifecycle. Each message is decoded on the
// broker's delivery goroutine, written to the Cache, and then handed to
// the Forwarder, which persists it in the background. The cache is always
// updated before persistence is submitted; persistence failures are
// logged and never retried.
package ingest
