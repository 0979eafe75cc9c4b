// Package metrics defines and registers portod's Prometheus metrics:
// container counts by state, Composer step latency, reaper/reconciler
// throughput, KvStore append/compaction counts, and RPC request latency.
// Metrics are package-level prometheus collectors registered at init time
// and updated inline by the components that own the events they describe.
package metrics
