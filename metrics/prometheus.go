// Package metrics holds the naming shared by every Prometheus collector in the module.
package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of every metric exported by the module.
	NamespacePrefix = "bbm"
)

var (
	// ExecutorNamespace is the go-metrics namespace for timers recorded by the batch executor.
	ExecutorNamespace = metrics.NewNamespace(NamespacePrefix, "executor", nil)

	// ChunkTimer records the duration of every chunk callback. It must be created before the namespace is
	// registered, go-metrics only describes the metrics it holds at registration time.
	ChunkTimer = ExecutorNamespace.NewTimer("chunk", "The duration of a single chunk callback")
)

func init() {
	metrics.Register(ExecutorNamespace)
}
