package marionette

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricRegistryEntries      = []string{"marionette", "registry", "entries"}
	MetricRegistryExpiredCount = []string{"marionette", "registry", "expired", "count"}

	MetricDiscoveryAnnounceCount  = []string{"marionette", "discovery", "announce", "count"}
	MetricDiscoveryAnnounceErrors = []string{"marionette", "discovery", "announce", "error", "count"}
	MetricDiscoveryQueryCount     = []string{"marionette", "discovery", "query", "count"}
	MetricDiscoveryResponseCount  = []string{"marionette", "discovery", "response", "count"}
	MetricDiscoveryResolveCount   = []string{"marionette", "discovery", "resolve", "count"}
	MetricDiscoveryResolveEmpty   = []string{"marionette", "discovery", "resolve", "empty", "count"}
	MetricDiscoveryMalformedCount = []string{"marionette", "discovery", "malformed", "count"}

	MetricServerConnInCount      = []string{"marionette", "server", "connection", "in", "count"}
	MetricServerDispatchCount    = []string{"marionette", "server", "dispatch", "count"}
	MetricServerDispatchErrors   = []string{"marionette", "server", "dispatch", "error", "count"}
	MetricServerForcedCloseCount = []string{"marionette", "server", "forced", "close", "count"}

	MetricConnDialCount      = []string{"marionette", "conn", "dial", "count"}
	MetricConnDialErrorCount = []string{"marionette", "conn", "dial", "error", "count"}

	MetricPoolAcquireCount   = []string{"marionette", "pool", "acquire", "count"}
	MetricPoolReuseCount     = []string{"marionette", "pool", "reuse", "count"}
	MetricPoolExhaustedCount = []string{"marionette", "pool", "exhausted", "count"}
	MetricPoolEvictedCount   = []string{"marionette", "pool", "evicted", "count"}
	MetricPoolDiscardedCount = []string{"marionette", "pool", "discarded", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelServiceName TelemetryLabel = "service_name"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelMethod      TelemetryLabel = "method"
	LabelDuration    TelemetryLabel = "duration"
	LabelState       TelemetryLabel = "state"
	LabelReason      TelemetryLabel = "reason"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
