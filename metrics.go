package dcpcore

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const buildVersion = "0.1.0"

var meter = otel.Meter("github.com/couchbaselabs/dcpcore",
	metric.WithInstrumentationVersion(buildVersion))

var (
	// streamsOpened tracks ActiveStream/PassiveStream creations, labeled by
	// role (producer/consumer).
	streamsOpened, _ = meter.Int64Counter("dcpcore.streams_opened")

	// streamsClosed tracks stream teardown, labeled by end reason.
	streamsClosed, _ = meter.Int64Counter("dcpcore.streams_closed")

	// bufferLogBytesSent tracks bytes billed against a producer's BufferLog.
	bufferLogBytesSent, _ = meter.Int64Counter("dcpcore.bufferlog_bytes_sent")

	// flowControlBytesFreed tracks bytes freed by the consumer, counted as
	// each event is freed, whether or not a BUFFER_ACK has been sent yet.
	flowControlBytesFreed, _ = meter.Int64Counter("dcpcore.flowcontrol_bytes_freed")

	// backfillScansActive tracks concurrent disk scans in flight.
	backfillScansActive, _ = meter.Int64UpDownCounter("dcpcore.backfill_scans_active")

	// rollbacksIssued tracks STREAM_REQ responses carrying status=Rollback.
	rollbacksIssued, _ = meter.Int64Counter("dcpcore.rollbacks_issued")

	// noopRoundTrip tracks the latency between a NOOP send and its ack.
	noopRoundTrip, _ = meter.Float64Histogram("dcpcore.noop_round_trip_seconds")
)

// metricAttr is a small helper for the single-label case used throughout
// this package; avoids repeating metric.WithAttributes(attribute.String(...))
// at every call site.
func metricAttr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}
