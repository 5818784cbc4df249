package dcpcore

import "time"

// ProducerOptions configures a Producer endpoint.
type ProducerOptions struct {
	// NoopInterval is how often the producer sends a NOOP when idle. The
	// noop watchdog disconnects after 2*NoopInterval without a response.
	NoopInterval time.Duration

	// BufferLogInitialSize is not read by NewProducer; the BufferLog passed
	// to NewProducer carries its own size.
	BufferLogInitialSize uint64

	// BackfillOptions is not read by NewProducer; the BackfillManager passed
	// to NewProducer is built with its own BackfillOptions.
	BackfillOptions BackfillOptions
}

func (o ProducerOptions) withDefaults() ProducerOptions {
	if o.NoopInterval <= 0 {
		o.NoopInterval = 30 * time.Second
	}
	return o
}

// ConsumerOptions configures a Consumer endpoint.
type ConsumerOptions struct {
	// FlowControlWindow is the total window advertised to the producer via
	// connection_buffer_size before any stream is opened.
	FlowControlWindow uint64

	// AckThresholdFraction is the fraction of FlowControlWindow that must
	// accumulate in freed bytes before a BUFFER_ACK is emitted. Defaults to
	// 1/5 per the flow-control design.
	AckThresholdFraction float64

	// ProcessorThrottleDelay is the snooze duration the Processor task uses
	// when it drained work but was told to back off (snooze value 5 in the
	// scheduling contract).
	ProcessorThrottleDelay time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.AckThresholdFraction <= 0 {
		o.AckThresholdFraction = 0.2
	}
	if o.ProcessorThrottleDelay <= 0 {
		o.ProcessorThrottleDelay = 5 * time.Millisecond
	}
	return o
}

// BackfillOptions bounds the BackfillManager's disk-scan concurrency.
type BackfillOptions struct {
	MaxConcurrentScans  int
	MaxOutstandingBytes uint64
}

func (o BackfillOptions) withDefaults() BackfillOptions {
	if o.MaxConcurrentScans <= 0 {
		o.MaxConcurrentScans = 4
	}
	if o.MaxOutstandingBytes == 0 {
		o.MaxOutstandingBytes = 20 * 1024 * 1024
	}
	return o
}
