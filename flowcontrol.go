package dcpcore

import "go.uber.org/atomic"

// FlowControl is the consumer-side counterpart to BufferLog: it tracks
// bytes freed by applying (or rejecting) buffered events and decides when
// enough has accumulated to justify sending a BUFFER_ACK, per §4.5.
type FlowControl struct {
	window      atomic.Uint64
	ackThresh   atomic.Uint64
	freedBytes  atomic.Uint64
}

// NewFlowControl builds a FlowControl with the given window and ack
// threshold fraction (e.g. 0.2 for the default one-fifth-of-window
// threshold). A window of zero disables flow control: Free still
// accumulates freedBytes for metrics, but Free never reports shouldAck.
func NewFlowControl(window uint64, ackThresholdFraction float64) *FlowControl {
	fc := &FlowControl{}
	fc.window.Store(window)
	fc.ackThresh.Store(uint64(float64(window) * ackThresholdFraction))
	return fc
}

// Free records n bytes freed by the consumer (an event applied, or
// rejected after having been buffered). It returns the delta that should
// be acked and true if the accumulated total has crossed the threshold; on
// true, the internal counter is reset to zero as if the ack had already
// been sent — callers must actually send the BUFFER_ACK.
func (fc *FlowControl) Free(n uint64) (delta uint64, shouldAck bool) {
	total := fc.freedBytes.Add(n)

	thresh := fc.ackThresh.Load()
	if thresh == 0 {
		return 0, false
	}
	if total < thresh {
		return 0, false
	}

	for {
		cur := fc.freedBytes.Load()
		if cur < thresh {
			// another goroutine already claimed this ack window.
			return 0, false
		}
		if fc.freedBytes.CompareAndSwap(cur, 0) {
			return cur, true
		}
	}
}

// Window returns the negotiated connection_buffer_size.
func (fc *FlowControl) Window() uint64 {
	return fc.window.Load()
}

// SetWindow updates the window and recomputes the ack threshold from the
// same fraction used at construction time.
func (fc *FlowControl) SetWindow(window uint64, ackThresholdFraction float64) {
	fc.window.Store(window)
	fc.ackThresh.Store(uint64(float64(window) * ackThresholdFraction))
}

// FreedBytes returns the bytes accumulated since the last ack, for tests
// and metrics; it does not reset the counter.
func (fc *FlowControl) FreedBytes() uint64 {
	return fc.freedBytes.Load()
}
