package dcpwire

// Control keys negotiated via DCP_CONTROL. Values are always ASCII strings
// on the wire, even for integer/boolean settings.
const (
	ControlKeyEnableNoop             = "enable_noop"
	ControlKeySetNoopInterval        = "set_noop_interval"
	ControlKeyConnectionBufferSize   = "connection_buffer_size"
	ControlKeySetPriority            = "set_priority"
	ControlKeyEnableExtMetadata      = "enable_ext_metadata"
	ControlKeyEnableValueCompression = "enable_value_compression"
	ControlKeySupportsCursorDropping = "supports_cursor_dropping"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)
