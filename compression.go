package dcpcore

import (
	"github.com/golang/snappy"

	"github.com/couchbaselabs/dcpcore/dcpwire"
)

// CompressionManager applies and reverses snappy compression on mutation
// and deletion values, negotiated via the enable_value_compression control
// key (§4.5's control negotiation list).
type CompressionManager interface {
	// Compress snappy-encodes value if it is large enough to be worth it
	// and the connection has negotiated support. It never returns a result
	// bigger than the input.
	Compress(enabled bool, datatype uint8, value []byte) ([]byte, uint8, error)

	// Decompress reverses Compress, snappy-decoding value if the datatype
	// byte carries the compressed bit.
	Decompress(datatype uint8, value []byte) ([]byte, uint8, error)
}

// compressionManager is the default CompressionManager, mirroring the
// size/ratio gate a real engine applies before spending CPU on compression.
type compressionManager struct {
	minSize  int
	minRatio float64
}

// NewCompressionManager builds a CompressionManager that only compresses
// values larger than minSize, and only keeps the compressed form when its
// size is at most minRatio times the original size.
func NewCompressionManager(minSize int, minRatio float64) CompressionManager {
	if minRatio <= 0 {
		minRatio = 0.85
	}
	return &compressionManager{minSize: minSize, minRatio: minRatio}
}

func (c *compressionManager) Compress(enabled bool, datatype uint8, value []byte) ([]byte, uint8, error) {
	if !enabled {
		return value, datatype, nil
	}
	if dcpwire.DatatypeFlag(datatype).HasCompressed() {
		return value, datatype, nil
	}
	if len(value) <= c.minSize {
		return value, datatype, nil
	}

	compressed := snappy.Encode(nil, value)
	if float64(len(compressed))/float64(len(value)) > c.minRatio {
		return value, datatype, nil
	}

	return compressed, datatype | uint8(dcpwire.DatatypeFlagCompressed), nil
}

func (c *compressionManager) Decompress(datatype uint8, value []byte) ([]byte, uint8, error) {
	if !dcpwire.DatatypeFlag(datatype).HasCompressed() {
		return value, datatype, nil
	}

	decoded, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, 0, err
	}

	return decoded, datatype &^ uint8(dcpwire.DatatypeFlagCompressed), nil
}
