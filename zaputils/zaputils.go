package zaputils

import (
	"fmt"

	"go.uber.org/zap"
)

func VbucketID(key string, val uint16) zap.Field {
	return zap.Uint16(key, val)
}

func SeqNo(key string, val uint64) zap.Field {
	return zap.Uint64(key, val)
}

func VbUUID(key string, val uint64) zap.Field {
	return zap.Uint64(key, val)
}

func Opaque(key string, val uint32) zap.Field {
	return zap.Uint32(key, val)
}

// ConnID tags a log line with the short connection identifier assigned at
// Producer/Consumer construction, mirroring the teacher's clientId field.
func ConnID(val string) zap.Field {
	return zap.String("connId", val)
}

type LoggableStreamID struct {
	VbucketID uint16
	Opaque    uint32
}

func (e LoggableStreamID) String() string {
	return fmt.Sprintf("vb%d/opaque%d", e.VbucketID, e.Opaque)
}

func StreamID(key string, vbID uint16, opaque uint32) zap.Field {
	return zap.Stringer(key, LoggableStreamID{
		VbucketID: vbID,
		Opaque:    opaque,
	})
}

type LoggableSnapshot struct {
	StartSeqNo uint64
	EndSeqNo   uint64
}

func (e LoggableSnapshot) String() string {
	return fmt.Sprintf("[%d,%d]", e.StartSeqNo, e.EndSeqNo)
}

func Snapshot(key string, startSeqNo, endSeqNo uint64) zap.Field {
	return zap.Stringer(key, LoggableSnapshot{
		StartSeqNo: startSeqNo,
		EndSeqNo:   endSeqNo,
	})
}
