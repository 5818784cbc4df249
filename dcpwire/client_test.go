package dcpwire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipedClients returns two Clients connected by an in-memory net.Pipe, so
// Dispatch/unsolicited/orphan handling can be exercised without a real
// server, mirroring the teacher's createTestClient but without the
// network dependency.
func pipedClients(t *testing.T, serverOpts, clientOpts *ClientOptions) (server, client *Client) {
	t.Helper()
	a, b := net.Pipe()
	server = NewClient(NewConn(a), serverOpts)
	client = NewClient(NewConn(b), clientOpts)
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}

func TestClientDispatchReceivesResponse(t *testing.T) {
	var server *Client
	server, client := pipedClients(t, &ClientOptions{
		UnsolicitedHandler: func(pak *Packet) {
			// Echo a NOOP response carrying the request's opaque, the way
			// a consumer acks a producer-sent NOOP.
			_ = server.WritePacket(&Packet{
				Magic:  MagicRes,
				OpCode: OpCodeDcpNoop,
				Opaque: pak.Opaque,
				Status: StatusSuccess,
			})
		},
	}, nil)

	result := make(chan *Packet, 1)
	_, err := client.Dispatch(&Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpNoop,
		VbucketID: 0,
	}, func(pak *Packet, err error) bool {
		result <- pak
		return false
	})
	require.NoError(t, err)

	select {
	case pak := <-result:
		require.NotNil(t, pak)
		assert.Equal(t, StatusSuccess, pak.Status)
	case <-time.After(time.Second):
		t.Fatal("dispatch handler never invoked")
	}
}

func TestClientDispatchCancelBeforeResponse(t *testing.T) {
	_, client := pipedClients(t, &ClientOptions{
		UnsolicitedHandler: func(pak *Packet) {},
	}, nil)

	result := make(chan error, 1)
	op, err := client.Dispatch(&Packet{
		Magic:  MagicReq,
		OpCode: OpCodeDcpNoop,
	}, func(pak *Packet, err error) bool {
		result <- err
		return false
	})
	require.NoError(t, err)

	cancelErr := assertCancel(t, op)
	assert.True(t, cancelErr)

	select {
	case err := <-result:
		assert.Error(t, err)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("cancelled handler never invoked")
	}
}

func assertCancel(t *testing.T, op PendingOp) bool {
	t.Helper()
	return op.Cancel(assert.AnError)
}

func TestClientUnsolicitedHandlerReceivesRequest(t *testing.T) {
	received := make(chan *Packet, 1)
	server, _ := pipedClients(t, nil, &ClientOptions{
		UnsolicitedHandler: func(pak *Packet) {
			received <- pak
		},
	})

	require.NoError(t, server.WritePacket(&Packet{
		Magic:     MagicReq,
		OpCode:    OpCodeDcpMutation,
		VbucketID: 1,
		Opaque:    1,
		Key:       []byte("k"),
	}))

	select {
	case pak := <-received:
		assert.Equal(t, OpCodeDcpMutation, pak.OpCode)
	case <-time.After(time.Second):
		t.Fatal("unsolicited handler never invoked")
	}
}

func TestClientOrphanHandlerReceivesUnmatchedResponse(t *testing.T) {
	received := make(chan *Packet, 1)
	server, _ := pipedClients(t, nil, &ClientOptions{
		OrphanHandler: func(pak *Packet) {
			received <- pak
		},
	})

	require.NoError(t, server.WritePacket(&Packet{
		Magic:  MagicRes,
		OpCode: OpCodeDcpNoop,
		Opaque: 999, // never registered via client.Dispatch
		Status: StatusSuccess,
	}))

	select {
	case pak := <-received:
		assert.Equal(t, uint32(999), pak.Opaque)
	case <-time.After(time.Second):
		t.Fatal("orphan handler never invoked")
	}
}

func TestClientCloseFailsInFlightHandlers(t *testing.T) {
	_, client := pipedClients(t, &ClientOptions{
		UnsolicitedHandler: func(pak *Packet) {},
	}, nil)

	result := make(chan error, 1)
	_, err := client.Dispatch(&Packet{Magic: MagicReq, OpCode: OpCodeDcpNoop}, func(pak *Packet, err error) bool {
		result <- err
		return false
	})
	require.NoError(t, err)

	require.NoError(t, client.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosedInFlight)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked on close")
	}
}
