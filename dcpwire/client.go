package dcpwire

import (
	"errors"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

var enablePacketLogging bool = os.Getenv("DCPCORE_PACKET_LOGGING") != ""

// Client is a basic DCP client that provides opaque mapping and request
// dispatch over a single Conn. It is not safe for concurrent Dispatch calls
// racing a Close, but the internal locking otherwise allows dispatch and
// response handling to proceed concurrently.
type Client struct {
	conn               *Conn
	unsolicitedHandler func(*Packet)
	orphanHandler      func(*Packet)
	closeHandler       func(error)
	logger             *zap.Logger

	// opaqueMapLock guards all access to the opaque map itself.
	opaqueMapLock sync.Mutex
	// handlerInvokeLock serializes handler invocation so that Close,
	// cancelHandler, and dispatchCallback never race calling the same
	// handler twice.
	handlerInvokeLock sync.Mutex
	opaqueCtr         uint32
	opaqueMap         map[uint32]DispatchCallback
}

var _ Dispatcher = (*Client)(nil)

type ClientOptions struct {
	UnsolicitedHandler func(*Packet)
	OrphanHandler      func(*Packet)
	CloseHandler       func(error)
	Logger             *zap.Logger
}

func NewClient(conn *Conn, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		conn:               conn,
		unsolicitedHandler: opts.UnsolicitedHandler,
		orphanHandler:      opts.OrphanHandler,
		closeHandler:       opts.CloseHandler,
		logger:             logger,

		opaqueCtr: 1,
		opaqueMap: make(map[uint32]DispatchCallback),
	}
	go c.run()

	return c
}

func (c *Client) run() {
	pak := &Packet{}
	var closeErr error
	for {
		err := c.conn.ReadPacket(pak)
		if err != nil {
			closeErr = err
			break
		}

		err = c.dispatchCallback(pak)
		if err != nil {
			c.logger.Debug("failed to dispatch callback", zap.Error(err))
			closeErr = err
			break
		}
	}

	if c.closeHandler != nil {
		c.closeHandler(closeErr)
	}
}

func (c *Client) registerHandler(handler DispatchCallback) uint32 {
	c.opaqueMapLock.Lock()

	opaqueID := c.opaqueCtr
	c.opaqueCtr++

	c.opaqueMap[opaqueID] = handler

	c.opaqueMapLock.Unlock()

	return opaqueID
}

// cancelHandler invokes the handler registered for opaqueID with err, if it
// is still pending. Returns false if the handler had already fired (or
// never existed), matching PendingOp.Cancel's contract.
func (c *Client) cancelHandler(opaqueID uint32, err error) bool {
	c.handlerInvokeLock.Lock()
	defer c.handlerInvokeLock.Unlock()
	c.opaqueMapLock.Lock()

	handler, handlerIsValid := c.opaqueMap[opaqueID]
	if !handlerIsValid {
		c.opaqueMapLock.Unlock()
		return false
	}

	delete(c.opaqueMap, opaqueID)
	c.opaqueMapLock.Unlock()

	c.logger.Debug("cancelling operation",
		zap.Uint32("opaque", opaqueID),
	)

	hasMorePackets := handler(nil, &requestCancelledError{cause: err})
	if hasMorePackets {
		c.logger.DPanic("dcp packet handler returned hasMorePackets after an error", zap.Uint32("opaque", opaqueID))
	}

	return true
}

func (c *Client) dispatchCallback(pak *Packet) error {
	if enablePacketLogging {
		c.logger.Debug("read packet",
			zap.String("magic", pak.Magic.String()),
			zap.String("opcode", pak.OpCode.String()),
			zap.Uint8("datatype", pak.Datatype),
			zap.Uint16("vbucketID", pak.VbucketID),
			zap.String("status", pak.Status.String()),
			zap.Uint32("opaque", pak.Opaque),
			zap.Uint64("cas", pak.Cas),
			zap.Binary("extras", pak.Extras),
			zap.Binary("key", pak.Key),
			zap.Binary("value", pak.Value),
		)
	}

	c.handlerInvokeLock.Lock()
	defer c.handlerInvokeLock.Unlock()

	if pak.Magic.IsRequest() {
		unsolicitedHandler := c.unsolicitedHandler

		if unsolicitedHandler == nil {
			return errors.New("unexpected unsolicited packet")
		}

		unsolicitedHandler(pak)
		return nil
	}

	c.opaqueMapLock.Lock()
	handler, handlerIsValid := c.opaqueMap[pak.Opaque]
	if !handlerIsValid {
		orphanHandler := c.orphanHandler
		c.opaqueMapLock.Unlock()

		if orphanHandler == nil {
			return errors.New("invalid opaque on response packet")
		}

		orphanHandler(pak)
		return nil
	}
	c.opaqueMapLock.Unlock()

	hasMorePackets := handler(pak, nil)

	if !hasMorePackets {
		c.opaqueMapLock.Lock()
		delete(c.opaqueMap, pak.Opaque)
		c.opaqueMapLock.Unlock()
	}

	return nil
}

func (c *Client) Close() error {
	// Close prevents any further writes or reads from occurring. Any ops
	// already in flight will not be handled by the read loop, so we need
	// to iterate the handlers and fail them here.
	err := c.conn.Close()
	if err != nil {
		return err
	}

	c.handlerInvokeLock.Lock()
	c.opaqueMapLock.Lock()
	handlers := c.opaqueMap
	c.opaqueMap = map[uint32]DispatchCallback{}
	c.opaqueMapLock.Unlock()

	for _, handler := range handlers {
		handler(nil, ErrClosedInFlight)
	}

	c.handlerInvokeLock.Unlock()

	return nil
}

func (c *Client) WritePacket(pak *Packet) error {
	return c.conn.WritePacket(pak)
}

// Dispatch sends a packet to the network, calling the handler with
// responses. Handlers can be invoked before this function returns due to a
// race between this function returning and the IO goroutine receiving a
// response; the same race can also happen on cancellation. Callers are
// guaranteed to either receive callbacks OR an error from this call, never
// both.
func (c *Client) Dispatch(req *Packet, handler DispatchCallback) (PendingOp, error) {
	opaqueID := c.registerHandler(handler)
	req.Opaque = opaqueID

	if enablePacketLogging {
		c.logger.Debug("writing packet",
			zap.String("magic", req.Magic.String()),
			zap.String("opcode", req.OpCode.String()),
			zap.Uint8("datatype", req.Datatype),
			zap.Uint16("vbucketID", req.VbucketID),
			zap.String("status", req.Status.String()),
			zap.Uint32("opaque", req.Opaque),
			zap.Uint64("cas", req.Cas),
			zap.Binary("extras", req.Extras),
			zap.Binary("key", req.Key),
			zap.Binary("value", req.Value),
		)
	}

	err := c.conn.WritePacket(req)
	if err != nil {
		c.logger.Debug("failed to write packet",
			zap.Error(err),
			zap.Uint32("opaque", opaqueID),
			zap.String("opcode", req.OpCode.String()),
		)

		c.opaqueMapLock.Lock()
		if _, ok := c.opaqueMap[opaqueID]; !ok {
			// The handler is no longer in the opaque map, so someone
			// cancelled us while the write was in flight. Pretend the
			// write succeeded since the callback already ran with an
			// error.
			c.opaqueMapLock.Unlock()
			return pendingOpNoop{}, nil
		}

		delete(c.opaqueMap, opaqueID)
		c.opaqueMapLock.Unlock()

		return nil, err
	}

	return clientPendingOp{
		client:   c,
		opaqueID: opaqueID,
	}, nil
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
