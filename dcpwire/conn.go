package dcpwire

import (
	"bufio"
	"io"
	"net"
)

// Conn wraps a byte-stream transport (typically a net.Conn) with buffered
// DCP packet framing. It does not dial, authenticate, or negotiate TLS;
// callers hand it an already-established connection.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	pr     PacketReader
	pw     PacketWriter
}

func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

func (c *Conn) WritePacket(pak *Packet) error {
	return c.pw.WritePacket(c.rwc, pak)
}

func (c *Conn) ReadPacket(pak *Packet) error {
	return c.pr.ReadPacket(c.reader, pak)
}

func (c *Conn) Close() error {
	return c.rwc.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	if nc, ok := c.rwc.(net.Conn); ok {
		return nc.LocalAddr()
	}
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	if nc, ok := c.rwc.(net.Conn); ok {
		return nc.RemoteAddr()
	}
	return nil
}
