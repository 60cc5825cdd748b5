// Package wire implements kivaloo's length-prefixed packet framing:
// a uint64 request ID, a uint32 payload length, and the payload itself.
// Both the LBS and the DDBQ-KV protocols are built directly on top of
// this framing (spec §6.1, §6.2).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// MaxPayload bounds the length field to guard against a corrupt or
// hostile peer claiming an enormous packet and exhausting memory.
const MaxPayload = 16 * 1024 * 1024

const headerLen = 8 + 4 // uint64 ID + uint32 len

// Packet is one frame: an ID correlating request/response, and its
// payload bytes.
type Packet struct {
	ID      uint64
	Payload []byte
}

// Conn wraps a net.Conn with buffered packet framing. It is safe for
// one concurrent reader and one concurrent writer (the usual
// full-duplex socket discipline); it is not safe for concurrent
// writers among themselves.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
}

// NewConn wraps nc, enabling TCP_NODELAY when nc is a *net.TCPConn so
// that coalesced packet writes aren't held back by Nagle's algorithm.
func NewConn(nc net.Conn) *Conn {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Conn{
		nc: nc,
		r:  bufio.NewReaderSize(nc, 64*1024),
		w:  bufio.NewWriterSize(nc, 4096),
	}
}

// ReadPacket blocks until a full packet has been received, or returns
// an error (including io.EOF on a clean peer close).
func (c *Conn) ReadPacket() (Packet, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return Packet{}, err
	}
	id := binary.BigEndian.Uint64(hdr[0:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > MaxPayload {
		return Packet{}, fmt.Errorf("wire: packet length %d exceeds maximum %d", length, MaxPayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return Packet{}, err
	}
	return Packet{ID: id, Payload: payload}, nil
}

// WritePacket writes one frame and flushes it. Coalescing multiple
// packets before flushing is the caller's responsibility via
// WritePacketNoFlush/Flush, mirroring the original writer's buffering
// without needing a separate explicit-flush API for the common case.
func (c *Conn) WritePacket(id uint64, payload []byte) error {
	if err := c.WritePacketNoFlush(id, payload); err != nil {
		return err
	}
	return c.Flush()
}

// WritePacketNoFlush buffers a frame without forcing a syscall,
// letting a caller that is about to send several responses coalesce
// them into one underlying write.
func (c *Conn) WritePacketNoFlush(id uint64, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("wire: payload length %d exceeds maximum %d", len(payload), MaxPayload)
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], id)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Flush pushes any buffered writes to the socket.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}
