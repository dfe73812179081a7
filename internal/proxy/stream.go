package proxy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// maxEnvelope bounds a single message; larger length prefixes mean the
// stream is out of sync and cannot be recovered.
const maxEnvelope = 64 << 20

// streamConn frames envelopes over a byte stream as a u32 length prefix
// followed by the envelope.
type streamConn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	wmu  sync.Mutex
	wbuf []byte
}

func newStreamConn(rwc io.ReadWriteCloser) *streamConn {
	return &streamConn{rwc: rwc, r: bufio.NewReader(rwc)}
}

func (c *streamConn) write(appendBody func([]byte) []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := append(c.wbuf[:0], 0, 0, 0, 0)
	buf = appendBody(buf)
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(buf)-4))
	c.wbuf = buf

	if _, err := c.rwc.Write(buf); err != nil {
		return fmt.Errorf("proxy: write envelope: %w", err)
	}
	return nil
}

func (c *streamConn) read() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxEnvelope {
		return nil, fmt.Errorf("%w: envelope of %d bytes", ErrClosed, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *streamConn) Close() error {
	return c.rwc.Close()
}

// NewStreamTransport returns the client end of a transport over rwc.
// Payloads are always copied.
func NewStreamTransport(rwc io.ReadWriteCloser) ClientConn {
	return streamClient{newStreamConn(rwc)}
}

// NewStreamServer returns the worker end of a transport over rwc.
func NewStreamServer(rwc io.ReadWriteCloser) ServerConn {
	return streamServer{newStreamConn(rwc)}
}

type streamClient struct{ *streamConn }

func (c streamClient) Send(req Request) error {
	return c.write(func(b []byte) []byte { return appendRequest(b, req) })
}

// Recv returns the next response. A malformed envelope is reported with an
// error wrapping ErrMalformed and the connection stays usable.
func (c streamClient) Recv() (Response, error) {
	body, err := c.read()
	if err != nil {
		return Response{}, err
	}
	return decodeResponse(body)
}

type streamServer struct{ *streamConn }

func (s streamServer) Send(resp Response) error {
	return s.write(func(b []byte) []byte { return appendResponse(b, resp) })
}

func (s streamServer) Recv() (Request, error) {
	body, err := s.read()
	if err != nil {
		return Request{}, err
	}
	return decodeRequest(body)
}
