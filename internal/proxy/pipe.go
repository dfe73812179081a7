package proxy

import (
	"sync"
)

// ClientConn is the client end of a transport.
type ClientConn interface {
	Send(req Request) error
	Recv() (Response, error)
	Close() error
}

// ServerConn is the worker end of a transport.
type ServerConn interface {
	Recv() (Request, error)
	Send(resp Response) error
	Close() error
}

type pipe struct {
	reqs     chan Request
	resps    chan Response
	done     chan struct{}
	once     sync.Once
	transfer bool
}

// NewPipe returns the two ends of an in-process channel transport.
//
// With transfer set, request payloads and decoded buffers are handed over
// as-is and the sender must not touch them again. Without it, every buffer
// is deep-copied on send.
func NewPipe(transfer bool) (ClientConn, ServerConn) {
	p := &pipe{
		reqs:     make(chan Request, 4),
		resps:    make(chan Response, 4),
		done:     make(chan struct{}),
		transfer: transfer,
	}
	return pipeClient{p}, pipeServer{p}
}

func (p *pipe) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type pipeClient struct{ p *pipe }

func (c pipeClient) Send(req Request) error {
	if !c.p.transfer && req.Data != nil {
		req.Data = append([]byte(nil), req.Data...)
	}
	select {
	case <-c.p.done:
		return ErrClosed
	default:
	}
	select {
	case c.p.reqs <- req:
		return nil
	case <-c.p.done:
		return ErrClosed
	}
}

func (c pipeClient) Recv() (Response, error) {
	select {
	case resp := <-c.p.resps:
		return resp, nil
	case <-c.p.done:
		return Response{}, ErrClosed
	}
}

func (c pipeClient) Close() error { return c.p.close() }

type pipeServer struct{ p *pipe }

func (s pipeServer) Recv() (Request, error) {
	select {
	case req := <-s.p.reqs:
		return req, nil
	case <-s.p.done:
		return Request{}, ErrClosed
	}
}

func (s pipeServer) Send(resp Response) error {
	if !s.p.transfer {
		resp.Props = resp.Props.clone()
	}
	select {
	case s.p.resps <- resp:
		return nil
	case <-s.p.done:
		return ErrClosed
	}
}

func (s pipeServer) Close() error { return s.p.close() }
