package proxy

import (
	"errors"
	"io"
	"log/slog"

	"github.com/drgolem/streamsync/internal/eventloop"
	"github.com/drgolem/streamsync/pkg/types"
)

// RemoteError is a decoder failure reported by a worker.
type RemoteError struct {
	Action Action
	Msg    string
}

func (e *RemoteError) Error() string {
	return "proxy: " + e.Action.String() + ": " + e.Msg
}

// Client issues requests to a worker and mirrors the decoder properties
// the worker reports. All methods must be called on the executor
// goroutine; responses are delivered there too.
type Client struct {
	conn ClientConn
	role Role
	exec eventloop.Executor
	log  *slog.Logger

	nextID uint64
	calls  map[uint64]func(Response)
	closed bool

	loaded      bool
	audioFormat *types.AudioFormat
	audioBuffer types.SampleBuffer
	videoFormat *types.VideoFormat
	frameBuffer *types.FrameBuffer
}

func newClient(conn ClientConn, role Role, exec eventloop.Executor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:  conn,
		role:  role,
		exec:  exec,
		log:   logger.With("component", "proxy_client", "role", role.String()),
		calls: make(map[uint64]func(Response)),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		resp, err := c.conn.Recv()
		if err != nil {
			if errors.Is(err, ErrMalformed) || errors.Is(err, ErrVersion) {
				c.log.Warn("Dropping malformed response", "error", err)
				continue
			}
			if !errors.Is(err, ErrClosed) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.log.Error("Transport failed", "error", err)
			}
			return
		}
		if !c.exec.Post(func() { c.dispatch(resp) }) {
			return
		}
	}
}

func (c *Client) dispatch(resp Response) {
	if c.closed {
		return
	}
	cb, ok := c.calls[resp.ID]
	if !ok {
		c.log.Warn("Dropping response with unknown id", "call_id", resp.ID, "action", resp.Action.String())
		return
	}
	delete(c.calls, resp.ID)
	c.apply(resp.Props)
	cb(resp)
}

func (c *Client) apply(p Props) {
	if p.Has(FieldLoadedMetadata) {
		c.loaded = p.LoadedMetadata
	}
	if p.Has(FieldAudioFormat) {
		c.audioFormat = p.AudioFormat
	}
	if p.Has(FieldAudioBuffer) {
		c.audioBuffer = p.AudioBuffer
	}
	if p.Has(FieldVideoFormat) {
		c.videoFormat = p.VideoFormat
	}
	if p.Has(FieldFrameBuffer) {
		c.frameBuffer = p.FrameBuffer
	}
}

func (c *Client) call(action Action, data []byte, cb func(error)) {
	if c.closed {
		c.exec.Post(func() { cb(ErrClosed) })
		return
	}

	c.nextID++
	id := c.nextID
	c.calls[id] = func(resp Response) {
		if resp.Err != "" {
			cb(&RemoteError{Action: action, Msg: resp.Err})
			return
		}
		cb(nil)
	}

	req := Request{Version: Version, ID: id, Role: c.role, Action: action, Data: data}
	if err := c.conn.Send(req); err != nil {
		delete(c.calls, id)
		c.exec.Post(func() { cb(err) })
	}
}

// Processing reports whether any call is awaiting its response.
func (c *Client) Processing() bool {
	return len(c.calls) > 0
}

// Close asks the worker to shut down and drops every outstanding call.
// Responses arriving later are ignored.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	clear(c.calls)
	c.nextID++
	if err := c.conn.Send(Request{Version: Version, ID: c.nextID, Role: c.role, Action: ActionClose}); err != nil {
		c.log.Debug("Close request not delivered", "error", err)
	}
	c.conn.Close()
}

func (c *Client) LoadedMetadata() bool { return c.loaded }

// AudioClient is a codec.AudioTrack backed by a worker.
type AudioClient struct{ *Client }

// NewAudioClient starts reading responses from conn.
func NewAudioClient(conn ClientConn, exec eventloop.Executor, logger *slog.Logger) *AudioClient {
	return &AudioClient{newClient(conn, RoleAudio, exec, logger)}
}

func (c *AudioClient) Init(cb func(error)) { c.call(ActionInit, nil, cb) }

func (c *AudioClient) ProcessHeader(data []byte, cb func(error)) {
	c.call(ActionProcessHeader, data, cb)
}

func (c *AudioClient) ProcessAudio(data []byte, cb func(error)) {
	c.call(ActionProcessAudio, data, cb)
}

func (c *AudioClient) AudioFormat() *types.AudioFormat { return c.audioFormat }
func (c *AudioClient) AudioBuffer() types.SampleBuffer { return c.audioBuffer }

// VideoClient is a codec.VideoTrack backed by a worker.
type VideoClient struct{ *Client }

// NewVideoClient starts reading responses from conn.
func NewVideoClient(conn ClientConn, exec eventloop.Executor, logger *slog.Logger) *VideoClient {
	return &VideoClient{newClient(conn, RoleVideo, exec, logger)}
}

func (c *VideoClient) Init(cb func(error)) { c.call(ActionInit, nil, cb) }

func (c *VideoClient) ProcessHeader(data []byte, cb func(error)) {
	c.call(ActionProcessHeader, data, cb)
}

func (c *VideoClient) ProcessFrame(data []byte, cb func(error)) {
	c.call(ActionProcessFrame, data, cb)
}

func (c *VideoClient) VideoFormat() *types.VideoFormat { return c.videoFormat }
func (c *VideoClient) FrameBuffer() *types.FrameBuffer { return c.frameBuffer }
