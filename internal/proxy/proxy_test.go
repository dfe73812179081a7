package proxy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/drgolem/streamsync/internal/eventloop"
	"github.com/drgolem/streamsync/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

// scriptedConn is a ClientConn whose responses are pushed by the test.
type scriptedConn struct {
	mu    sync.Mutex
	sent  []Request
	resps chan Response
	done  chan struct{}
	once  sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{resps: make(chan Response), done: make(chan struct{})}
}

func (c *scriptedConn) Send(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, req)
	return nil
}

func (c *scriptedConn) Recv() (Response, error) {
	select {
	case r := <-c.resps:
		return r, nil
	case <-c.done:
		return Response{}, ErrClosed
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// sineDecoder is an audio decoder producing one fresh buffer per packet,
// one sample per payload byte.
type sineDecoder struct {
	loaded bool
	buf    types.SampleBuffer
	closed bool
}

func (d *sineDecoder) Init() error { return nil }

func (d *sineDecoder) ProcessHeader(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty header")
	}
	d.loaded = true
	return nil
}

func (d *sineDecoder) ProcessAudio(data []byte) error {
	d.buf = types.NewSampleBuffer(2, len(data))
	for i, b := range data {
		d.buf[0][i] = float32(b) / 255
		d.buf[1][i] = -float32(b) / 255
	}
	return nil
}

func (d *sineDecoder) LoadedMetadata() bool { return d.loaded }

func (d *sineDecoder) AudioFormat() *types.AudioFormat {
	if !d.loaded {
		return nil
	}
	return &types.AudioFormat{Channels: 2, Rate: 44100}
}

func (d *sineDecoder) AudioBuffer() types.SampleBuffer { return d.buf }
func (d *sineDecoder) Close() error                    { d.closed = true; return nil }

type checkerDecoder struct {
	loaded bool
	frame  *types.FrameBuffer
	n      int
}

func (d *checkerDecoder) Init() error { return nil }
func (d *checkerDecoder) ProcessHeader(data []byte) error {
	d.loaded = true
	return nil
}
func (d *checkerDecoder) ProcessFrame(data []byte) error {
	d.n++
	f := d.VideoFormat()
	d.frame = &types.FrameBuffer{
		Format: *f,
		Y:      types.Plane{Bytes: bytes.Repeat([]byte{byte(d.n)}, 16), Stride: 4},
		Cb:     types.Plane{Bytes: []byte{1, 2, 3, 4}, Stride: 2},
		Cr:     types.Plane{Bytes: []byte{5, 6, 7, 8}, Stride: 2},
	}
	return nil
}
func (d *checkerDecoder) LoadedMetadata() bool { return d.loaded }
func (d *checkerDecoder) VideoFormat() *types.VideoFormat {
	return &types.VideoFormat{Width: 4, Height: 4, FrameWidth: 4, FrameHeight: 4, ChromaWidth: 2, ChromaHeight: 2, FPS: 25}
}
func (d *checkerDecoder) FrameBuffer() *types.FrameBuffer { return d.frame }
func (d *checkerDecoder) Close() error                    { return nil }

func TestClientDropsUnknownAndLateResponses(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := startLoop(t)
		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))

		conn := newScriptedConn()
		c := NewAudioClient(conn, l, logger)

		calls := 0
		var gotErr error
		l.Do(func() {
			c.ProcessAudio([]byte{1, 2}, func(err error) {
				calls++
				gotErr = err
			})
		})

		var busy bool
		l.Do(func() { busy = c.Processing() })
		assert.True(t, busy)

		buf := types.NewSampleBuffer(2, 2)
		conn.resps <- Response{Version: Version, ID: 99, Role: RoleAudio, Action: ActionProcessAudio}
		conn.resps <- Response{Version: Version, ID: 1, Role: RoleAudio, Action: ActionProcessAudio,
			Props: Props{Mask: FieldAudioBuffer, AudioBuffer: buf}}
		synctest.Wait()

		l.Do(func() {
			assert.Equal(t, 1, calls)
			assert.NoError(t, gotErr)
			assert.False(t, c.Processing())
			assert.Equal(t, 2, c.AudioBuffer().Len())
		})
		assert.Contains(t, logs.String(), "unknown id")
		assert.Contains(t, logs.String(), "call_id=99")

		// ids are never reused
		l.Do(func() { c.Init(func(error) { calls++ }) })
		conn.mu.Lock()
		require.Len(t, conn.sent, 2)
		assert.Equal(t, uint64(1), conn.sent[0].ID)
		assert.Equal(t, uint64(2), conn.sent[1].ID)
		conn.mu.Unlock()

		logs.Reset()
		l.Do(c.Close)
		select {
		case conn.resps <- Response{Version: Version, ID: 2}:
		default:
		}
		synctest.Wait()

		l.Do(func() { assert.Equal(t, 1, calls) })
		assert.NotContains(t, logs.String(), "unknown id")
	})
}

func TestClientReportsRemoteError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		l := startLoop(t)
		conn := newScriptedConn()
		c := NewAudioClient(conn, l, nil)
		defer l.Do(c.Close)

		errc := make(chan error, 1)
		l.Do(func() { c.ProcessHeader(nil, func(err error) { errc <- err }) })
		conn.resps <- Response{Version: Version, ID: 1, Action: ActionProcessHeader, Err: "empty header"}

		err := <-errc
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, ActionProcessHeader, re.Action)
		assert.Equal(t, "empty header", re.Msg)
	})
}

func TestSnapshotDiff(t *testing.T) {
	var s snapshot
	buf := types.NewSampleBuffer(1, 4)

	first := s.diff(Props{LoadedMetadata: true, AudioFormat: &types.AudioFormat{Channels: 1, Rate: 8000}, AudioBuffer: buf})
	assert.Equal(t, FieldLoadedMetadata|FieldAudioFormat|FieldAudioBuffer, first.Mask)

	// equal format behind a new pointer and the same buffer: nothing changed
	same := s.diff(Props{LoadedMetadata: true, AudioFormat: &types.AudioFormat{Channels: 1, Rate: 8000}, AudioBuffer: buf})
	assert.Equal(t, Field(0), same.Mask)

	next := s.diff(Props{LoadedMetadata: true, AudioFormat: &types.AudioFormat{Channels: 1, Rate: 8000}, AudioBuffer: buf.Clone()})
	assert.Equal(t, FieldAudioBuffer, next.Mask)

	fb := &types.FrameBuffer{}
	video := s.diff(Props{LoadedMetadata: true, AudioFormat: &types.AudioFormat{Channels: 1, Rate: 8000}, AudioBuffer: next.AudioBuffer, FrameBuffer: fb})
	assert.Equal(t, FieldFrameBuffer, video.Mask)
	assert.Same(t, fb, video.FrameBuffer)
}

func TestPipeCopiesWithoutTransfer(t *testing.T) {
	tests := []struct {
		transfer bool
		aliased  bool
	}{
		{transfer: true, aliased: true},
		{transfer: false, aliased: false},
	}
	for _, tt := range tests {
		client, server := NewPipe(tt.transfer)

		payload := []byte{1, 2, 3}
		require.NoError(t, client.Send(Request{Version: Version, ID: 1, Data: payload}))
		req, err := server.Recv()
		require.NoError(t, err)
		payload[0] = 9
		assert.Equal(t, tt.aliased, req.Data[0] == 9, "transfer=%v request payload", tt.transfer)

		buf := types.SampleBuffer{{0.5, 0.25}}
		fb := &types.FrameBuffer{Y: types.Plane{Bytes: []byte{7}}}
		require.NoError(t, server.Send(Response{ID: 1, Props: Props{Mask: FieldAudioBuffer | FieldFrameBuffer, AudioBuffer: buf, FrameBuffer: fb}}))
		resp, err := client.Recv()
		require.NoError(t, err)
		buf[0][0] = -1
		fb.Y.Bytes[0] = 0
		assert.Equal(t, tt.aliased, resp.Props.AudioBuffer[0][0] == -1, "transfer=%v audio buffer", tt.transfer)
		assert.Equal(t, tt.aliased, resp.Props.FrameBuffer.Y.Bytes[0] == 0, "transfer=%v frame planes", tt.transfer)

		client.Close()
		_, err = server.Recv()
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, client.Send(Request{}), ErrClosed)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamTransport(a)
	server := NewStreamServer(b)
	defer client.Close()
	defer server.Close()

	req := Request{Version: Version, ID: 42, Role: RoleVideo, Action: ActionProcessFrame, Data: []byte("packet")}
	go client.Send(req)
	gotReq, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, req, gotReq)

	resp := Response{
		Version: Version,
		ID:      42,
		Role:    RoleVideo,
		Action:  ActionProcessFrame,
		Err:     "corrupt slice",
		Props: Props{
			Mask:           FieldLoadedMetadata | FieldAudioFormat | FieldAudioBuffer | FieldVideoFormat | FieldFrameBuffer,
			LoadedMetadata: true,
			AudioFormat:    &types.AudioFormat{Channels: 2, Rate: 48000},
			AudioBuffer:    types.SampleBuffer{{0.5, -0.5}, {1, -1}},
			VideoFormat:    &types.VideoFormat{Width: 4, Height: 2, FPS: 29.97},
			FrameBuffer: &types.FrameBuffer{
				Format:            types.VideoFormat{Width: 4, Height: 2},
				Y:                 types.Plane{Bytes: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Stride: 4},
				Cb:                types.Plane{Bytes: []byte{9, 10}, Stride: 2},
				Cr:                types.Plane{Bytes: []byte{11, 12}, Stride: 2},
				Timestamp:         1.5,
				KeyframeTimestamp: 1.0,
			},
		},
	}
	go server.Send(resp)
	gotResp, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)

	// a nil field in the mask stays nil
	go server.Send(Response{Version: Version, ID: 43, Props: Props{Mask: FieldFrameBuffer}})
	gotResp, err = client.Recv()
	require.NoError(t, err)
	assert.True(t, gotResp.Props.Has(FieldFrameBuffer))
	assert.Nil(t, gotResp.Props.FrameBuffer)
}

func TestStreamTransportSkipsMalformedEnvelope(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamTransport(a)
	defer client.Close()
	defer b.Close()

	go func() {
		b.Write([]byte{3, 0, 0, 0, 2, 7, 7}) // truncated header
		body := appendResponse(nil, Response{Version: Version + 1, ID: 5})
		frame := append([]byte{byte(len(body)), 0, 0, 0}, body...)
		b.Write(frame)
		body = appendResponse(nil, Response{Version: Version, ID: 6})
		frame = append([]byte{byte(len(body)), 0, 0, 0}, body...)
		b.Write(frame)
	}()

	_, err := client.Recv()
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = client.Recv()
	assert.ErrorIs(t, err, ErrVersion)
	resp, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), resp.ID)
}

func TestLauncherRoundTrip(t *testing.T) {
	for _, l := range []struct {
		name     string
		launcher func(*eventloop.Loop) Launcher
	}{
		{"pipe_transfer", func(l *eventloop.Loop) Launcher { return Launcher{Executor: l, Transfer: true} }},
		{"pipe_copy", func(l *eventloop.Loop) Launcher { return Launcher{Executor: l} }},
		{"stream", func(l *eventloop.Loop) Launcher { return Launcher{Executor: l, Stream: true} }},
	} {
		t.Run(l.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				loop := startLoop(t)
				launcher := l.launcher(loop)
				dec := &sineDecoder{}
				track := launcher.LaunchAudio(dec)

				call := func(fn func(cb func(error))) error {
					errc := make(chan error, 1)
					loop.Do(func() { fn(func(err error) { errc <- err }) })
					return <-errc
				}

				require.NoError(t, call(track.Init))
				err := call(func(cb func(error)) { track.ProcessHeader(nil, cb) })
				assert.ErrorContains(t, err, "empty header")
				require.NoError(t, call(func(cb func(error)) { track.ProcessHeader([]byte("hdr"), cb) }))
				require.NoError(t, call(func(cb func(error)) { track.ProcessAudio([]byte{0, 255, 51}, cb) }))

				loop.Do(func() {
					assert.True(t, track.LoadedMetadata())
					assert.Equal(t, &types.AudioFormat{Channels: 2, Rate: 44100}, track.AudioFormat())
					buf := track.AudioBuffer()
					require.Equal(t, 3, buf.Len())
					assert.InDelta(t, 1.0, buf[0][1], 1e-6)
					assert.InDelta(t, -0.2, buf[1][2], 1e-6)
					assert.False(t, track.Processing())
				})

				vtrack := launcher.LaunchVideo(&checkerDecoder{})
				vcall := func(fn func(cb func(error))) error {
					errc := make(chan error, 1)
					loop.Do(func() { fn(func(err error) { errc <- err }) })
					return <-errc
				}
				require.NoError(t, vcall(vtrack.Init))
				require.NoError(t, vcall(func(cb func(error)) { vtrack.ProcessHeader([]byte("v"), cb) }))
				require.NoError(t, vcall(func(cb func(error)) { vtrack.ProcessFrame([]byte("f"), cb) }))
				require.NoError(t, vcall(func(cb func(error)) { vtrack.ProcessFrame([]byte("f"), cb) }))
				loop.Do(func() {
					fb := vtrack.FrameBuffer()
					require.NotNil(t, fb)
					assert.Equal(t, byte(2), fb.Y.Bytes[0])
					assert.Equal(t, 25.0, vtrack.VideoFormat().FPS)
				})

				loop.Do(track.Close)
				loop.Do(vtrack.Close)
				synctest.Wait()
				assert.True(t, dec.closed)
			})
		})
	}
}
