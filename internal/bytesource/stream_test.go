package bytesource

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/synctest"
	"time"

	"github.com/drgolem/streamsync/internal/eventloop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	started chan struct{}
	reads   chan []byte
	done    chan struct{}
	errs    chan error
}

func newRecorder() *recorder {
	return &recorder{
		started: make(chan struct{}, 1),
		reads:   make(chan []byte, 1),
		done:    make(chan struct{}, 1),
		errs:    make(chan error, 1),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnStart: func() { r.started <- struct{}{} },
		OnRead:  func(b []byte) { r.reads <- b },
		OnDone:  func() { r.done <- struct{}{} },
		OnError: func(err error) { r.errs <- err },
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/256)
	}
	return b
}

type harness struct {
	loop   *eventloop.Loop
	cancel context.CancelFunc
	rec    *recorder
	s      *Stream
}

func newHarness(f Fetcher, opts Options) *harness {
	l := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	rec := newRecorder()
	opts.Executor = l
	opts.Handler = rec.handler()
	return &harness{loop: l, cancel: cancel, rec: rec, s: New(f, opts)}
}

func (h *harness) close() {
	h.loop.Do(h.s.Abort)
	h.cancel()
}

// next issues one ReadBytes and returns its answer; done is true at EOF.
func (h *harness) next(t *testing.T) (data []byte, done bool) {
	t.Helper()
	h.loop.Do(h.s.ReadBytes)
	select {
	case b := <-h.rec.reads:
		return b, false
	case <-h.rec.done:
		return nil, true
	case err := <-h.rec.errs:
		t.Fatalf("unexpected error: %v", err)
	}
	return nil, false
}

func (h *harness) readAll(t *testing.T) []byte {
	t.Helper()
	var out []byte
	for {
		b, done := h.next(t)
		if done {
			return out
		}
		out = append(out, b...)
	}
}

func TestStreamReadsAcrossChunks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		src := pattern(10_000)
		h := newHarness(&MemoryFetcher{Data: src}, Options{ChunkSize: 3000, BufferSize: 1024, ReadSize: 700})
		defer h.close()

		h.loop.Do(h.s.Start)
		<-h.rec.started

		var total int64
		var seekable bool
		h.loop.Do(func() { total, seekable = h.s.BytesTotal(), h.s.Seekable() })
		assert.Equal(t, int64(10_000), total)
		assert.True(t, seekable)

		got := h.readAll(t)
		assert.True(t, bytes.Equal(src, got), "read %d bytes, want identical 10000", len(got))

		var read, buffered int64
		h.loop.Do(func() { read, buffered = h.s.BytesRead(), h.s.BytesBuffered() })
		assert.Equal(t, int64(10_000), read)
		assert.Equal(t, int64(10_000), buffered)
	})
}

func TestStreamReadSizeBound(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(&MemoryFetcher{Data: pattern(5000)}, Options{ReadSize: 512})
		defer h.close()

		h.loop.Do(h.s.Start)
		<-h.rec.started
		for {
			b, done := h.next(t)
			if done {
				break
			}
			assert.LessOrEqual(t, len(b), 512)
			assert.NotEmpty(t, b)
		}
	})
}

func TestStreamSeekRestartsAtOffset(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		src := pattern(20_000)
		h := newHarness(&MemoryFetcher{Data: src}, Options{ChunkSize: 4096, BufferSize: 2048, ReadSize: 1000})
		defer h.close()

		h.loop.Do(h.s.Start)
		<-h.rec.started

		first, done := h.next(t)
		require.False(t, done)
		assert.Equal(t, src[:len(first)], first)

		h.loop.Do(func() { h.s.SeekTo(15_000) })
		got := h.readAll(t)
		assert.True(t, bytes.Equal(src[15_000:], got), "after seek read %d bytes", len(got))

		var read int64
		h.loop.Do(func() { read = h.s.BytesRead() })
		assert.Equal(t, int64(20_000), read)
	})
}

func TestStreamSeekPastEndIsDone(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(&MemoryFetcher{Data: pattern(100)}, Options{})
		defer h.close()

		h.loop.Do(h.s.Start)
		<-h.rec.started
		h.loop.Do(func() { h.s.SeekTo(100) })
		_, done := h.next(t)
		assert.True(t, done)
	})
}

func TestStreamHeaderCaptured(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("X-Content-Duration", "12.5")
		h := newHarness(&MemoryFetcher{Data: pattern(10), Header: hdr}, Options{})
		defer h.close()

		h.loop.Do(h.s.Start)
		<-h.rec.started
		var got string
		h.loop.Do(func() { got = h.s.Header("X-Content-Duration") })
		assert.Equal(t, "12.5", got)
	})
}

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(context.Context, int64, int64) (*Response, error) {
	return nil, f.err
}

func TestStreamTransportErrorIsTerminal(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		boom := errors.New("connection reset")
		h := newHarness(failingFetcher{boom}, Options{})
		defer h.close()

		h.loop.Do(h.s.Start)
		err := <-h.rec.errs
		assert.ErrorIs(t, err, boom)

		var got error
		h.loop.Do(func() {
			h.s.ReadBytes()
			got = h.s.Err()
		})
		assert.ErrorIs(t, got, boom)
	})
}

func TestStreamAbortSilencesCallbacks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(&MemoryFetcher{Data: pattern(1 << 20)}, Options{BufferSize: 1024})
		defer h.close()

		h.loop.Do(h.s.Start)
		<-h.rec.started
		h.loop.Do(func() {
			h.s.ReadBytes()
			h.s.Abort()
		})
		synctest.Wait()

		var err error
		h.loop.Do(func() { err = h.s.Err() })
		assert.ErrorIs(t, err, ErrAborted)

		select {
		case <-h.rec.reads:
			t.Fatal("read delivered after abort")
		case <-h.rec.done:
			t.Fatal("done delivered after abort")
		default:
		}
	})
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"bytes 0-99/1000", 1000, false},
		{"bytes 100-199/*", 0, false},
		{"bytes 0-99", 0, true},
		{"bytes 0-99/abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseContentRangeTotal(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseContentRangeTotal(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseContentRangeTotal(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHTTPFetcherRanges(t *testing.T) {
	src := pattern(50_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Duration", "3.0")
		http.ServeContent(w, r, "clip.syn", time.Time{}, bytes.NewReader(src))
	}))
	defer srv.Close()

	l := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	rec := newRecorder()
	s := New(NewFetcher(srv.URL, srv.Client()), Options{
		ChunkSize: 16_384,
		Executor:  l,
		Handler:   rec.handler(),
	})
	defer l.Do(s.Abort)

	l.Do(s.Start)
	select {
	case <-rec.started:
	case err := <-rec.errs:
		t.Fatalf("start failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for start")
	}

	l.Do(func() { s.SeekTo(40_000) })
	var got []byte
	for {
		l.Do(s.ReadBytes)
		select {
		case b := <-rec.reads:
			got = append(got, b...)
			continue
		case <-rec.done:
		case err := <-rec.errs:
			t.Fatalf("read failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out reading")
		}
		break
	}

	assert.Equal(t, src[40_000:], got)
	var total int64
	var dur string
	l.Do(func() { total, dur = s.BytesTotal(), s.Header("X-Content-Duration") })
	assert.Equal(t, int64(50_000), total)
	assert.Equal(t, "3.0", dur)
}

func TestHTTPFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := &HTTPFetcher{URL: srv.URL, Client: srv.Client()}
	_, err := f.Fetch(context.Background(), 0, 100)
	assert.ErrorIs(t, err, ErrHTTPStatus)
}

func TestHTTPFetcherRangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pattern(100))
	}))
	defer srv.Close()

	f := &HTTPFetcher{URL: srv.URL, Client: srv.Client()}
	_, err := f.Fetch(context.Background(), 10, 100)
	assert.ErrorIs(t, err, ErrRangeNotSupported)

	resp, err := f.Fetch(context.Background(), 0, 100)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.False(t, resp.Ranged)
	assert.Equal(t, int64(100), resp.Total)
}
