// Package bytesource implements a buffered, seekable, chunked reader over a
// Fetcher. Bytes are fetched in fixed-size ranges by a background goroutine
// into a ring buffer and handed to the consumer in bounded reads.
//
// All Handler callbacks run on the Executor supplied in Options, and all
// Stream methods must be called from that executor's goroutine.
package bytesource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/drgolem/streamsync/internal/eventloop"

	"github.com/drgolem/ringbuffer"
)

const (
	DefaultChunkSize  = 1 << 20 // 1 MiB per range request
	DefaultBufferSize = 1 << 18 // 256 KiB ring between fetcher and reader
	DefaultReadSize   = 1 << 16 // 64 KiB handed out per ReadBytes
)

// Handler receives stream events.
type Handler struct {
	OnStart func()            // First response arrived; totals and headers are known
	OnRead  func(data []byte) // Answer to ReadBytes
	OnDone  func()            // Answer to ReadBytes at end of resource
	OnError func(err error)   // Terminal transport failure
}

// Options configures a Stream.
type Options struct {
	ChunkSize  int64
	BufferSize int
	ReadSize   int
	Executor   eventloop.Executor
	Handler    Handler
	Logger     *slog.Logger
}

// session is the fetch state for one contiguous run of bytes starting at
// a seek position. A seek abandons the session and starts a new one, so
// late writes from an old fetch goroutine land in a ring nobody reads.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	ring   *ringbuffer.RingBuffer
	space  chan struct{}

	start     int64        // absolute offset of the first byte
	received  atomic.Int64 // bytes written to ring
	delivered int64        // bytes handed to OnRead
	chunkEnd  int64        // absolute end of the current range request, -1 if open-ended
	chunkDone bool
}

// Stream is a chunked, seekable byte source.
type Stream struct {
	fetcher Fetcher
	opts    Options
	log     *slog.Logger

	cur       *session
	total     int64
	ranged    bool
	header    http.Header
	started   bool
	announced bool
	waiting   bool
	aborted   bool
	err       error
}

// New creates a stream. Start must be called to begin fetching.
func New(fetcher Fetcher, opts Options) *Stream {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = DefaultReadSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Stream{
		fetcher: fetcher,
		opts:    opts,
		log:     opts.Logger.With("component", "bytesource"),
		ranged:  true,
	}
}

// Open creates a stream over url using NewFetcher.
func Open(url string, client *http.Client, opts Options) *Stream {
	return New(NewFetcher(url, client), opts)
}

// Start begins fetching from offset 0. OnStart fires once the first
// response headers arrive.
func (s *Stream) Start() {
	if s.started {
		return
	}
	s.started = true
	s.cur = s.newSession(0)
	s.openChunk(s.cur)
}

func (s *Stream) newSession(offset int64) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		ctx:      ctx,
		cancel:   cancel,
		ring:     ringbuffer.New(uint64(s.opts.BufferSize)),
		space:    make(chan struct{}, 1),
		start:    offset,
		chunkEnd: offset,
	}
}

func (s *Stream) openChunk(sess *session) {
	offset := sess.chunkEnd
	if s.total > 0 && offset >= s.total {
		sess.chunkEnd = -1
		sess.chunkDone = true
		return
	}

	length := s.opts.ChunkSize
	if s.total > 0 {
		length = min(length, s.total-offset)
	}
	if !s.ranged {
		length = -1
	}
	if length > 0 {
		sess.chunkEnd = offset + length
	} else {
		sess.chunkEnd = -1
	}
	sess.chunkDone = false

	s.log.Debug("Fetching range", "byte_offset", offset, "length", length)
	go s.fetch(sess, offset, length)
}

// fetch runs on its own goroutine and only touches the session's ring and
// received counter directly; everything else is posted to the executor.
func (s *Stream) fetch(sess *session, offset, length int64) {
	resp, err := s.fetcher.Fetch(sess.ctx, offset, length)
	if err != nil {
		if sess.ctx.Err() == nil {
			s.post(sess, func() { s.fail(err) })
		}
		return
	}
	defer resp.Body.Close()

	s.post(sess, func() { s.onResponse(sess, resp) })

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			avail := sess.ring.AvailableWrite()
			if avail == 0 {
				select {
				case <-sess.space:
					continue
				case <-sess.ctx.Done():
					return
				}
			}
			k := min(int(avail), len(data))
			if _, err := sess.ring.Write(data[:k]); err != nil {
				continue
			}
			data = data[k:]
			sess.received.Add(int64(k))
			s.post(sess, func() { s.onData(sess) })
		}

		if errors.Is(rerr, io.EOF) {
			s.post(sess, func() { s.onChunkDone(sess) })
			return
		}
		if rerr != nil {
			if sess.ctx.Err() == nil {
				s.post(sess, func() { s.fail(rerr) })
			}
			return
		}
	}
}

// post runs fn on the executor unless the session has been replaced.
func (s *Stream) post(sess *session, fn func()) {
	s.opts.Executor.Post(func() {
		if s.cur != sess || s.aborted {
			return
		}
		fn()
	})
}

func (s *Stream) onResponse(sess *session, resp *Response) {
	if resp.Header != nil {
		s.header = resp.Header
	}
	if resp.Total > 0 {
		s.total = resp.Total
	}
	if !resp.Ranged {
		s.ranged = false
		sess.chunkEnd = -1
	}
	if !s.announced {
		s.announced = true
		if s.opts.Handler.OnStart != nil {
			s.opts.Handler.OnStart()
		}
	}
}

func (s *Stream) onData(sess *session) {
	if s.waiting {
		s.waiting = false
		s.ReadBytes()
	}
}

func (s *Stream) onChunkDone(sess *session) {
	sess.chunkDone = true

	// an open-ended or short range means the resource ended here
	got := sess.start + sess.received.Load()
	if sess.chunkEnd < 0 || got < sess.chunkEnd {
		if s.total == 0 {
			s.total = got
		}
		sess.chunkEnd = -1
	}
	if s.waiting {
		s.waiting = false
		s.ReadBytes()
	}
}

func (s *Stream) fail(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	s.log.Error("Transport error", "error", err)
	if s.opts.Handler.OnError != nil {
		s.opts.Handler.OnError(err)
	}
}

// ReadBytes asks for the next chunk of data. Exactly one of OnRead, OnDone
// or OnError follows, possibly after more data has been fetched.
func (s *Stream) ReadBytes() {
	if s.aborted || s.err != nil || s.cur == nil {
		return
	}
	sess := s.cur

	if avail := sess.ring.AvailableRead(); avail > 0 {
		data := make([]byte, min(int(avail), s.opts.ReadSize))
		n, _ := sess.ring.Read(data)
		data = data[:n]
		sess.delivered += int64(n)
		select {
		case sess.space <- struct{}{}:
		default:
		}
		s.post(sess, func() {
			if s.opts.Handler.OnRead != nil {
				s.opts.Handler.OnRead(data)
			}
		})
		return
	}

	if sess.chunkDone {
		if sess.chunkEnd >= 0 && (s.total == 0 || sess.chunkEnd < s.total) {
			s.openChunk(sess)
			s.waiting = true
			return
		}
		s.post(sess, func() {
			if s.opts.Handler.OnDone != nil {
				s.opts.Handler.OnDone()
			}
		})
		return
	}

	s.waiting = true
}

// SeekTo discards buffered data and restarts fetching at offset.
func (s *Stream) SeekTo(offset int64) {
	if s.aborted {
		return
	}
	if s.cur != nil {
		s.cur.cancel()
	}
	s.waiting = false
	s.log.Debug("Seeking", "byte_offset", offset)
	s.cur = s.newSession(offset)
	s.openChunk(s.cur)
}

// Abort cancels any in-flight fetch. No callbacks fire afterwards.
func (s *Stream) Abort() {
	if s.aborted {
		return
	}
	s.aborted = true
	s.waiting = false
	if s.cur != nil {
		s.cur.cancel()
	}
}

// BytesTotal returns the resource length, or 0 if unknown.
func (s *Stream) BytesTotal() int64 {
	return s.total
}

// BytesBuffered returns the absolute offset up to which data has been fetched.
func (s *Stream) BytesBuffered() int64 {
	if s.cur == nil {
		return 0
	}
	return s.cur.start + s.cur.received.Load()
}

// BytesRead returns the absolute offset up to which data has been delivered.
func (s *Stream) BytesRead() int64 {
	if s.cur == nil {
		return 0
	}
	return s.cur.start + s.cur.delivered
}

// Seekable reports whether Seek can reposition the stream.
func (s *Stream) Seekable() bool {
	return s.total > 0 && s.ranged
}

// Header returns a response header captured from the first response.
func (s *Stream) Header(name string) string {
	if s.header == nil {
		return ""
	}
	return s.header.Get(name)
}

// Err returns the terminal error, if any. An aborted stream reports ErrAborted.
func (s *Stream) Err() error {
	if s.err == nil && s.aborted {
		return ErrAborted
	}
	return s.err
}
