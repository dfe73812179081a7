package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/drgolem/streamsync/internal/codec"
)

// Worker serves one decoder over a ServerConn. Requests are handled one
// at a time in arrival order.
type Worker struct {
	conn  ServerConn
	role  Role
	audio codec.AudioDecoder
	video codec.VideoDecoder
	snap  snapshot
	log   *slog.Logger

	decoderClosed bool
}

// NewAudioWorker creates a worker that owns an audio decoder.
func NewAudioWorker(conn ServerConn, dec codec.AudioDecoder, logger *slog.Logger) *Worker {
	return newWorker(conn, RoleAudio, logger, func(w *Worker) { w.audio = dec })
}

// NewVideoWorker creates a worker that owns a video decoder.
func NewVideoWorker(conn ServerConn, dec codec.VideoDecoder, logger *slog.Logger) *Worker {
	return newWorker(conn, RoleVideo, logger, func(w *Worker) { w.video = dec })
}

func newWorker(conn ServerConn, role Role, logger *slog.Logger, set func(*Worker)) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		conn: conn,
		role: role,
		log:  logger.With("component", "proxy_worker", "role", role.String()),
	}
	set(w)
	return w
}

// Serve handles requests until the connection closes or a close request
// is served. The decoder is always closed on return.
func (w *Worker) Serve() error {
	defer w.conn.Close()
	defer w.closeDecoder()

	for {
		req, err := w.conn.Recv()
		if err != nil {
			if errors.Is(err, ErrMalformed) || errors.Is(err, ErrVersion) {
				w.log.Warn("Dropping malformed request", "error", err)
				continue
			}
			if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("proxy worker: %w", err)
		}

		resp := w.handle(req)
		if err := w.conn.Send(resp); err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("proxy worker: %w", err)
		}
		if req.Action == ActionClose {
			return nil
		}
	}
}

func (w *Worker) handle(req Request) Response {
	err := w.invoke(req)
	resp := Response{
		Version: Version,
		ID:      req.ID,
		Role:    w.role,
		Action:  req.Action,
		Props:   w.snap.diff(w.props()),
	}
	if err != nil {
		resp.Err = err.Error()
	}
	return resp
}

func (w *Worker) invoke(req Request) error {
	if req.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, req.Version)
	}
	if req.Role != w.role {
		return fmt.Errorf("request for %s sent to %s worker", req.Role, w.role)
	}

	switch req.Action {
	case ActionInit:
		if w.audio != nil {
			return w.audio.Init()
		}
		return w.video.Init()
	case ActionProcessHeader:
		if w.audio != nil {
			return w.audio.ProcessHeader(req.Data)
		}
		return w.video.ProcessHeader(req.Data)
	case ActionProcessAudio:
		if w.audio == nil {
			return fmt.Errorf("%s not supported by %s worker", req.Action, w.role)
		}
		return w.audio.ProcessAudio(req.Data)
	case ActionProcessFrame:
		if w.video == nil {
			return fmt.Errorf("%s not supported by %s worker", req.Action, w.role)
		}
		return w.video.ProcessFrame(req.Data)
	case ActionClose:
		return w.closeDecoder()
	default:
		return fmt.Errorf("unknown action %s", req.Action)
	}
}

func (w *Worker) props() Props {
	if w.decoderClosed {
		return Props{}
	}
	if w.audio != nil {
		return Props{
			LoadedMetadata: w.audio.LoadedMetadata(),
			AudioFormat:    w.audio.AudioFormat(),
			AudioBuffer:    w.audio.AudioBuffer(),
		}
	}
	return Props{
		LoadedMetadata: w.video.LoadedMetadata(),
		VideoFormat:    w.video.VideoFormat(),
		FrameBuffer:    w.video.FrameBuffer(),
	}
}

func (w *Worker) closeDecoder() error {
	if w.decoderClosed {
		return nil
	}
	w.decoderClosed = true
	if w.audio != nil {
		return w.audio.Close()
	}
	return w.video.Close()
}
