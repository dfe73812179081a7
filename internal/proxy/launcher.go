package proxy

import (
	"log/slog"
	"net"

	"github.com/drgolem/streamsync/internal/codec"
	"github.com/drgolem/streamsync/internal/eventloop"
)

// Launcher is a codec.Launcher that runs every decoder on its own worker
// goroutine.
type Launcher struct {
	Executor eventloop.Executor
	Transfer bool // Hand buffers over instead of copying them
	Stream   bool // Carry the envelope over a byte stream instead of channels
	Logger   *slog.Logger
}

func (l Launcher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Launcher) connect() (ClientConn, ServerConn) {
	if l.Stream {
		a, b := net.Pipe()
		return NewStreamTransport(a), NewStreamServer(b)
	}
	return NewPipe(l.Transfer)
}

func (l Launcher) serve(w *Worker) {
	go func() {
		if err := w.Serve(); err != nil {
			w.log.Error("Worker stopped", "error", err)
		}
	}()
}

func (l Launcher) LaunchAudio(dec codec.AudioDecoder) codec.AudioTrack {
	client, server := l.connect()
	l.serve(NewAudioWorker(server, dec, l.logger()))
	return NewAudioClient(client, l.Executor, l.logger())
}

func (l Launcher) LaunchVideo(dec codec.VideoDecoder) codec.VideoTrack {
	client, server := l.connect()
	l.serve(NewVideoWorker(server, dec, l.logger()))
	return NewVideoClient(client, l.Executor, l.logger())
}
