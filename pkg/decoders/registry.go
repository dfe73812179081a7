// Package decoders wires the bundled container and codec implementations
// into a codec.Registry.
package decoders

import (
	"github.com/drgolem/streamsync/internal/codec"
	"github.com/drgolem/streamsync/pkg/decoders/ogg"
	"github.com/drgolem/streamsync/pkg/decoders/synth"
	"github.com/drgolem/streamsync/pkg/decoders/wav"
)

// NewRegistry returns a registry with every bundled format.
//
// Supported formats:
//
//	audio/wav      .wav .wave   PCM 8/16/24/32-bit, indexed
//	audio/ogg      .ogg .oga    Vorbis, no index
//	video/x-synth  .synth       index-less audio+video test streams
func NewRegistry() *codec.Registry {
	r := codec.NewRegistry()

	r.RegisterDemuxer(wav.MIMEType, []string{".wav", ".wave"}, func() codec.Demuxer {
		return wav.NewDemuxer()
	})
	r.RegisterDemuxer("audio/x-wav", nil, func() codec.Demuxer {
		return wav.NewDemuxer()
	})
	r.RegisterDemuxer(ogg.MIMEType, []string{".ogg", ".oga"}, func() codec.Demuxer {
		return ogg.NewDemuxer()
	})
	r.RegisterDemuxer("application/ogg", nil, func() codec.Demuxer {
		return ogg.NewDemuxer()
	})
	r.RegisterDemuxer(synth.MIMEType, []string{".synth"}, func() codec.Demuxer {
		return synth.NewDemuxer()
	})

	r.RegisterAudio(wav.Codec, func() codec.AudioDecoder {
		return wav.NewDecoder()
	})
	r.RegisterAudio(ogg.Codec, func() codec.AudioDecoder {
		return ogg.NewDecoder()
	})
	r.RegisterVideo(synth.VideoCodec, func() codec.VideoDecoder {
		return synth.NewVideoDecoder()
	})
	return r
}
