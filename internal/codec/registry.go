package codec

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
)

type (
	DemuxerFactory      func() Demuxer
	AudioDecoderFactory func() AudioDecoder
	VideoDecoderFactory func() VideoDecoder
)

// Registry maps media types to demuxers and codec names to decoders.
// It is built once and passed to every Wrapper; there is no global registry.
type Registry struct {
	demuxers map[string]DemuxerFactory
	exts     map[string]string
	audio    map[string]AudioDecoderFactory
	video    map[string]VideoDecoderFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		demuxers: make(map[string]DemuxerFactory),
		exts:     make(map[string]string),
		audio:    make(map[string]AudioDecoderFactory),
		video:    make(map[string]VideoDecoderFactory),
	}
}

// RegisterDemuxer registers a demuxer for a MIME type and the file
// extensions (with leading dot) that map to it.
func (r *Registry) RegisterDemuxer(mimeType string, exts []string, f DemuxerFactory) {
	mimeType = baseType(mimeType)
	r.demuxers[mimeType] = f
	for _, ext := range exts {
		r.exts[strings.ToLower(ext)] = mimeType
	}
}

// RegisterAudio registers an audio decoder under a codec name.
func (r *Registry) RegisterAudio(codec string, f AudioDecoderFactory) {
	r.audio[codec] = f
}

// RegisterVideo registers a video decoder under a codec name.
func (r *Registry) RegisterVideo(codec string, f VideoDecoderFactory) {
	r.video[codec] = f
}

// TypeFor guesses the media type of a file name or URL from its extension.
func (r *Registry) TypeFor(name string) (string, bool) {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	t, ok := r.exts[strings.ToLower(path.Ext(name))]
	return t, ok
}

// Types lists the registered media types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.demuxers))
	for t := range r.demuxers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// NewDemuxer creates a demuxer for mimeType. Parameters such as
// "; codecs=..." are ignored.
func (r *Registry) NewDemuxer(mimeType string) (Demuxer, error) {
	f, ok := r.demuxers[baseType(mimeType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType)
	}
	return f(), nil
}

// NewAudioDecoder creates a decoder for an audio codec.
func (r *Registry) NewAudioDecoder(codec string) (AudioDecoder, error) {
	f, ok := r.audio[codec]
	if !ok {
		return nil, fmt.Errorf("%w: audio %q", ErrUnsupportedCodec, codec)
	}
	return f(), nil
}

// NewVideoDecoder creates a decoder for a video codec.
func (r *Registry) NewVideoDecoder(codec string) (VideoDecoder, error) {
	f, ok := r.video[codec]
	if !ok {
		return nil, fmt.Errorf("%w: video %q", ErrUnsupportedCodec, codec)
	}
	return f(), nil
}

func baseType(t string) string {
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(t))
}
