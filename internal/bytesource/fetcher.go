package bytesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrHTTPStatus is returned for HTTP responses with a non-success status.
	ErrHTTPStatus = errors.New("bytesource: unexpected HTTP status")

	// ErrRangeNotSupported is returned when a server ignores a Range request
	// for a non-zero offset.
	ErrRangeNotSupported = errors.New("bytesource: server does not support range requests")

	// ErrAborted is reported by Err once the stream has been aborted.
	ErrAborted = errors.New("bytesource: aborted")
)

// Response is one opened byte range.
type Response struct {
	Body   io.ReadCloser
	Total  int64       // Total length of the resource, 0 if unknown
	Ranged bool        // The body starts at the requested offset
	Header http.Header // Response metadata (may be nil)
}

// Fetcher opens byte ranges of a resource.
// A negative length requests everything from offset to the end.
type Fetcher interface {
	Fetch(ctx context.Context, offset, length int64) (*Response, error)
}

// HTTPFetcher fetches ranges with HTTP Range requests.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, offset, length int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if length > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", f.URL, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		return &Response{Body: resp.Body, Total: total, Ranged: true, Header: resp.Header}, nil
	case http.StatusOK:
		if offset > 0 {
			resp.Body.Close()
			return nil, ErrRangeNotSupported
		}
		total := resp.ContentLength
		if total < 0 {
			total = 0
		}
		return &Response{Body: resp.Body, Total: total, Ranged: false, Header: resp.Header}, nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrHTTPStatus, resp.Status)
	}
}

// parseContentRangeTotal extracts the total from "bytes start-end/total".
// An unknown total ("*") yields 0.
func parseContentRangeTotal(v string) (int64, error) {
	_, total, ok := strings.Cut(v, "/")
	if !ok {
		return 0, fmt.Errorf("malformed Content-Range %q", v)
	}
	if total == "*" {
		return 0, nil
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range %q: %w", v, err)
	}
	return n, nil
}

// FileFetcher reads ranges of a local file.
type FileFetcher struct {
	Path string
}

func (f *FileFetcher) Fetch(ctx context.Context, offset, length int64) (*Response, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", f.Path, err)
	}
	size := info.Size()
	if length < 0 || offset+length > size {
		length = max(0, size-offset)
	}
	return &Response{
		Body:   readCloser{io.NewSectionReader(file, offset, length), file},
		Total:  size,
		Ranged: true,
	}, nil
}

// MemoryFetcher serves ranges of an in-memory resource.
type MemoryFetcher struct {
	Data   []byte
	Header http.Header
}

func (f *MemoryFetcher) Fetch(ctx context.Context, offset, length int64) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := int64(len(f.Data))
	offset = min(offset, size)
	end := size
	if length >= 0 {
		end = min(size, offset+length)
	}
	return &Response{
		Body:   io.NopCloser(bytes.NewReader(f.Data[offset:end])),
		Total:  size,
		Ranged: true,
		Header: f.Header,
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// NewFetcher picks an HTTP fetcher for http(s) URLs and a file fetcher otherwise.
func NewFetcher(url string, client *http.Client) Fetcher {
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return &HTTPFetcher{URL: url, Client: client}
	default:
		return &FileFetcher{Path: strings.TrimPrefix(url, "file://")}
	}
}
