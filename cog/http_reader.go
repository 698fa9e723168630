package cog

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPRangeReader satisfies io.ReadSeeker and io.ReaderAt for remote files
// over HTTP, typically a presigned object-store URL. Tile fetches go through
// ReadAt, which is stateless and safe for concurrent use.
type HTTPRangeReader struct {
	url    string
	client *http.Client
	size   int64

	// mu protects offset for sequential Read/Seek.
	mu     sync.Mutex
	offset int64
}

// NewHTTPRangeReader probes the URL with a HEAD request and returns a reader
// over it. The server must support byte-range requests.
func NewHTTPRangeReader(url string, client *http.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create head request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return nil, errors.New("server does not accept byte range requests")
	}
	size := resp.ContentLength
	if size <= 0 {
		return nil, errors.New("could not determine content length or file is empty")
	}

	return &HTTPRangeReader{url: url, client: client, size: size}, nil
}

// Read performs a sequential read. The lock is held for the duration of the
// network request, so prefer ReadAt for anything latency sensitive.
func (h *HTTPRangeReader) Read(p []byte) (n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.offset >= h.size {
		return 0, io.EOF
	}
	n, err = h.readAt(p, h.offset)
	if n > 0 {
		h.offset += int64(n)
	}
	return n, err
}

// Seek updates the internal offset for the next sequential Read.
func (h *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = h.offset + offset
	case io.SeekEnd:
		newOffset = h.size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if newOffset < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	h.offset = newOffset
	return h.offset, nil
}

// ReadAt implements io.ReaderAt for concurrent, stateless reads. It does not
// touch the mutex or the internal offset.
func (h *HTTPRangeReader) ReadAt(p []byte, off int64) (n int, err error) {
	return h.readAt(p, off)
}

func (h *HTTPRangeReader) readAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http.readAt: invalid offset %d", off)
	}
	if off >= h.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if off+want > h.size {
		want = h.size - off
	}

	req, err := http.NewRequest(http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+want-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
	}
	return io.ReadFull(resp.Body, p[:want])
}
