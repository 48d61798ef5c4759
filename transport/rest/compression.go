package rest

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// errResponseTooLarge is returned once a response exceeds its size limit.
var errResponseTooLarge = errors.New("response exceeds maximum size limit")

// maxReader wraps an io.Reader to enforce a size limit.
type maxReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *maxReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		var probe [1]byte
		if n, _ := r.reader.Read(probe[:]); n > 0 {
			return 0, errResponseTooLarge
		}
		return 0, io.EOF
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}
	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}

// createSafeResponseReader returns a reader over resp.Body that enforces
// both the compressed and decompressed limits.
func createSafeResponseReader(resp *http.Response, limits Limits) (io.Reader, func(), error) {
	maxBody := limits.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultLimits().MaxBodyBytes
	}
	maxDecompressed := limits.MaxDecompressedBytes
	if maxDecompressed <= 0 {
		maxDecompressed = DefaultLimits().MaxDecompressedBytes
	}

	body := &maxReader{reader: resp.Body, limit: maxBody}
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		return body, func() {}, nil
	}

	gr, err := gzip.NewReader(body)
	if err != nil {
		return nil, func() {}, fmt.Errorf("invalid gzip response: %w", err)
	}
	return &maxReader{reader: gr, limit: maxDecompressed}, func() { gr.Close() }, nil
}
