package proxy

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants
const (
	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
	encodingZstd    = "zstd"
)

// NormalizeEncoding normalizes a Content-Encoding header value.
// Returns the normalized encoding and whether it's a single supported encoding.
// Multiple encodings (e.g., "gzip, br") return ("", false) since we can't partially decode.
func NormalizeEncoding(encoding string) (string, bool) {
	encoding = strings.TrimSpace(strings.ToLower(encoding))
	if strings.Contains(encoding, ",") {
		return "", false
	}

	switch encoding {
	case encodingGzip, "x-gzip":
		return encodingGzip, true
	case encodingDeflate:
		return encodingDeflate, true
	case encodingZstd:
		return encodingZstd, true
	default:
		return encoding, false
	}
}

// Decompress decompresses data based on Content-Encoding.
// Returns (decompressed data, wasCompressed).
// If wasCompressed is true but returned data is nil, decompression failed.
// Unknown encodings return (original data, false).
func Decompress(data []byte, encoding string) ([]byte, bool) {
	normalized, supported := NormalizeEncoding(encoding)
	if !supported || len(data) == 0 {
		return data, false
	}

	var out []byte
	var err error
	switch normalized {
	case encodingGzip:
		out, err = readAllFrom(gzip.NewReader(bytes.NewReader(data)))
	case encodingDeflate:
		// deflate can be raw DEFLATE or zlib-wrapped - try raw first
		if out, err = readAllFrom(flate.NewReader(bytes.NewReader(data)), nil); err != nil {
			out, err = readAllFrom(zlib.NewReader(bytes.NewReader(data)))
		}
	case encodingZstd:
		var dec *zstd.Decoder
		if dec, err = zstd.NewReader(nil); err == nil {
			out, err = dec.DecodeAll(data, nil)
			dec.Close()
		}
	}
	if err != nil {
		return nil, true
	}
	return out, true
}

func readAllFrom(r io.ReadCloser, openErr error) ([]byte, error) {
	if openErr != nil {
		return nil, openErr
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
