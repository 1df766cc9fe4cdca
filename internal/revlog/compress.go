package revlog

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	// MinCompressSize is the chunk size below which compression is not tried.
	MinCompressSize = 44

	rawMarker  = 'u'
	zlibMarker = 'x'
	zstdMarker = 0x28
)

// Engine compresses stored chunks. Its output must start with a byte that
// identifies it (zlib streams start with 'x', zstd frames with 0x28).
type Engine interface {
	Name() string
	Compress(data []byte) ([]byte, error)
}

type zlibEngine struct{}

func (zlibEngine) Name() string { return "zlib" }

func (zlibEngine) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

type zstdEngine struct{}

func (zstdEngine) Name() string { return "zstd" }

func (zstdEngine) Compress(data []byte) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

// EngineByName resolves a configured engine; the empty name is zlib.
func EngineByName(name string) (Engine, error) {
	switch name {
	case "", "zlib":
		return zlibEngine{}, nil
	case "zstd":
		return zstdEngine{}, nil
	}
	return nil, fmt.Errorf("unknown revlog compression engine %q", name)
}

// pack chooses between the compressed and raw form of a chunk. Raw wins for
// short chunks and when compression saves fewer than minGain bytes.
func pack(e Engine, data []byte, minGain int) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	if len(data) >= MinCompressSize {
		c, err := e.Compress(data)
		if err != nil {
			return nil, fmt.Errorf("%s compress: %w", e.Name(), err)
		}
		if len(c)+minGain <= len(data) {
			return c, nil
		}
	}
	if data[0] == 0 {
		return data, nil
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, rawMarker)
	return append(out, data...), nil
}

// unpack reverses pack for any engine.
func unpack(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return chunk, nil
	}
	switch chunk[0] {
	case 0:
		return chunk, nil
	case rawMarker:
		return chunk[1:], nil
	case zlibMarker:
		zr, err := zlib.NewReader(bytes.NewReader(chunk))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case zstdMarker:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(chunk, nil)
	}
	return nil, fmt.Errorf("unknown chunk marker 0x%02x", chunk[0])
}
