package bundle

import (
	"bufio"
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz"

	"github.com/i5heu/ouroboros-vcs/pkg/failure"
)

// Compression selects the stream encoding named by the 6-byte magic.
type Compression string

const (
	None  Compression = "UN"
	Zlib  Compression = "GZ"
	Bzip2 Compression = "BZ"
	XZ    Compression = "XZ"
)

const magicPrefix = "HG10"

// MagicSize is the length of the stream header.
const MagicSize = 6

func (c Compression) Magic() string {
	return magicPrefix + string(c)
}

// ParseCompression accepts either the two letter code or a config name.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "un", "none", "":
		return None, nil
	case "gz", "zlib", "gzip":
		return Zlib, nil
	case "bz", "bzip2":
		return Bzip2, nil
	case "xz":
		return XZ, nil
	}
	return "", fmt.Errorf("unknown bundle compression %q", s)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Zlib:
		return zlib.NewWriterLevel(w, zlib.BestCompression)
	case XZ:
		return xz.NewWriter(w)
	case Bzip2:
		// there is no bzip2 encoder in reach; such bundles are read only
		return nil, fmt.Errorf("bundle: writing %s bundles is not supported", c.Magic())
	}
	return nil, fmt.Errorf("bundle: unknown compression %q", string(c))
}

// decompressor reads the magic from r and returns the payload reader.
func decompressor(r io.Reader) (io.Reader, Compression, error) {
	var magic [MagicSize]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, "", failure.Malformed("bundle.Open", "reading header: %v", err)
	}
	m := string(magic[:])
	if !strings.HasPrefix(m, magicPrefix) {
		return nil, "", failure.Malformed("bundle.Open", "unknown header %q", m)
	}
	c := Compression(m[len(magicPrefix):])
	switch c {
	case None:
		return r, c, nil
	case Zlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, c, failure.Malformed("bundle.Open", "zlib stream: %v", err)
		}
		return zr, c, nil
	case Bzip2:
		// the stream's own "BZ" signature doubles as the magic suffix
		return bzip2.NewReader(io.MultiReader(strings.NewReader("BZ"), bufio.NewReader(r))), c, nil
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, c, failure.Malformed("bundle.Open", "xz stream: %v", err)
		}
		return xr, c, nil
	}
	return nil, "", failure.Malformed("bundle.Open", "unsupported compression %q", m)
}
