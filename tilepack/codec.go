package tilepack

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Codec identifies how a tile payload is encoded on disk.
type Codec uint8

const (
	// CodecRaw is an uncompressed payload.
	CodecRaw Codec = iota
	// CodecZlib is deflate in a gzip or zlib container, self-describing.
	CodecZlib
	// CodecZlibDict is raw deflate with a shared preset dictionary. It is
	// only decodable through the dictionary set declared by the store that
	// holds the tile.
	CodecZlibDict
)

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecZlib:
		return "zlib"
	case CodecZlibDict:
		return "zlib+dict"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// sniffCodec distinguishes gzip/zlib containers from raw payloads. Dictionary
// payloads are headerless raw deflate and can never be sniffed; the store
// metadata decides those.
func sniffCodec(data []byte) Codec {
	if len(data) >= 2 {
		if data[0] == 0x1f && data[1] == 0x8b {
			return CodecZlib
		}
		if data[0] == 0x78 {
			return CodecZlib
		}
	}
	return CodecRaw
}

// compressTile wraps a decoded payload in a gzip container at best
// compression, the plain codec used for package tiles.
func compressTile(raw []byte) ([]byte, error) {
	var b bytes.Buffer
	w, err := gzip.NewWriterLevel(&b, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// compressTileDict encodes a payload as raw deflate with a preset dictionary.
func compressTileDict(raw []byte, dict []byte) ([]byte, error) {
	var b bytes.Buffer
	w, err := flate.NewWriterDict(&b, flate.BestCompression, dict)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// decompressTile decodes a self-describing payload: gzip or zlib containers
// are inflated, anything without a container header is returned as-is.
func decompressTile(data []byte) ([]byte, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	if len(data) >= 2 && data[0] == 0x78 {
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// decompressTileDict decodes a raw deflate payload with a preset dictionary.
func decompressTileDict(data []byte, dict []byte) ([]byte, error) {
	r := flate.NewReaderDict(bytes.NewReader(data), dict)
	defer r.Close()
	return io.ReadAll(r)
}
