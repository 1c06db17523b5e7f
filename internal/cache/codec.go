package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Encoding names the transform applied to a stored payload
type Encoding string

const (
	EncodingNone   Encoding = "none"
	EncodingZstd   Encoding = "zstd"
	EncodingSnappy Encoding = "snappy"
)

// DefaultCompressionThreshold is the payload size below which compression is skipped
const DefaultCompressionThreshold = 1024

// Codec compresses payloads on the way in and restores them on the way out.
// Decoding follows the encoding recorded with each row, so rows written under
// a different configuration keep reading.
type Codec struct {
	encoding  Encoding
	threshold int

	mu      sync.Mutex // guards the zstd workers
	closed  bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// ErrCodecClosed is returned when zstd is needed after Close
var ErrCodecClosed = errors.New("cache: codec closed")

// NewCodec creates a codec writing with enc for payloads of at least threshold bytes
func NewCodec(enc Encoding, threshold int) (*Codec, error) {
	switch enc {
	case "":
		enc = EncodingNone
	case EncodingNone, EncodingZstd, EncodingSnappy:
	default:
		return nil, fmt.Errorf("unknown compression %q", enc)
	}
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return &Codec{encoding: enc, threshold: threshold}, nil
}

// Encoding returns the configured write encoding
func (c *Codec) Encoding() Encoding {
	return c.encoding
}

func (c *Codec) getEncoder() (*zstd.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCodecClosed
	}
	if c.encoder == nil {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, err
		}
		c.encoder = enc
	}
	return c.encoder, nil
}

func (c *Codec) getDecoder() (*zstd.Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCodecClosed
	}
	if c.decoder == nil {
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(256*1024*1024),
		)
		if err != nil {
			return nil, err
		}
		c.decoder = dec
	}
	return c.decoder, nil
}

// Encode returns the stored form of data and the encoding used
func (c *Codec) Encode(data []byte) ([]byte, Encoding, error) {
	if c.encoding == EncodingNone || len(data) < c.threshold {
		return data, EncodingNone, nil
	}

	switch c.encoding {
	case EncodingSnappy:
		return snappy.Encode(nil, data), EncodingSnappy, nil
	case EncodingZstd:
		encoder, err := c.getEncoder()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get encoder: %w", err)
		}
		return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), EncodingZstd, nil
	}
	return data, EncodingNone, nil
}

// Decode restores a payload stored with enc
func (c *Codec) Decode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingNone, "":
		return data, nil
	case EncodingSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	case EncodingZstd:
		decoder, err := c.getDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to get decoder: %w", err)
		}
		out, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// Close releases the zstd workers. Later zstd calls fail with ErrCodecClosed.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}
