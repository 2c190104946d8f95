package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers "gzip"
)

// Compressor names understood by the server and client
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// zstdMaxDecodedBytes caps the decoder window and any one-shot decode
const zstdMaxDecodedBytes = 1 << 28

// ErrUnknownCompression is returned for a compressor name that is not registered
var ErrUnknownCompression = errors.New("unknown compression")

func init() {
	encoding.RegisterCompressor(newZstdCompressor())
	encoding.RegisterCompressor(snappyCompressor{})
	encoding.RegisterCompressor(lz4Compressor{})
}

// CheckCompression returns nil if name is "none" or a registered compressor
func CheckCompression(name string) error {
	if name == "" || name == CompressionNone {
		return nil
	}
	if encoding.GetCompressor(name) == nil {
		return fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
	return nil
}

// zstdCompressor pools encoders and decoders. Decoding streams, so gRPC's
// receive size limit stops a message before it is fully inflated.
type zstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCompressor() *zstdCompressor {
	c := &zstdCompressor{}
	c.encoders.New = func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil
		}
		return enc
	}
	c.decoders.New = func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(zstdMaxDecodedBytes))
		if err != nil {
			return nil
		}
		return dec
	}
	return c
}

func (c *zstdCompressor) Name() string { return CompressionZstd }

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, _ := c.encoders.Get().(*zstd.Encoder)
	if enc == nil {
		return nil, errors.New("failed to create zstd encoder")
	}
	enc.Reset(w)
	return &zstdWriter{Encoder: enc, pool: &c.encoders}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, _ := c.decoders.Get().(*zstd.Decoder)
	if dec == nil {
		return nil, errors.New("failed to create zstd decoder")
	}
	if err := dec.Reset(r); err != nil {
		c.decoders.Put(dec)
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return &zstdReader{dec: dec, pool: &c.decoders}, nil
}

// zstdReader returns its decoder to the pool once the stream is drained
type zstdReader struct {
	dec  *zstd.Decoder
	pool *sync.Pool
}

func (z *zstdReader) Read(p []byte) (int, error) {
	if z.dec == nil {
		return 0, io.EOF
	}
	n, err := z.dec.Read(p)
	if err == io.EOF {
		z.pool.Put(z.dec)
		z.dec = nil
	}
	return n, err
}

type zstdWriter struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (w *zstdWriter) Close() error {
	err := w.Encoder.Close()
	w.pool.Put(w.Encoder)
	return err
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return CompressionSnappy }

func (snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return snappy.NewReader(r), nil
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return CompressionLZ4 }

func (lz4Compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Compressor) Decompress(r io.Reader) (io.Reader, error) {
	return lz4.NewReader(r), nil
}
