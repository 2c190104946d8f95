package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/KevoDB/slabkv/pkg/common/log"
	"github.com/KevoDB/slabkv/pkg/config"
)

func roundTrip(t *testing.T, c encoding.Compressor, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := c.Compress(&buf)
	if err != nil {
		t.Fatalf("%s: Compress failed: %v", c.Name(), err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("%s: Write failed: %v", c.Name(), err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("%s: Close failed: %v", c.Name(), err)
	}

	r, err := c.Decompress(&buf)
	if err != nil {
		t.Fatalf("%s: Decompress failed: %v", c.Name(), err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("%s: ReadAll failed: %v", c.Name(), err)
	}
	return out
}

func TestCompressorsRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{1, 0, 0, 0, 42, 0, 0, 0}, 4096)

	for _, name := range []string{CompressionGzip, CompressionZstd, CompressionSnappy, CompressionLZ4} {
		c := encoding.GetCompressor(name)
		if c == nil {
			t.Fatalf("Compressor %q not registered", name)
		}
		// Twice, to exercise pooled encoders
		for i := 0; i < 2; i++ {
			if out := roundTrip(t, c, data); !bytes.Equal(out, data) {
				t.Fatalf("%s: round trip mismatch, got %d bytes want %d", name, len(out), len(data))
			}
		}
		if out := roundTrip(t, c, nil); len(out) != 0 {
			t.Fatalf("%s: expected empty output, got %d bytes", name, len(out))
		}
	}
}

func TestZstdDecompressStreams(t *testing.T) {
	c := encoding.GetCompressor(CompressionZstd)

	// 128MB of zeros compresses to a few kilobytes
	var compressed bytes.Buffer
	w, err := c.Compress(&compressed)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	zeros := make([]byte, 1<<20)
	for i := 0; i < 128; i++ {
		if _, err := w.Write(zeros); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if compressed.Len() > 1<<20 {
		t.Fatalf("Expected a small payload, got %d bytes", compressed.Len())
	}

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	r, err := c.Decompress(bytes.NewReader(compressed.Bytes()))
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	head := make([]byte, 4096)
	if _, err := io.ReadFull(r, head); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	runtime.ReadMemStats(&after)
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 32<<20 {
		t.Fatalf("Reading 4KB allocated %d bytes", grown)
	}

	n, err := io.Copy(io.Discard, r)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if n+int64(len(head)) != 128<<20 {
		t.Fatalf("Expected %d bytes, got %d", 128<<20, n+int64(len(head)))
	}
	if m, err := r.Read(head); m != 0 || err != io.EOF {
		t.Fatalf("Expected EOF after drain, got %d, %v", m, err)
	}
}

func TestCheckCompression(t *testing.T) {
	for _, name := range []string{"", CompressionNone, CompressionGzip, CompressionZstd, CompressionSnappy, CompressionLZ4} {
		if err := CheckCompression(name); err != nil {
			t.Errorf("CheckCompression(%q) returned error: %v", name, err)
		}
	}
	if err := CheckCompression("brotli"); !errors.Is(err, ErrUnknownCompression) {
		t.Errorf("Expected ErrUnknownCompression, got %v", err)
	}
}

func TestRateLimitInterceptor(t *testing.T) {
	interceptor := RateLimitInterceptor(rate.NewLimiter(rate.Every(time.Hour), 1))
	info := &grpc.UnaryServerInfo{FullMethod: "/slabkv.SlabStore/Stats"}
	calls := 0
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		calls++
		return "ok", nil
	}

	if _, err := interceptor(context.Background(), nil, info, handler); err != nil {
		t.Fatalf("First call should be admitted: %v", err)
	}

	_, err := interceptor(context.Background(), nil, info, handler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("Expected ResourceExhausted, got %v", err)
	}

	// A deadline shorter than the refill interval cannot wait for a token
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = interceptor(ctx, nil, info, handler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("Expected ResourceExhausted with deadline, got %v", err)
	}

	if calls != 1 {
		t.Fatalf("Expected handler to run once, ran %d times", calls)
	}
}

func TestLoggingInterceptor(t *testing.T) {
	var out bytes.Buffer
	logger := log.NewStandardLogger(log.WithOutput(&out), log.WithLevel(log.LevelDebug))
	interceptor := LoggingInterceptor(logger)
	info := &grpc.UnaryServerInfo{FullMethod: "/slabkv.SlabStore/BulkPut"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "bad batch")
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Expected handler error to pass through, got %v", err)
	}

	logged := out.String()
	for _, want := range []string{"/slabkv.SlabStore/BulkPut", "InvalidArgument", "bad batch"} {
		if !bytes.Contains([]byte(logged), []byte(want)) {
			t.Errorf("Expected log output to contain %q, got %q", want, logged)
		}
	}
}

func TestServerOptionsFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.RateLimit = 100
	cfg.RateBurst = 10
	cfg.KeepaliveTime = 20

	opts := ServerOptionsFromConfig(cfg, log.Discard())
	if opts.KeepAliveTime != 20*time.Second {
		t.Errorf("Expected keepalive 20s, got %v", opts.KeepAliveTime)
	}
	if opts.KeepAliveTimeout != 10*time.Second {
		t.Errorf("Expected keepalive timeout 10s, got %v", opts.KeepAliveTimeout)
	}
	if opts.RateLimit != 100 || opts.RateBurst != 10 {
		t.Errorf("Expected rate 100/10, got %v/%d", opts.RateLimit, opts.RateBurst)
	}
	if opts.MaxMessageSize != cfg.MaxMessageSize {
		t.Errorf("Expected max message size %d, got %d", cfg.MaxMessageSize, opts.MaxMessageSize)
	}

	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	srv.Stop()
}

func TestNewServerTLSErrors(t *testing.T) {
	opts := DefaultServerOptions()
	opts.TLSEnabled = true
	if _, err := NewServer(opts); err == nil {
		t.Fatal("Expected error for TLS without certificate files")
	}

	opts.CertFile = "/nonexistent/cert.pem"
	opts.KeyFile = "/nonexistent/key.pem"
	if _, err := NewServer(opts); err == nil {
		t.Fatal("Expected error for missing certificate files")
	}
}
