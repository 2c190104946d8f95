package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/KevoDB/slabkv/pkg/bridge"
	"github.com/KevoDB/slabkv/pkg/engine"
	"github.com/KevoDB/slabkv/pkg/entry"
	"github.com/KevoDB/slabkv/pkg/grpc/service"
	"github.com/KevoDB/slabkv/pkg/grpc/transport"
)

// Compression options
const (
	CompressionNone   = transport.CompressionNone
	CompressionGzip   = transport.CompressionGzip
	CompressionZstd   = transport.CompressionZstd
	CompressionSnappy = transport.CompressionSnappy
	CompressionLZ4    = transport.CompressionLZ4
)

// ClientOptions configures a slab store client
type ClientOptions struct {
	// Connection options
	Endpoint       string        // Server address
	RequestTimeout time.Duration // Default timeout for requests

	// Security options
	TLSEnabled bool   // Enable TLS
	CertFile   string // Client certificate file
	KeyFile    string // Client key file
	CAFile     string // CA certificate file
	SkipVerify bool

	// Retry options
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial retry backoff
	MaxBackoff     time.Duration // Maximum retry backoff
	BackoffFactor  float64       // Backoff multiplier
	RetryJitter    float64       // Random jitter factor

	// Performance options
	Compression    string // Compressor name, see transport.Compression*
	MaxMessageSize int    // Maximum message size
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:       "localhost:50061",
		RequestTimeout: time.Second * 10,
		TLSEnabled:     false,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond * 100,
		MaxBackoff:     time.Second * 2,
		BackoffFactor:  1.5,
		RetryJitter:    0.2,
		Compression:    CompressionNone,
		MaxMessageSize: 64 * 1024 * 1024, // 64MB
	}
}

// Client talks to a slab store server
type Client struct {
	options ClientOptions
	conn    *grpc.ClientConn
}

// NewClient creates a client for options.Endpoint. Extra dial options are
// appended after the ones derived from options.
func NewClient(options ClientOptions, extra ...grpc.DialOption) (*Client, error) {
	if options.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidOptions)
	}
	if err := transport.CheckCompression(options.Compression); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	var dialOpts []grpc.DialOption
	if options.TLSEnabled {
		tlsConfig, err := transport.LoadClientTLSConfig(options.CertFile, options.KeyFile, options.CAFile, options.SkipVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	var callOpts []grpc.CallOption
	if options.MaxMessageSize > 0 {
		callOpts = append(callOpts,
			grpc.MaxCallRecvMsgSize(options.MaxMessageSize),
			grpc.MaxCallSendMsgSize(options.MaxMessageSize),
		)
	}
	if options.Compression != "" && options.Compression != CompressionNone {
		callOpts = append(callOpts, grpc.UseCompressor(options.Compression))
	}
	dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(callOpts...))

	conn, err := grpc.NewClient(options.Endpoint, append(dialOpts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", options.Endpoint, err)
	}

	return &Client{
		options: options,
		conn:    conn,
	}, nil
}

// Close closes the connection to the server
func (c *Client) Close() error {
	return c.conn.Close()
}

// BulkPut upserts entries
func (c *Client) BulkPut(ctx context.Context, entries []entry.Entry) error {
	req := wrapperspb.Bytes(entry.AppendEntries(make([]byte, 0, len(entries)*entry.Size), entries))
	return c.invoke(ctx, service.MethodBulkPut, req, &emptypb.Empty{})
}

// Put stores a single key-value pair
func (c *Client) Put(ctx context.Context, key entry.Key, value entry.Value) error {
	return c.BulkPut(ctx, []entry.Entry{{Key: key, Value: value}})
}

// GetBatch looks up keys and returns one result per key, in order
func (c *Client) GetBatch(ctx context.Context, keys []entry.Key) ([]engine.Lookup, error) {
	resp := &wrapperspb.BytesValue{}
	if err := c.invoke(ctx, service.MethodGetBatch, wrapperspb.Bytes(entry.AppendKeys(nil, keys)), resp); err != nil {
		return nil, err
	}

	results, err := bridge.DecodeResults(resp.GetValue())
	if err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if len(results) != len(keys) {
		return nil, fmt.Errorf("malformed response: %d results for %d keys", len(results), len(keys))
	}
	return results, nil
}

// Get retrieves the value for key
func (c *Client) Get(ctx context.Context, key entry.Key) (entry.Value, bool, error) {
	results, err := c.GetBatch(ctx, []entry.Key{key})
	if err != nil {
		return 0, false, err
	}
	return results[0].Value, results[0].Found, nil
}

// BulkDelete removes keys. Absent keys are ignored.
func (c *Client) BulkDelete(ctx context.Context, keys []entry.Key) error {
	return c.invoke(ctx, service.MethodBulkDelete, wrapperspb.Bytes(entry.AppendKeys(nil, keys)), &emptypb.Empty{})
}

// Delete removes a single key
func (c *Client) Delete(ctx context.Context, key entry.Key) error {
	return c.BulkDelete(ctx, []entry.Key{key})
}

// Range returns the live entries with keys in [from, to), ascending
func (c *Client) Range(ctx context.Context, from, to entry.Key) ([]entry.Entry, error) {
	resp := &wrapperspb.BytesValue{}
	if err := c.invoke(ctx, service.MethodRange, wrapperspb.Bytes(bridge.EncodeRangeRequest(from, to)), resp); err != nil {
		return nil, err
	}

	entries, err := entry.DecodeEntries(resp.GetValue())
	if err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return entries, nil
}

// GetStats retrieves server statistics
func (c *Client) GetStats(ctx context.Context) (map[string]interface{}, error) {
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, service.MethodStats, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// Checksum returns the server's checksum over its live entries
func (c *Client) Checksum(ctx context.Context) (uint64, error) {
	resp := &wrapperspb.UInt64Value{}
	if err := c.invoke(ctx, service.MethodChecksum, &emptypb.Empty{}, resp); err != nil {
		return 0, err
	}
	return resp.GetValue(), nil
}

// invoke runs one unary call with the default request timeout and retry policy
func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	return c.options.retryPolicy().Do(ctx, func() error {
		callCtx := ctx
		if c.options.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
			defer cancel()
		}
		err := c.conn.Invoke(callCtx, method, req, resp)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	})
}
