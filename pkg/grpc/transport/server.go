package transport

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/KevoDB/slabkv/pkg/common/log"
	"github.com/KevoDB/slabkv/pkg/config"
)

// Constants for default timeout values
const (
	defaultKeepAliveTime    = 15 * time.Second
	defaultKeepAliveTimeout = 5 * time.Second
	defaultMaxConnIdle      = 60 * time.Second
	defaultMaxConnAge       = 5 * time.Minute
	defaultMaxConnAgeGrace  = 5 * time.Second
)

// ServerOptions configures a gRPC server for the store service
type ServerOptions struct {
	TLSEnabled       bool
	CertFile         string
	KeyFile          string
	CAFile           string
	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration
	MaxMessageSize   int
	RateLimit        float64 // requests per second, 0 disables
	RateBurst        int
	Logger           log.Logger
}

// DefaultServerOptions returns default server options
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		KeepAliveTime:    defaultKeepAliveTime,
		KeepAliveTimeout: defaultKeepAliveTimeout,
		Logger:           log.GetDefaultLogger(),
	}
}

// ServerOptionsFromConfig builds server options from the server section of cfg
func ServerOptionsFromConfig(cfg *config.Config, logger log.Logger) ServerOptions {
	opts := DefaultServerOptions()
	opts.TLSEnabled = cfg.TLSEnabled
	opts.CertFile = cfg.TLSCertFile
	opts.KeyFile = cfg.TLSKeyFile
	opts.CAFile = cfg.TLSCAFile
	if cfg.KeepaliveTime > 0 {
		opts.KeepAliveTime = time.Duration(cfg.KeepaliveTime) * time.Second
	}
	if cfg.KeepaliveTimeout > 0 {
		opts.KeepAliveTimeout = time.Duration(cfg.KeepaliveTimeout) * time.Second
	}
	opts.MaxMessageSize = cfg.MaxMessageSize
	opts.RateLimit = cfg.RateLimit
	opts.RateBurst = cfg.RateBurst
	if logger != nil {
		opts.Logger = logger
	}
	return opts
}

// NewServer creates a gRPC server with TLS, keepalive, message size limits and
// the logging and rate limiting interceptors applied. Extra options are appended last.
func NewServer(opts ServerOptions, extra ...grpc.ServerOption) (*grpc.Server, error) {
	var serverOpts []grpc.ServerOption

	// Add TLS if configured
	if opts.TLSEnabled {
		tlsConfig, err := LoadServerTLSConfig(opts.CertFile, opts.KeyFile, opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	// Configure keepalive parameters
	kaProps := keepalive.ServerParameters{
		MaxConnectionIdle:     defaultMaxConnIdle,
		MaxConnectionAge:      defaultMaxConnAge,
		MaxConnectionAgeGrace: defaultMaxConnAgeGrace,
		Time:                  opts.KeepAliveTime,
		Timeout:               opts.KeepAliveTimeout,
	}

	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             opts.KeepAliveTime / 2,
		PermitWithoutStream: true,
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(kaProps),
		grpc.KeepaliveEnforcementPolicy(kaPolicy),
	)

	if opts.MaxMessageSize > 0 {
		serverOpts = append(serverOpts,
			grpc.MaxRecvMsgSize(opts.MaxMessageSize),
			grpc.MaxSendMsgSize(opts.MaxMessageSize),
		)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	interceptors := []grpc.UnaryServerInterceptor{LoggingInterceptor(logger.WithField("component", "grpc"))}
	if opts.RateLimit > 0 {
		interceptors = append(interceptors, RateLimitInterceptor(rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)))
	}
	serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(interceptors...))

	return grpc.NewServer(append(serverOpts, extra...)...), nil
}
