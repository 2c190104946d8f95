package service

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/KevoDB/slabkv/pkg/bridge"
	"github.com/KevoDB/slabkv/pkg/common/log"
	"github.com/KevoDB/slabkv/pkg/engine"
	"github.com/KevoDB/slabkv/pkg/slab"
	"github.com/KevoDB/slabkv/pkg/staging"
)

// Store is the engine surface the service needs
type Store interface {
	bridge.Store
	Checksum(ctx context.Context) (uint64, error)
	GetStats() map[string]interface{}
}

// SlabStoreService implements SlabStoreServer over a single store. The store
// has a single writer, so every call holds mu for its whole duration.
type SlabStoreService struct {
	mu     sync.Mutex
	store  Store
	logger log.Logger
}

var _ SlabStoreServer = (*SlabStoreService)(nil)

// NewSlabStoreService creates a service serving store
func NewSlabStoreService(store Store, logger log.Logger) *SlabStoreService {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &SlabStoreService{
		store:  store,
		logger: logger.WithField("component", "service"),
	}
}

// BulkPut upserts a packed entry region
func (s *SlabStoreService) BulkPut(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := bridge.BulkPut(ctx, s.store, req.GetValue()); err != nil {
		return nil, s.toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// GetBatch looks up a packed key region and returns a packed result region
func (s *SlabStoreService) GetBatch(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := bridge.Get(ctx, s.store, req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return wrapperspb.Bytes(results), nil
}

// BulkDelete tombstones every key of a packed key region
func (s *SlabStoreService) BulkDelete(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := bridge.BulkDelete(ctx, s.store, req.GetValue()); err != nil {
		return nil, s.toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Range returns the live entries of a packed [from, to) request
func (s *SlabStoreService) Range(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	from, to, err := bridge.DecodeRangeRequest(req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := bridge.Range(ctx, s.store, from, to)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return wrapperspb.Bytes(buf), nil
}

// Stats returns the store statistics
func (s *SlabStoreService) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.Lock()
	stats := s.store.GetStats()
	s.mu.Unlock()

	out, err := structpb.NewStruct(normalize(stats).(map[string]interface{}))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode stats: %v", err)
	}
	return out, nil
}

// Checksum returns the xxhash64 of the live entries in key order
func (s *SlabStoreService) Checksum(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, err := s.store.Checksum(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return wrapperspb.UInt64(sum), nil
}

// toStatus maps store errors onto gRPC status codes
func (s *SlabStoreService) toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, engine.ErrCapacityExceeded), errors.Is(err, engine.ErrAllocationFailed):
		code = codes.ResourceExhausted
	case errors.Is(err, engine.ErrDuplicateKeys),
		errors.Is(err, engine.ErrReservedValue),
		errors.Is(err, bridge.ErrMisaligned),
		errors.Is(err, bridge.ErrLengthMismatch),
		errors.Is(err, staging.ErrBatchTooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrDeviceLost):
		code = codes.Unavailable
	case errors.Is(err, engine.ErrEngineClosed):
		code = codes.FailedPrecondition
	case errors.Is(err, slab.ErrCorrupt):
		code = codes.DataLoss
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}

	if code == codes.Unavailable || code == codes.DataLoss || code == codes.Internal {
		s.logger.Error("store failure: %v", err)
	}
	return status.Error(code, err.Error())
}

// normalize rewrites typed maps into the generic shapes structpb accepts
func normalize(v interface{}) interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = normalize(val)
		}
		return out
	case map[string]uint64:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out
	default:
		return v
	}
}
