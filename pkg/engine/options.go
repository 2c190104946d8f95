package engine

import (
	"github.com/KevoDB/slabkv/pkg/common/log"
	"github.com/KevoDB/slabkv/pkg/config"
	"github.com/KevoDB/slabkv/pkg/kernel"
	"github.com/KevoDB/slabkv/pkg/sorter"
	"github.com/KevoDB/slabkv/pkg/stats"
	"github.com/KevoDB/slabkv/pkg/telemetry"
)

// DefaultMaxDispatchKeys bounds how many keys one lookup, probe or delete
// dispatch carries. Larger batches are partitioned.
const DefaultMaxDispatchKeys = 1 << 20

type options struct {
	logger          log.Logger
	tel             telemetry.Telemetry
	stats           stats.Collector
	sorter          sorter.Sorter
	workgroupSize   uint32
	maxDispatchKeys int
	stagingMaxWords int
	err             error
}

func defaultOptions() options {
	return options{
		logger:          log.GetDefaultLogger(),
		tel:             telemetry.NewNoop(),
		sorter:          sorter.Host{},
		workgroupSize:   kernel.DefaultWorkgroupSize,
		maxDispatchKeys: DefaultMaxDispatchKeys,
	}
}

// Option configures an Engine
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry sets the telemetry sink for metrics and spans
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.tel = tel
	}
}

// WithStats sets the statistics collector. By default each engine has its own.
func WithStats(c stats.Collector) Option {
	return func(o *options) {
		o.stats = c
	}
}

// WithSorter sets the sort step run on upsert batches
func WithSorter(s sorter.Sorter) Option {
	return func(o *options) {
		o.sorter = s
	}
}

// WithWorkgroupSize sets the number of lanes per workgroup
func WithWorkgroupSize(n uint32) Option {
	return func(o *options) {
		o.workgroupSize = n
	}
}

// WithMaxDispatchKeys sets the partition size for key batches
func WithMaxDispatchKeys(n int) Option {
	return func(o *options) {
		o.maxDispatchKeys = n
	}
}

// WithStagingLimit caps each staging region at words 32-bit words
func WithStagingLimit(words int) Option {
	return func(o *options) {
		o.stagingMaxWords = words
	}
}

// WithConfig applies the store section of cfg
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		s, err := sorter.ByName(cfg.Sorter)
		if err != nil {
			o.err = err
			return
		}
		o.sorter = s
		o.workgroupSize = cfg.WorkgroupSize
		o.maxDispatchKeys = cfg.MaxDispatchKeys
		o.stagingMaxWords = int(cfg.StagingMaxBytes / 4)
	}
}
