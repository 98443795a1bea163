package strandvec

import (
	"log/slog"

	"github.com/strandvec/strandvec/codec"
	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/embedding"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/index/hnsw"
	"github.com/strandvec/strandvec/index/ivf"
	"github.com/strandvec/strandvec/quantization"
)

type options struct {
	metric       distance.Metric
	indexType    index.Type
	quantization quantization.Mode
	pqSubvectors int
	pqCentroids  int

	hnswOptions      []func(o *hnsw.Options)
	ivfOptions       []func(o *ivf.Options)
	embeddingOptions []func(o *embedding.Options)

	codec            codec.Codec
	logger           *Logger
	metricsCollector MetricsCollector
}

// Option configures Store construction and load behavior.
type Option func(*options)

// WithMetric sets the distance metric used for scoring and index traversal.
// Cosine by default. With cosine, vectors are L2-normalized on insert and
// query.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithIndexType selects the candidate-retrieval index: flat, hnsw or ivf.
// HNSW by default.
func WithIndexType(t index.Type) Option {
	return func(o *options) {
		o.indexType = t
	}
}

// WithQuantization selects the stored vector representation: none, scalar,
// product or binary. None by default. Product quantization requires Train
// before the first insert.
func WithQuantization(mode quantization.Mode) Option {
	return func(o *options) {
		o.quantization = mode
	}
}

// WithProductQuantization selects product quantization with explicit
// codebook geometry: m subvectors, k centroids per codebook.
func WithProductQuantization(m, k int) Option {
	return func(o *options) {
		o.quantization = quantization.ModeProduct
		o.pqSubvectors = m
		o.pqCentroids = k
	}
}

// WithHNSW customizes the HNSW index. Dimension and Metric are set by the
// store and cannot be overridden here.
func WithHNSW(optFns ...func(o *hnsw.Options)) Option {
	return func(o *options) {
		o.hnswOptions = append(o.hnswOptions, optFns...)
	}
}

// WithIVF customizes the IVF index. Dimension and Metric are set by the
// store and cannot be overridden here.
func WithIVF(optFns ...func(o *ivf.Options)) Option {
	return func(o *options) {
		o.ivfOptions = append(o.ivfOptions, optFns...)
	}
}

// WithEmbedding customizes the sequence embedder used by InsertSequence and
// SearchSequence. Dimensions are set by the store and cannot be overridden
// here.
func WithEmbedding(optFns ...func(o *embedding.Options)) Option {
	return func(o *options) {
		o.embeddingOptions = append(o.embeddingOptions, optFns...)
	}
}

// WithCodec configures the codec used for state export and import.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metric:           distance.MetricCosine,
		indexType:        index.TypeHNSW,
		quantization:     quantization.ModeNone,
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
