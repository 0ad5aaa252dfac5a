// Package metrics builds the tally scope shared by the node's components and
// reports it through the node's zap logger.
package metrics

import (
	"io"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// NewScope returns a root scope that flushes to logger every interval. An
// interval of zero keeps the counters in memory without reporting them.
func NewScope(prefix string, logger *zap.Logger, interval time.Duration) (tally.Scope, io.Closer) {
	opts := tally.ScopeOptions{Prefix: prefix}
	if interval > 0 {
		opts.Reporter = NewZapReporter(logger)
	}
	return tally.NewRootScope(opts, interval)
}

// ZapReporter is a tally.StatsReporter that writes each non-zero metric as a
// debug log line.
type ZapReporter struct {
	logger *zap.Logger
}

func NewZapReporter(logger *zap.Logger) *ZapReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapReporter{logger: logger.Named("metrics")}
}

var _ tally.StatsReporter = (*ZapReporter)(nil)

func (r *ZapReporter) ReportCounter(name string, tags map[string]string, value int64) {
	if value == 0 {
		return
	}
	r.logger.Info("counter", zap.String("name", name), zap.Any("tags", tags), zap.Int64("value", value))
}

func (r *ZapReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.logger.Info("gauge", zap.String("name", name), zap.Any("tags", tags), zap.Float64("value", value))
}

func (r *ZapReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.logger.Info("timer", zap.String("name", name), zap.Any("tags", tags), zap.Duration("value", interval))
}

func (r *ZapReporter) ReportHistogramValueSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound float64,
	samples int64,
) {
	r.logger.Info("histogram", zap.String("name", name), zap.Any("tags", tags),
		zap.Float64("lower", bucketLowerBound), zap.Float64("upper", bucketUpperBound),
		zap.Int64("samples", samples))
}

func (r *ZapReporter) ReportHistogramDurationSamples(
	name string,
	tags map[string]string,
	_ tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration,
	samples int64,
) {
	r.logger.Info("histogram", zap.String("name", name), zap.Any("tags", tags),
		zap.Duration("lower", bucketLowerBound), zap.Duration("upper", bucketUpperBound),
		zap.Int64("samples", samples))
}

func (r *ZapReporter) Capabilities() tally.Capabilities { return r }
func (r *ZapReporter) Reporting() bool                  { return true }
func (r *ZapReporter) Tagging() bool                    { return true }

func (r *ZapReporter) Flush() {
	_ = r.logger.Sync()
}
