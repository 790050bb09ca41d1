package filter

import (
	"context"
	"log/slog"
)

// resultCollector is the subset of metrics.Collector the chain needs to
// record verdicts. Declared locally to avoid a hard dependency on the
// metrics package's concrete Collector interface shape.
type resultCollector interface {
	FilterResult(kind string)
}

// Chain runs its filters strictly sequentially, left to right, stopping at
// the first non-Ok result. It never reruns on Rescan: that result is
// returned as-is for the caller to commit and propagate to the store.
type Chain struct {
	filters   []Filter
	logger    *slog.Logger
	collector resultCollector
}

// NewChain returns a Chain over filters, logging through logger (or
// slog.Default() if nil).
func NewChain(logger *slog.Logger, filters ...Filter) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{filters: filters, logger: logger}
}

// SetCollector attaches a metrics collector recording each terminal filter
// verdict. A nil collector (the default) disables recording.
func (c *Chain) SetCollector(collector resultCollector) {
	c.collector = collector
}

// Run evaluates every filter in order until one returns non-Ok or an error,
// or the chain is exhausted (implicit Ok).
func (c *Chain) Run(ctx context.Context, msg *Message) (Result, error) {
	for _, f := range c.filters {
		res, err := f.Run(ctx, msg)
		if err != nil {
			return Result{}, err
		}
		c.logger.Debug("filter ran", "filter", f.ID(), "kind", res.Kind, "special", res.Special)
		if !res.IsOk() {
			c.recordResult(res.Kind)
			return res, nil
		}
	}
	c.recordResult(Ok)
	return OkResult(), nil
}

func (c *Chain) recordResult(kind Kind) {
	if c.collector == nil {
		return
	}
	c.collector.FilterResult(kind.String())
}
