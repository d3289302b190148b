package outbox

import (
	"context"
	"log/slog"
	"time"

	otelx "github.com/autonova/platform/libs/otel"
)

// Sink delivers one stored event to the message bus.
type Sink interface {
	Send(ctx context.Context, rec Record) error
	Close() error
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

// Publisher relays committed outbox rows to a Sink. Rows are sent in id order
// and a batch stops at the first failure so per-aggregate order is preserved.
type Publisher struct {
	repo      *Repository
	sink      Sink
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

func NewPublisher(repo *Repository, sink Sink, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		repo:      repo,
		sink:      sink,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.publishBatch(ctx)
			if err != nil {
				p.logger.Error("outbox publish failed", "err", err, "published", n)
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	tx, err := p.repo.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	records, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	ids, sendErr := relay(ctx, p.sink, records)
	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(ids), sendErr
}

// relay sends records in order and returns the ids delivered before the
// first failure.
func relay(ctx context.Context, sink Sink, records []Record) ([]int64, error) {
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		recCtx := otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
		if err := sink.Send(recCtx, rec); err != nil {
			return ids, err
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// NopSink discards events. It backs EVENT_SINK=none so rows are still drained.
type NopSink struct{}

func (NopSink) Send(context.Context, Record) error { return nil }
func (NopSink) Close() error                       { return nil }
