// Package broadcast fans a payload out to registered connections.
package broadcast

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/voxrelay/internal/pkg/logger"
	"github.com/voxrelay/voxrelay/internal/transport"
)

// Report counts the outcome of one broadcast. It is observational only.
type Report struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Evicted int `json:"evicted"`
}

// Recorder receives broadcast outcomes.
// Declared here to avoid an import cycle with the metrics package.
type Recorder interface {
	RecordBroadcast(sent, failed, evicted int)
}

// StaleFunc is called for each recipient whose connection is gone.
type StaleFunc func(ctx context.Context, connectionID string)

// Config holds fan-out settings.
type Config struct {
	// Echo delivers to the excluded sender too.
	Echo bool
	// Concurrency caps in-flight deliveries; 1 delivers sequentially.
	Concurrency int
}

// Broadcaster delivers one payload to many connections. Deliveries are not
// retried; a gone recipient is reported through the StaleFunc and counted as
// evicted, any other failure is counted and skipped.
type Broadcaster struct {
	cfg     Config
	log     *logger.Logger
	metrics Recorder
}

// New creates a Broadcaster. metrics may be nil.
func New(cfg Config, log *logger.Logger, metrics Recorder) *Broadcaster {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if log == nil {
		log = logger.Default()
	}
	return &Broadcaster{cfg: cfg, log: log, metrics: metrics}
}

// Recipients returns the members that a broadcast excluding the given id will
// reach. Members are deduplicated. The sender is dropped unless echo is on or
// it is the only member.
func (b *Broadcaster) Recipients(members []string, excluding string) []string {
	seen := make(map[string]struct{}, len(members))
	unique := make([]string, 0, len(members))
	for _, m := range members {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		unique = append(unique, m)
	}

	if b.cfg.Echo || excluding == "" {
		return unique
	}
	if len(unique) == 1 && unique[0] == excluding {
		return unique
	}

	out := unique[:0]
	for _, m := range unique {
		if m != excluding {
			out = append(out, m)
		}
	}
	return out
}

// Broadcast sends payload to every recipient through sender.
func (b *Broadcaster) Broadcast(ctx context.Context, sender transport.Sender, members []string, payload []byte, excluding string, onStale StaleFunc) Report {
	recipients := b.Recipients(members, excluding)

	var sent, failed, evicted atomic.Int64

	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)

	for _, id := range recipients {
		g.Go(func() error {
			err := sender.Send(ctx, id, payload)
			switch {
			case err == nil:
				sent.Add(1)
			case transport.IsGone(err):
				evicted.Add(1)
				b.log.WithConnection(id).Debug("Evicting stale connection")
				if onStale != nil {
					onStale(ctx, id)
				}
			default:
				failed.Add(1)
				b.log.WithConnection(id).WithError(err).Warn("Delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Sent:    int(sent.Load()),
		Failed:  int(failed.Load()),
		Evicted: int(evicted.Load()),
	}

	if b.metrics != nil {
		b.metrics.RecordBroadcast(report.Sent, report.Failed, report.Evicted)
	}

	b.log.Debug("Broadcast finished",
		"recipients", len(recipients),
		"sent", report.Sent,
		"failed", report.Failed,
		"evicted", report.Evicted,
	)

	return report
}
