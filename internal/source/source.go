// Package source provides alert sources: a pull-based live broker consumer
// and a simulator drawing alerts from parquet archives.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/withObsrvr/thump-stream/internal/alert"
)

// Poll is the result of one poll. A poll that timed out without data has an
// empty Topic and no alerts; that is not an error.
type Poll struct {
	Topic  string
	Alerts []alert.RawAlert
	Key    string
}

// Empty reports whether nothing arrived within the timeout.
func (p Poll) Empty() bool {
	return p.Topic == "" || len(p.Alerts) == 0
}

// AlertSource returns batches of raw alerts.
type AlertSource interface {
	// Poll blocks for at most timeout and returns whatever arrived.
	Poll(ctx context.Context, timeout time.Duration) (Poll, error)
	Close() error
}

// SourceConfig selects and configures an alert source.
type SourceConfig struct {
	Mode string // "simulated" | "live"

	// Simulated
	Pattern          string  // glob of parquet archives, local or bucket URL
	Seed             int64   // 0 seeds from the clock
	EmptyProbability float64 // chance a poll returns nothing
	MeanAlerts       float64 // mean alerts per non-empty poll

	// Live
	NATSURL string
	Subject string
	Queue   string // optional queue group

	// Both
	MaxAlerts int // upper bound of alerts per poll, <= 0 means unbounded (simulated only)
}

var ErrInvalidSourceMode = errors.New("invalid source mode")

// NewAlertSource constructs an alert source based on the configured mode.
func NewAlertSource(ctx context.Context, cfg SourceConfig) (AlertSource, error) {
	switch cfg.Mode {
	case "simulated":
		return NewSimulated(ctx, cfg)
	case "live":
		return NewLive(cfg)
	default:
		return nil, ErrInvalidSourceMode
	}
}
