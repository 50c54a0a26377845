package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/withObsrvr/thump-stream/internal/alert"
)

const simulatedTopic = "testing"

// Simulated emulates a broker by drawing random alerts from archives.
type Simulated struct {
	archives []string
	cfg      SourceConfig
	log      *slog.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	cache map[string][]alert.RawAlert
}

// NewSimulated lists the archives matching cfg.Pattern.
func NewSimulated(ctx context.Context, cfg SourceConfig) (*Simulated, error) {
	archives, err := ListArchives(ctx, cfg.Pattern)
	if err != nil {
		return nil, err
	}
	if len(archives) == 0 {
		return nil, fmt.Errorf("no archives match %s", cfg.Pattern)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.MeanAlerts <= 0 {
		cfg.MeanAlerts = 3
	}

	return &Simulated{
		archives: archives,
		cfg:      cfg,
		log:      slog.With("component", "source", "mode", "simulated"),
		rng:      rand.New(rand.NewSource(seed)),
		cache:    make(map[string][]alert.RawAlert),
	}, nil
}

// Poll draws a random batch. With probability EmptyProbability nothing
// "arrives" and the call waits out the timeout, like a quiet broker.
func (s *Simulated) Poll(ctx context.Context, timeout time.Duration) (Poll, error) {
	s.mu.Lock()
	empty := s.rng.Float64() < s.cfg.EmptyProbability
	n := s.drawCount()
	s.mu.Unlock()

	if empty {
		select {
		case <-ctx.Done():
			return Poll{}, ctx.Err()
		case <-time.After(timeout):
			return Poll{}, nil
		}
	}

	alerts := make([]alert.RawAlert, 0, n)
	for i := 0; i < n; i++ {
		a, err := s.draw(ctx)
		if err != nil {
			return Poll{}, err
		}
		alerts = append(alerts, a)
	}

	s.log.Debug("simulated poll", "alerts", len(alerts))
	return Poll{Topic: simulatedTopic, Alerts: alerts, Key: simulatedTopic}, nil
}

// drawCount returns max(1, |round(N(mean, 1))|), capped by MaxAlerts.
func (s *Simulated) drawCount() int {
	n := int(math.Abs(math.Round(s.rng.NormFloat64() + s.cfg.MeanAlerts)))
	if n < 1 {
		n = 1
	}
	if s.cfg.MaxAlerts > 0 && n > s.cfg.MaxAlerts {
		n = s.cfg.MaxAlerts
	}
	return n
}

func (s *Simulated) draw(ctx context.Context) (alert.RawAlert, error) {
	s.mu.Lock()
	location := s.archives[s.rng.Intn(len(s.archives))]
	alerts, ok := s.cache[location]
	s.mu.Unlock()

	if !ok {
		var err error
		alerts, err = ReadArchive(ctx, location)
		if err != nil {
			return alert.RawAlert{}, err
		}
		if len(alerts) == 0 {
			return alert.RawAlert{}, fmt.Errorf("archive %s holds no alerts", location)
		}
		s.mu.Lock()
		s.cache[location] = alerts
		s.mu.Unlock()
	}

	s.mu.Lock()
	a := alerts[s.rng.Intn(len(alerts))]
	s.mu.Unlock()
	return a, nil
}

// Close drops the archive cache.
func (s *Simulated) Close() error {
	s.mu.Lock()
	s.cache = make(map[string][]alert.RawAlert)
	s.mu.Unlock()
	return nil
}
