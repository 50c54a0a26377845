package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/withObsrvr/thump-stream/internal/alert"
)

// Live consumes alerts published as JSON on a NATS subject. The
// subscription is synchronous, so alerts are only pulled when polled.
type Live struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	maxAlerts int
	log       *slog.Logger
}

// NewLive connects to the broker and subscribes to cfg.Subject.
func NewLive(cfg SourceConfig) (*Live, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("live source requires a subject")
	}
	url := cfg.NATSURL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, nats.Name("thump-stream-source"))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	var sub *nats.Subscription
	if cfg.Queue != "" {
		sub, err = nc.QueueSubscribeSync(cfg.Subject, cfg.Queue)
	} else {
		sub, err = nc.SubscribeSync(cfg.Subject)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}

	maxAlerts := cfg.MaxAlerts
	if maxAlerts < 1 {
		maxAlerts = 1
	}

	return &Live{
		nc:        nc,
		sub:       sub,
		maxAlerts: maxAlerts,
		log:       slog.With("component", "source", "mode", "live", "subject", cfg.Subject),
	}, nil
}

// Poll collects up to maxAlerts messages, waiting at most timeout in total.
// Messages that do not decode are logged and skipped. A subscription error
// after some alerts were collected ends the poll early without an error.
func (l *Live) Poll(ctx context.Context, timeout time.Duration) (Poll, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var p Poll
	for len(p.Alerts) < l.maxAlerts {
		msg, err := l.sub.NextMsgWithContext(pctx)
		if err != nil {
			if ctx.Err() != nil {
				return Poll{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				break
			}
			if len(p.Alerts) > 0 {
				// Keep what was already pulled off the subject.
				l.log.Warn("poll cut short", "error", err, "alerts", len(p.Alerts))
				return p, nil
			}
			return p, fmt.Errorf("next message: %w", err)
		}

		var a alert.RawAlert
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			l.log.Warn("dropping undecodable message", "error", err, "bytes", len(msg.Data))
			continue
		}
		p.Topic = msg.Subject
		p.Key = msg.Header.Get("key")
		p.Alerts = append(p.Alerts, a)
	}
	return p, nil
}

// Close unsubscribes and closes the connection.
func (l *Live) Close() error {
	err := l.sub.Unsubscribe()
	l.nc.Close()
	return err
}

// PublishAlert publishes one alert in the format Live consumes.
func PublishAlert(nc *nats.Conn, subject string, a alert.RawAlert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return nc.Publish(subject, data)
}
