package realtime

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"greencoins/map-go/internal/metrics"
)

// Channel is the Postgres NOTIFY channel raised by the complaints trigger.
const Channel = "reports_changed"

// Conn is a connection that has issued LISTEN. *db.Listener satisfies it.
type Conn interface {
	Wait(ctx context.Context) (*pgconn.Notification, error)
	Close()
}

type Dialer func(ctx context.Context, channel string) (Conn, error)

// Listener bridges Postgres notifications into a Hub, reconnecting with
// capped exponential backoff when the connection drops.
type Listener struct {
	*Hub

	log         zerolog.Logger
	dial        Dialer
	channel     string
	baseBackoff time.Duration
	metrics     *metrics.Metrics
}

type ListenerOptions struct {
	Channel     string
	BaseBackoff time.Duration
}

func NewListener(log zerolog.Logger, dial Dialer, opts ListenerOptions, m *metrics.Metrics) *Listener {
	ch := opts.Channel
	if ch == "" {
		ch = Channel
	}
	bb := opts.BaseBackoff
	if bb <= 0 {
		bb = 400 * time.Millisecond
	}
	return &Listener{
		Hub:         NewHub(),
		log:         log,
		dial:        dial,
		channel:     ch,
		baseBackoff: bb,
		metrics:     m,
	}
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	if l == nil || l.dial == nil {
		return
	}

	var consecutiveFailures int
	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			consecutiveFailures++
			l.log.Warn().Err(err).Int("failures", consecutiveFailures).Str("channel", l.channel).Msg("change listener disconnected")
		} else {
			consecutiveFailures = 0
		}

		timer := time.NewTimer(backoffDuration(l.baseBackoff, consecutiveFailures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.dial(ctx, l.channel)
	if err != nil {
		return err
	}
	defer conn.Close()

	l.log.Info().Str("channel", l.channel).Msg("change listener connected")
	// Anything that changed while we were disconnected was missed.
	l.Publish()

	for {
		n, err := conn.Wait(ctx)
		if err != nil {
			return err
		}
		l.metrics.IncChangeNotification()
		l.log.Debug().Str("channel", n.Channel).Str("payload", n.Payload).Msg("report store changed")
		l.Publish()
	}
}

func backoffDuration(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = 400 * time.Millisecond
	}
	if failures <= 0 {
		return base
	}

	// Exponential-ish backoff: base * 2^failures, capped.
	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}
