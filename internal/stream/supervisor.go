package stream

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	smerrors "github.com/team-btg/server-metrics/internal/errors"
)

// SupervisorConfig controls the connection lifecycle policy. The observed
// dashboard never reopened a dropped channel short of a full scope remount,
// so Reconnect defaults to off; enabling it adds bounded exponential backoff.
type SupervisorConfig struct {
	Reconnect      bool
	InitialBackoff time.Duration // default 5s
	MaxBackoff     time.Duration // default 5m
	MaxAttempts    int           // 0 means unlimited
	Jitter         float64       // fraction of the delay, default 0.1
}

type backoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

func (cfg backoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(5 * time.Second)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := cfg.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

// Supervisor manages live stream clients for one scope: it constructs a
// fresh client per connection attempt, surfaces disconnects, and tears
// everything down when the scope context is cancelled.
type Supervisor struct {
	clientCfg Config
	cfg       SupervisorConfig
	onPoint   PointHandler
	onState   StateHandler
	logger    zerolog.Logger
}

// NewSupervisor creates a supervisor for the given scope.
func NewSupervisor(clientCfg Config, cfg SupervisorConfig, onPoint PointHandler, onState StateHandler, logger zerolog.Logger) *Supervisor {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.1
	}
	return &Supervisor{
		clientCfg: clientCfg,
		cfg:       cfg,
		onPoint:   onPoint,
		onState:   onState,
		logger:    logger,
	}
}

// Run drives the connection until the context is cancelled. Without
// reconnect it returns after the first unsolicited close, carrying the
// transport error; with reconnect it keeps retrying under backoff until the
// attempt budget is spent or the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := backoffConfig{
		Initial: s.cfg.InitialBackoff,
		Jitter:  s.cfg.Jitter,
		Max:     s.cfg.MaxBackoff,
	}

	attempt := 0
	for {
		client, err := NewClient(s.clientCfg, s.onPoint, s.onState, s.logger)
		if err != nil {
			return err
		}

		err = client.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, smerrors.ErrTransportClosed) {
			return err
		}

		if !s.cfg.Reconnect {
			s.logger.Warn().Err(err).
				Str("serverID", s.clientCfg.ServerID).
				Msg("Live stream closed; not reconnecting until scope change")
			return err
		}

		attempt++
		if s.cfg.MaxAttempts > 0 && attempt > s.cfg.MaxAttempts {
			s.logger.Warn().
				Int("attempts", attempt-1).
				Str("serverID", s.clientCfg.ServerID).
				Msg("Live stream reconnect budget exhausted")
			return err
		}

		delay := backoff.nextDelay(attempt-1, rand.Float64())
		s.logger.Debug().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Str("serverID", s.clientCfg.ServerID).
			Msg("Live stream interrupted, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
