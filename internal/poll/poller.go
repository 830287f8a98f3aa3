// Package poll fetches full device snapshots over HTTP on a timer and
// feeds them to the engine alongside the MQTT push stream.
package poll

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/player-mqtt/internal/state"
)

// Result is one pulled snapshot. A group the source did not return is left
// zero (nil Fields).
type Result struct {
	Status state.Decoded
	Config state.Decoded
}

// Poller abstracts the snapshot source so tests can inject a fake.
type Poller interface {
	Poll(ctx context.Context, deviceID string) (Result, error)
	Close() error
}

// Sink receives decoded snapshots. The engine implements it.
type Sink interface {
	ApplyPolled(deviceID string, d state.Decoded) error
}

// Run polls every device returned by devices once immediately and then on
// every tick until ctx is done. Errors are logged per device and the loop
// carries on.
func Run(ctx context.Context, interval time.Duration, devices func() []string, p Poller, sink Sink, logger zerolog.Logger) {
	log := logger.With().Str("component", "poll").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("polling started")
	for {
		for _, id := range devices() {
			if ctx.Err() != nil {
				return
			}
			if err := Once(ctx, id, p, sink); err != nil {
				log.Warn().Err(err).Str("device", id).Msg("poll failed")
			}
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("polling stopped")
			return
		case <-ticker.C:
		}
	}
}

// Once polls one device and applies whichever groups came back.
func Once(ctx context.Context, deviceID string, p Poller, sink Sink) error {
	res, err := p.Poll(ctx, deviceID)
	if err != nil {
		return err
	}
	for _, d := range []state.Decoded{res.Status, res.Config} {
		if d.Fields == nil {
			continue
		}
		if err := sink.ApplyPolled(deviceID, d); err != nil {
			return err
		}
	}
	return nil
}
