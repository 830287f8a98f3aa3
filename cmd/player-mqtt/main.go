package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sweeney/player-mqtt/internal/config"
	"github.com/sweeney/player-mqtt/internal/engine"
	"github.com/sweeney/player-mqtt/internal/events"
	"github.com/sweeney/player-mqtt/internal/forward"
	"github.com/sweeney/player-mqtt/internal/history"
	"github.com/sweeney/player-mqtt/internal/logging"
	"github.com/sweeney/player-mqtt/internal/mirror"
	"github.com/sweeney/player-mqtt/internal/poll"
	"github.com/sweeney/player-mqtt/internal/state"
	"github.com/sweeney/player-mqtt/internal/transport"
)

// deps are the outside-world connections run needs.
type deps struct {
	dialer  transport.Dialer
	poller  poll.Poller         // nil disables polling
	mirror  mirror.Writer       // nil disables the Redis mirror
	history history.PointWriter // nil disables InfluxDB history
	forward forward.Channel     // nil disables AMQP forwarding
}

func main() {
	configPath := pflag.StringP("config", "c", "/etc/player-mqtt/config.toml", "path to config file")
	envFile := pflag.String("env-file", ".env", "optional KEY=VALUE file read before the environment overrides")
	identity := pflag.String("identity", "", "session identity used in the MQTT client id (default: hostname)")
	pflag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath, "./config.toml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if *identity == "" {
		*identity, _ = os.Hostname()
	}

	logger.Info().
		Str("broker", cfg.MQTT.Broker).
		Strs("devices", cfg.Devices.IDs).
		Bool("poll", cfg.Poll.Enabled).
		Bool("redis", cfg.Redis.Enabled).
		Bool("influx", cfg.Influx.Enabled).
		Bool("amqp", cfg.AMQP.Enabled).
		Msg("player-mqtt starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	d := deps{
		dialer: transport.PahoDialer{
			Broker:    cfg.MQTT.Broker,
			KeepAlive: cfg.MQTT.KeepAlive.Duration,
			TLSCACert: cfg.MQTT.TLSCACert,
			ALPN:      cfg.MQTT.ALPN,
		},
	}
	if cfg.Poll.Enabled {
		d.poller = poll.NewClient(cfg.Poll.BaseURL, poll.StaticToken(cfg.MQTT.Token), cfg.Poll.Timeout.Duration)
	}
	if cfg.Redis.Enabled {
		rc := mirror.NewClient(cfg.Redis)
		defer rc.Close() //nolint:errcheck
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
		}
		d.mirror = rc
	}
	if cfg.Influx.Enabled {
		hc := history.Open(cfg.Influx, logger)
		defer hc.Close()
		d.history = hc.Writer()
	}
	if cfg.AMQP.Enabled {
		conn, ch, err := forward.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("AMQP forwarding enabled but unavailable")
		}
		defer conn.Close() //nolint:errcheck
		d.forward = ch
	}

	if err := run(ctx, cfg, *identity, d, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("player-mqtt stopped")
	}
	logger.Info().Msg("session closed, exiting")
}

// run connects the engine, subscribes the configured devices and blocks
// until ctx is done or the session gives up on the broker. The latter
// returns an error wrapping transport.ErrConnectionFailed.
func run(ctx context.Context, cfg *config.Config, identity string, d deps, logger zerolog.Logger) error {
	eng := engine.New(d.dialer, engine.OptionsFromConfig(cfg), logger)
	eng.Listen(logListener(logger))
	failed := make(chan error, 1)
	eng.Listen(events.Funcs{OnTransportError: func(_ string, err error) {
		if !errors.Is(err, transport.ErrConnectionFailed) {
			return
		}
		select {
		case failed <- err:
		default:
		}
	}})
	if d.mirror != nil {
		eng.Listen(mirror.New(d.mirror, eng, cfg.Redis.KeyPrefix, logger))
	}
	if d.history != nil {
		eng.Listen(history.NewRecorder(d.history, nil, logger))
	}
	if d.forward != nil {
		eng.Listen(forward.New(d.forward, cfg.AMQP.Exchange, nil, logger))
	}

	creds := transport.Credentials{Token: cfg.MQTT.Token}
	if err := eng.ConnectWithRetry(ctx, creds, identity); err != nil {
		return err
	}
	defer eng.Disconnect()
	logger.Info().Str("broker", cfg.MQTT.Broker).Msg("connected to MQTT broker")

	for _, id := range cfg.Devices.IDs {
		if err := eng.SubscribeToDevice(ctx, id); err != nil {
			logger.Error().Err(err).Str("device", id).Msg("subscribe failed")
		}
	}

	go eng.Run(ctx)
	if d.poller != nil {
		defer d.poller.Close() //nolint:errcheck
		go poll.Run(ctx, cfg.Poll.Interval.Duration, eng.Devices, d.poller, eng, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	case err := <-failed:
		return err
	}
}

// logListener writes every engine event to the process log.
func logListener(logger zerolog.Logger) events.Funcs {
	changed := func(id string, cs state.ChangeSet) {
		logger.Info().
			Str("device", id).
			Str("group", cs.Group.String()).
			Str("source", cs.Source.String()).
			Strs("fields", fieldNames(cs)).
			Msg("state changed")
	}
	return events.Funcs{
		OnStatusChanged:   changed,
		OnConfigChanged:   changed,
		OnPlaybackChanged: changed,
		OnOnline: func(id, reason string) {
			logger.Info().Str("device", id).Str("reason", reason).Msg("device online")
		},
		OnOffline: func(id, reason string) {
			logger.Warn().Str("device", id).Str("reason", reason).Msg("device offline")
		},
		OnTransportError: func(id string, err error) {
			logger.Error().Err(err).Str("device", id).Msg("transport error")
		},
	}
}

func fieldNames(cs state.ChangeSet) []string {
	fields := cs.Fields()
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
