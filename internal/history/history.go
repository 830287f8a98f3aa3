// Package history records every state change and liveness transition as
// InfluxDB points, for dashboards that chart battery, volume and uptime
// over time.
//
// Measurements:
//
//	player_state     tags device, group, source; one field per changed value
//	player_liveness  tags device, reason; field online (bool)
package history

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/sweeney/player-mqtt/internal/config"
	"github.com/sweeney/player-mqtt/internal/events"
	"github.com/sweeney/player-mqtt/internal/state"
)

const (
	measurementState    = "player_state"
	measurementLiveness = "player_liveness"
)

// PointWriter accepts points without blocking. api.WriteAPI satisfies it.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Recorder is an events.Listener that turns notifications into points.
type Recorder struct {
	w   PointWriter
	now func() time.Time
	log zerolog.Logger
}

// NewRecorder returns a Recorder writing to w. A nil clock uses time.Now.
func NewRecorder(w PointWriter, now func() time.Time, logger zerolog.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{w: w, now: now, log: logger.With().Str("component", "history").Logger()}
}

func (r *Recorder) StatusChanged(id string, cs state.ChangeSet) { r.changed(id, cs) }

func (r *Recorder) ConfigChanged(id string, cs state.ChangeSet) { r.changed(id, cs) }

func (r *Recorder) PlaybackChanged(id string, cs state.ChangeSet) { r.changed(id, cs) }

func (r *Recorder) Online(id, reason string) { r.liveness(id, reason, true) }

func (r *Recorder) Offline(id, reason string) { r.liveness(id, reason, false) }

// TransportError is not recorded.
func (r *Recorder) TransportError(string, error) {}

func (r *Recorder) changed(id string, cs state.ChangeSet) {
	fields := make(map[string]interface{}, len(cs.Changes))
	for _, ch := range cs.Changes {
		if v, ok := fieldValue(ch.New); ok {
			fields[string(ch.Field)] = v
		}
	}
	// A point with no fields is rejected by the server.
	if len(fields) == 0 {
		r.log.Debug().Str("device", id).Str("group", cs.Group.String()).Msg("no recordable fields in change")
		return
	}
	tags := map[string]string{
		"device": id,
		"group":  cs.Group.String(),
		"source": cs.Source.String(),
	}
	r.w.WritePoint(write.NewPoint(measurementState, tags, fields, r.now()))
}

func (r *Recorder) liveness(id, reason string, online bool) {
	tags := map[string]string{"device": id, "reason": reason}
	fields := map[string]interface{}{"online": online}
	r.w.WritePoint(write.NewPoint(measurementLiveness, tags, fields, r.now()))
}

// fieldValue keeps scalars. Nil values and structured values (alarm
// lists) are skipped.
func fieldValue(v any) (interface{}, bool) {
	switch x := v.(type) {
	case float64, bool, string:
		return x, true
	}
	return nil, false
}

// Client owns the InfluxDB connection behind a Recorder.
type Client struct {
	client influxdb2.Client
	api    interface {
		PointWriter
		Flush()
		Errors() <-chan error
	}
}

// Open creates a non-blocking, batching writer for cfg. Asynchronous write
// failures are logged.
func Open(cfg config.InfluxConfig, logger zerolog.Logger) *Client {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval.Duration > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	log := logger.With().Str("component", "history").Logger()
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("influx write failed")
		}
	}()
	return &Client{client: client, api: writeAPI}
}

// Writer returns the point writer to hand to NewRecorder.
func (c *Client) Writer() PointWriter { return c.api }

// Close flushes pending points and closes the connection.
func (c *Client) Close() {
	c.api.Flush()
	c.client.Close()
}

var _ events.Listener = (*Recorder)(nil)
