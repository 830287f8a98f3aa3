// Package mirror copies reconciled device state into Redis so other
// processes can read it without talking to the engine.
//
// Keys:
//
//	{prefix}:{device}:{group}   hash of field → value, plus lastUpdate and source
//	{prefix}:{device}:online    "1" or "0"
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sweeney/player-mqtt/internal/config"
	"github.com/sweeney/player-mqtt/internal/events"
	"github.com/sweeney/player-mqtt/internal/state"
)

const writeTimeout = 2 * time.Second

// Writer is the subset of *redis.Client the mirror uses.
type Writer interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// SnapshotSource returns the current state of one group. The engine
// implements it.
type SnapshotSource interface {
	Snapshot(deviceID string, g state.Group) (state.Snapshot, bool)
}

// NewClient opens a Redis client from cfg.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisMirror is an events.Listener that writes every change to Redis.
// Failures are logged and never reach the engine.
type RedisMirror struct {
	w      Writer
	snaps  SnapshotSource
	prefix string
	log    zerolog.Logger
}

// New returns a RedisMirror writing under prefix.
func New(w Writer, snaps SnapshotSource, prefix string, logger zerolog.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "player"
	}
	return &RedisMirror{
		w:      w,
		snaps:  snaps,
		prefix: prefix,
		log:    logger.With().Str("component", "mirror").Logger(),
	}
}

// GroupKey returns the hash key for one group of a device.
func (m *RedisMirror) GroupKey(deviceID string, g state.Group) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, deviceID, g)
}

// OnlineKey returns the key holding a device's online flag.
func (m *RedisMirror) OnlineKey(deviceID string) string {
	return fmt.Sprintf("%s:%s:online", m.prefix, deviceID)
}

func (m *RedisMirror) StatusChanged(id string, cs state.ChangeSet) { m.writeGroup(id, cs.Group) }

func (m *RedisMirror) ConfigChanged(id string, cs state.ChangeSet) { m.writeGroup(id, cs.Group) }

func (m *RedisMirror) PlaybackChanged(id string, cs state.ChangeSet) { m.writeGroup(id, cs.Group) }

func (m *RedisMirror) Online(id, _ string) { m.writeOnline(id, true) }

func (m *RedisMirror) Offline(id, _ string) { m.writeOnline(id, false) }

// TransportError is not mirrored.
func (m *RedisMirror) TransportError(string, error) {}

func (m *RedisMirror) writeGroup(id string, g state.Group) {
	snap, ok := m.snaps.Snapshot(id, g)
	if !ok {
		return
	}
	values := make([]interface{}, 0, 2*len(snap.Values)+4)
	for f, v := range snap.Values {
		values = append(values, string(f), encode(v))
	}
	values = append(values,
		"lastUpdate", snap.LastUpdate.UTC().Format(time.RFC3339Nano),
		"source", snap.Source.String(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	key := m.GroupKey(id, g)
	if err := m.w.HSet(ctx, key, values...).Err(); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("mirror write failed")
	}
}

func (m *RedisMirror) writeOnline(id string, online bool) {
	flag := "0"
	if online {
		flag = "1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	key := m.OnlineKey(id)
	if err := m.w.Set(ctx, key, flag, 0).Err(); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("mirror write failed")
	}
}

// encode renders a normalized field value as a Redis string.
func encode(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

var _ events.Listener = (*RedisMirror)(nil)
