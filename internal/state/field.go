// Package state reconciles push and poll snapshots into per-device state.
//
// Each device has three independent groups (status, config, playback).
// A group is last-write-wins per key: applying a snapshot replaces the
// stored value of every key it carries and leaves every other key alone.
// Groups never overwrite one another, even where the vendor reports the
// same logical quantity under two names (see Authoritative).
package state

import (
	"fmt"
	"sort"
)

// Group is one of the independent field groups tracked per device.
type Group int

// Groups.
const (
	GroupStatus Group = iota
	GroupConfig
	GroupPlayback
)

// Groups lists every group in a fixed order.
var Groups = []Group{GroupStatus, GroupConfig, GroupPlayback}

func (g Group) String() string {
	switch g {
	case GroupStatus:
		return "status"
	case GroupConfig:
		return "config"
	case GroupPlayback:
		return "playback"
	default:
		return fmt.Sprintf("group(%d)", int(g))
	}
}

func (g Group) valid() bool {
	return g >= GroupStatus && g <= GroupPlayback
}

// ParseGroup is the inverse of Group.String.
func ParseGroup(s string) (Group, error) {
	for _, g := range Groups {
		if g.String() == s {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownGroup, s)
}

// Source says where a snapshot came from.
type Source int

// Sources.
const (
	SourcePush Source = iota
	SourcePoll
)

func (s Source) String() string {
	if s == SourcePoll {
		return "poll"
	}
	return "push"
}

// Kind is the value type of a field. Values are normalized to float64,
// bool, string, or (for KindAny) the decoded JSON value.
type Kind int

// Kinds.
const (
	KindUnknown Kind = iota
	KindNumber
	KindBool
	KindString
	KindAny
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindAny:
		return "any"
	default:
		return "unknown"
	}
}

// Field names one vendor field. The name is the wire key.
type Field string

// Status fields. The push channel and the poll channel use different
// names and scales for overlapping quantities; both sets are kept.
const (
	// push
	StatusActiveCard     Field = "activeCard"
	StatusAmbientLight   Field = "als"
	StatusBattery        Field = "batteryLevel"
	StatusBluetoothHP    Field = "bluetoothHp"
	StatusCardInserted   Field = "cardInserted"
	StatusCharging       Field = "charging"
	StatusDay            Field = "day"
	StatusFirmware       Field = "fwVersion"
	StatusFreeDisk       Field = "freeDisk"
	StatusHeadphones     Field = "headphones"
	StatusNightlightMode Field = "nightlightMode"
	StatusPlayingStatus  Field = "playingStatus"
	StatusTemp           Field = "temp"
	StatusUserVolume     Field = "userVolume"
	StatusVolume         Field = "volume"
	StatusWifiStrength   Field = "wifiStrength"

	// poll
	StatusBatteryPercentage   Field = "batteryLevelPercentage"
	StatusIsCharging          Field = "isCharging"
	StatusIsOnline            Field = "isOnline"
	StatusPowerSource         Field = "powerSource"
	StatusSystemVolumePercent Field = "systemVolumePercentage"
	StatusTemperatureCelsius  Field = "temperatureCelcius"
	StatusUptime              Field = "uptime"
	StatusUserVolumePercent   Field = "userVolumePercentage"
	StatusNetworkSSID         Field = "networkSsid"
	StatusUpdatedAt           Field = "updatedAt"
)

// Config fields.
const (
	ConfigAlarms                 Field = "alarms"
	ConfigAmbientColour          Field = "ambientColour"
	ConfigBluetoothEnabled       Field = "bluetoothEnabled"
	ConfigClockFace              Field = "clockFace"
	ConfigDayDisplayBrightness   Field = "dayDisplayBrightness"
	ConfigDayTime                Field = "dayTime"
	ConfigDisplayDimTimeout      Field = "displayDimTimeout"
	ConfigHeadphonesVolumeLimit  Field = "headphonesVolumeLimited"
	ConfigLocale                 Field = "locale"
	ConfigMaxVolumeLimit         Field = "maxVolumeLimit"
	ConfigNightAmbientColour     Field = "nightAmbientColour"
	ConfigNightDisplayBrightness Field = "nightDisplayBrightness"
	ConfigNightMaxVolumeLimit    Field = "nightMaxVolumeLimit"
	ConfigNightTime              Field = "nightTime"
	ConfigRepeatAll              Field = "repeatAll"
	ConfigShutdownTimeout        Field = "shutdownTimeout"
	ConfigTimezone               Field = "timezone"
)

// Playback fields, from the events topic.
const (
	PlaybackCardID            Field = "cardId"
	PlaybackChapterKey        Field = "chapterKey"
	PlaybackChapterTitle      Field = "chapterTitle"
	PlaybackEventUTC          Field = "eventUtc"
	PlaybackPosition          Field = "position"
	PlaybackRepeatAll         Field = "repeatAll"
	PlaybackSleepTimerActive  Field = "sleepTimerActive"
	PlaybackSleepTimerSeconds Field = "sleepTimerSeconds"
	PlaybackSource            Field = "source"
	PlaybackStatus            Field = "playbackStatus"
	PlaybackStreaming         Field = "streaming"
	PlaybackTrackKey          Field = "trackKey"
	PlaybackTrackLength       Field = "trackLength"
	PlaybackTrackTitle        Field = "trackTitle"
	PlaybackVolume            Field = "volume"
	PlaybackVolumeMax         Field = "volumeMax"
)

var catalogue = map[Group]map[Field]Kind{
	GroupStatus: {
		StatusActiveCard:     KindString,
		StatusAmbientLight:   KindNumber,
		StatusBattery:        KindNumber,
		StatusBluetoothHP:    KindBool,
		StatusCardInserted:   KindNumber,
		StatusCharging:       KindBool,
		StatusDay:            KindBool,
		StatusFirmware:       KindString,
		StatusFreeDisk:       KindNumber,
		StatusHeadphones:     KindBool,
		StatusNightlightMode: KindString,
		StatusPlayingStatus:  KindNumber,
		StatusTemp:           KindString,
		StatusUserVolume:     KindNumber,
		StatusVolume:         KindNumber,
		StatusWifiStrength:   KindNumber,

		StatusBatteryPercentage:   KindNumber,
		StatusIsCharging:          KindBool,
		StatusIsOnline:            KindBool,
		StatusPowerSource:         KindNumber,
		StatusSystemVolumePercent: KindNumber,
		StatusTemperatureCelsius:  KindString,
		StatusUptime:              KindNumber,
		StatusUserVolumePercent:   KindNumber,
		StatusNetworkSSID:         KindString,
		StatusUpdatedAt:           KindString,
	},
	GroupConfig: {
		ConfigAlarms:                 KindAny,
		ConfigAmbientColour:          KindString,
		ConfigBluetoothEnabled:       KindBool,
		ConfigClockFace:              KindString,
		ConfigDayDisplayBrightness:   KindString,
		ConfigDayTime:                KindString,
		ConfigDisplayDimTimeout:      KindNumber,
		ConfigHeadphonesVolumeLimit:  KindBool,
		ConfigLocale:                 KindString,
		ConfigMaxVolumeLimit:         KindNumber,
		ConfigNightAmbientColour:     KindString,
		ConfigNightDisplayBrightness: KindString,
		ConfigNightMaxVolumeLimit:    KindNumber,
		ConfigNightTime:              KindString,
		ConfigRepeatAll:              KindBool,
		ConfigShutdownTimeout:        KindNumber,
		ConfigTimezone:               KindString,
	},
	GroupPlayback: {
		PlaybackCardID:            KindString,
		PlaybackChapterKey:        KindString,
		PlaybackChapterTitle:      KindString,
		PlaybackEventUTC:          KindNumber,
		PlaybackPosition:          KindNumber,
		PlaybackRepeatAll:         KindBool,
		PlaybackSleepTimerActive:  KindBool,
		PlaybackSleepTimerSeconds: KindNumber,
		PlaybackSource:            KindString,
		PlaybackStatus:            KindString,
		PlaybackStreaming:         KindBool,
		PlaybackTrackKey:          KindString,
		PlaybackTrackLength:       KindNumber,
		PlaybackTrackTitle:        KindString,
		PlaybackVolume:            KindNumber,
		PlaybackVolumeMax:         KindNumber,
	},
}

// Lookup returns the kind of field f in group g. ok is false when f is not
// part of g.
func Lookup(g Group, f Field) (Kind, bool) {
	k, ok := catalogue[g][f]
	return k, ok
}

// Fields returns every field of g, sorted.
func Fields(g Group) []Field {
	out := make([]Field, 0, len(catalogue[g]))
	for f := range catalogue[g] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Quantity is a logical device property that more than one field reports.
type Quantity string

// Quantities reported by both channels.
const (
	QuantityBattery     Quantity = "battery"
	QuantityCharging    Quantity = "charging"
	QuantityVolume      Quantity = "volume"
	QuantityTemperature Quantity = "temperature"
)

// authoritative maps each overlapping quantity to the field consumers
// should prefer. Push fields win where both exist: they arrive sooner and
// the poll channel rescales some of them.
var authoritative = map[Quantity]struct {
	Group Group
	Field Field
}{
	QuantityBattery:     {GroupStatus, StatusBattery},
	QuantityCharging:    {GroupStatus, StatusCharging},
	QuantityVolume:      {GroupPlayback, PlaybackVolume},
	QuantityTemperature: {GroupStatus, StatusTemp},
}

// Authoritative returns the group and field that own quantity q.
func Authoritative(q Quantity) (Group, Field, bool) {
	a, ok := authoritative[q]
	return a.Group, a.Field, ok
}
