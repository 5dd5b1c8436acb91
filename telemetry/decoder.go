package telemetry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Topic layout.
const (
	SensorTopicPrefix = "sensors"
	StatusTopic       = "status/running"

	// SensorTopicWildcard subscribes to every sensor topic.
	SensorTopicWildcard = SensorTopicPrefix + "/#"
)

// Payload field names sent by the firmware.
const (
	FieldMcuID      = "MCU_id"
	FieldMcuMAC     = "MCU_mac"
	FieldEpoch      = "epoch_s"
	FieldSensorType = "sensor_type"
	FieldSensorID   = "sensor_id"
	FieldTempC      = "temp_c"
	FieldIPAddress  = "ip_address"
)

// Sensor topic grammars.
const (
	// GrammarAny accepts both 3- and 4-segment sensor topics.
	GrammarAny = "any"
	// GrammarTyped accepts only sensors/<sensorType>/<mcuId>/<sensorId>.
	GrammarTyped = "typed"
	// GrammarUntyped accepts only sensors/<mcuId>/<sensorId>.
	GrammarUntyped = "untyped"
)

var reservedSensorFields = map[string]struct{}{
	FieldMcuID:      {},
	FieldMcuMAC:     {},
	FieldEpoch:      {},
	FieldSensorType: {},
	FieldSensorID:   {},
	FieldTempC:      {},
}

var reservedStatusFields = map[string]struct{}{
	FieldMcuID:     {},
	FieldMcuMAC:    {},
	FieldEpoch:     {},
	FieldIPAddress: {},
}

// SensorTopic holds the segments of a sensor topic. SensorType is empty
// for the 3-segment form.
type SensorTopic struct {
	SensorType string
	McuID      string
	SensorID   string
}

// ParseSensorTopic splits topic into its segments. It accepts
// sensors/<sensorType>/<mcuId>/<sensorId> and sensors/<mcuId>/<sensorId>.
func ParseSensorTopic(topic string) (SensorTopic, error) {
	parts := strings.Split(topic, "/")
	if parts[0] != SensorTopicPrefix {
		return SensorTopic{}, fmt.Errorf("%w: %s does not start with %s", ErrInvalidTopic, topic, SensorTopicPrefix)
	}
	for _, p := range parts {
		if p == "" {
			return SensorTopic{}, fmt.Errorf("%w: empty segment in %s", ErrInvalidTopic, topic)
		}
	}

	switch len(parts) {
	case 4:
		return SensorTopic{SensorType: parts[1], McuID: parts[2], SensorID: parts[3]}, nil
	case 3:
		return SensorTopic{McuID: parts[1], SensorID: parts[2]}, nil
	default:
		return SensorTopic{}, fmt.Errorf("%w: %s has %d segments", ErrInvalidTopic, topic, len(parts))
	}
}

// ParseStatusTopic checks that topic is exactly the status topic.
func ParseStatusTopic(topic string) error {
	if topic != StatusTopic {
		return fmt.Errorf("%w: %s is not %s", ErrInvalidTopic, topic, StatusTopic)
	}
	return nil
}

// IsSensorTopic reports whether topic is in the sensor namespace. It does
// not validate the segments.
func IsSensorTopic(topic string) bool {
	return strings.HasPrefix(topic, SensorTopicPrefix+"/")
}

// Decoder decodes payloads under one sensor topic grammar. The zero value
// accepts both grammars.
type Decoder struct {
	Grammar string
}

// ParseSensorTopic parses topic and enforces the decoder's grammar.
func (d Decoder) ParseSensorTopic(topic string) (SensorTopic, error) {
	parsed, err := ParseSensorTopic(topic)
	if err != nil {
		return SensorTopic{}, err
	}

	switch d.Grammar {
	case GrammarTyped:
		if parsed.SensorType == "" {
			return SensorTopic{}, fmt.Errorf("%w: %s lacks a sensor type segment", ErrInvalidTopic, topic)
		}
	case GrammarUntyped:
		if parsed.SensorType != "" {
			return SensorTopic{}, fmt.Errorf("%w: %s has a sensor type segment", ErrInvalidTopic, topic)
		}
	}
	return parsed, nil
}

// DecodeSensorPayload decodes a sensor reading under either topic grammar.
func DecodeSensorPayload(payload Object, topic string) (SensorReading, error) {
	return Decoder{}.DecodeSensorPayload(payload, topic)
}

// DecodeSensorPayload maps a sensor payload to a SensorReading.
//
// Numeric fields other than the reserved ones become metrics, all other
// non-reserved fields become extras, in payload order. The payload's
// sensor_type wins over the topic's type segment.
func (d Decoder) DecodeSensorPayload(payload Object, topic string) (SensorReading, error) {
	parts, err := d.ParseSensorTopic(topic)
	if err != nil {
		return SensorReading{}, err
	}

	mcuID, err := requireString(payload, FieldMcuID)
	if err != nil {
		return SensorReading{}, err
	}
	ts, err := requireEpoch(payload)
	if err != nil {
		return SensorReading{}, err
	}

	sensorType := parts.SensorType
	if v, ok := payload.Get(FieldSensorType); ok {
		if s, ok := v.Str(); ok && s != "" {
			sensorType = s
		}
	}
	if sensorType == "" {
		return SensorReading{}, fmt.Errorf("%w: sensor type missing from payload and topic %s", ErrInvalidPayload, topic)
	}

	reading := SensorReading{
		McuID:      mcuID,
		McuMAC:     optionalString(payload, FieldMcuMAC),
		SensorType: sensorType,
		SensorID:   parts.SensorID,
		Timestamp:  ts,
		Metrics:    Metrics{},
		Extras:     Object{},
		Raw:        payload,
	}

	if v, ok := payload.Get(FieldTempC); ok {
		if f, ok := v.Float(); ok {
			reading.TempC = &f
		}
	}

	for _, f := range payload {
		if _, reserved := reservedSensorFields[f.Name]; reserved {
			continue
		}
		if n, ok := f.Value.Float(); ok {
			reading.Metrics = append(reading.Metrics, Metric{Name: f.Name, Value: n})
			continue
		}
		reading.Extras = append(reading.Extras, f)
	}

	return reading, nil
}

// DecodeChipStatusPayload maps a status payload to a ChipStatus. Fields
// other than the identifiers, timestamp and IP address become details.
func DecodeChipStatusPayload(payload Object, topic string) (ChipStatus, error) {
	if err := ParseStatusTopic(topic); err != nil {
		return ChipStatus{}, err
	}

	mcuID, err := requireString(payload, FieldMcuID)
	if err != nil {
		return ChipStatus{}, err
	}
	ts, err := requireEpoch(payload)
	if err != nil {
		return ChipStatus{}, err
	}
	ip, err := requireString(payload, FieldIPAddress)
	if err != nil {
		return ChipStatus{}, err
	}

	details := Object{}
	for _, f := range payload {
		if _, reserved := reservedStatusFields[f.Name]; reserved {
			continue
		}
		details = append(details, f)
	}

	return ChipStatus{
		McuID:     mcuID,
		McuMAC:    optionalString(payload, FieldMcuMAC),
		Timestamp: ts,
		IPAddress: ip,
		Details:   details,
	}, nil
}

func requireString(payload Object, name string) (string, error) {
	v, ok := payload.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidPayload, name)
	}
	s, ok := v.Str()
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidPayload, name)
	}
	return s, nil
}

func optionalString(payload Object, name string) string {
	v, ok := payload.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.Str()
	return s
}

func requireEpoch(payload Object) (time.Time, error) {
	v, ok := payload.Get(FieldEpoch)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing %s", ErrInvalidPayload, FieldEpoch)
	}
	seconds, ok := v.Float()
	if !ok || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return time.Time{}, fmt.Errorf("%w: %s must be a finite number", ErrInvalidPayload, FieldEpoch)
	}
	return EpochSecondsToTime(seconds), nil
}

// EpochSecondsToTime converts device epoch seconds to a UTC time with
// millisecond precision.
func EpochSecondsToTime(seconds float64) time.Time {
	return time.UnixMilli(int64(math.Round(seconds * 1000))).UTC()
}
