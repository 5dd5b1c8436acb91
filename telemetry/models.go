package telemetry

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"
	"time"
)

// SensorReading is one decoded measurement from a sensor on a
// microcontroller. (McuID, SensorID) identifies the stream.
type SensorReading struct {
	McuID      string    `json:"mcuId"`
	McuMAC     string    `json:"mcuMac"`
	SensorType string    `json:"sensorType"`
	SensorID   string    `json:"sensorId"`
	Timestamp  time.Time `json:"timestamp"`
	TempC      *float64  `json:"tempC,omitempty"`
	Metrics    Metrics   `json:"metrics"`
	Extras     Object    `json:"extras"`
	Raw        Object    `json:"raw"`
}

// Key returns the cache key of the reading's stream.
func (r SensorReading) Key() SensorKey {
	return SensorKey{McuID: r.McuID, SensorID: r.SensorID}
}

// Clone returns a copy of r that shares no memory with it.
func (r SensorReading) Clone() SensorReading {
	if r.TempC != nil {
		tempC := *r.TempC
		r.TempC = &tempC
	}
	r.Metrics = slices.Clone(r.Metrics)
	r.Extras = r.Extras.Clone()
	r.Raw = r.Raw.Clone()
	return r
}

// SensorKey identifies a logical sensor stream.
type SensorKey struct {
	McuID    string
	SensorID string
}

func (k SensorKey) String() string {
	return k.McuID + ":" + k.SensorID
}

// ChipStatus is a heartbeat from a microcontroller.
type ChipStatus struct {
	McuID     string    `json:"mcuId"`
	McuMAC    string    `json:"mcuMac"`
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ipAddress"`
	Details   Object    `json:"details"`
}

// Clone returns a copy of s that shares no memory with it.
func (s ChipStatus) Clone() ChipStatus {
	s.Details = s.Details.Clone()
	return s
}

// Metric is a named numeric measurement.
type Metric struct {
	Name  string
	Value float64
}

// Metrics keeps numeric fields in payload order.
type Metrics []Metric

// Get returns the named metric.
func (m Metrics) Get(name string) (float64, bool) {
	for _, metric := range m {
		if metric.Name == name {
			return metric.Value, true
		}
	}
	return 0, false
}

// Map converts m to a plain map.
func (m Metrics) Map() map[string]float64 {
	out := make(map[string]float64, len(m))
	for _, metric := range m {
		out[metric.Name] = metric.Value
	}
	return out
}

// MarshalJSON writes the metrics as an ordered JSON object.
func (m Metrics) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, metric := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(metric.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(metric.Value, 'g', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of numbers, keeping order.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var obj Object
	if err := obj.UnmarshalJSON(data); err != nil {
		return err
	}
	out := make(Metrics, 0, len(obj))
	for _, f := range obj {
		if v, ok := f.Value.Float(); ok {
			out = append(out, Metric{Name: f.Name, Value: v})
		}
	}
	*m = out
	return nil
}
