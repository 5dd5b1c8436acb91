package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) Object {
	t.Helper()
	obj, err := ParseObject([]byte(s))
	if err != nil {
		t.Fatalf("ParseObject(%s) error = %v", s, err)
	}
	return obj
}

func TestParseSensorTopic(t *testing.T) {
	tests := []struct {
		topic   string
		want    SensorTopic
		wantErr bool
	}{
		{"sensors/temp/MCU123/sensorA", SensorTopic{SensorType: "temp", McuID: "MCU123", SensorID: "sensorA"}, false},
		{"sensors/test3/dht22", SensorTopic{McuID: "test3", SensorID: "dht22"}, false},
		{"sensors/a", SensorTopic{}, true},
		{"sensors/a/b/c/d", SensorTopic{}, true},
		{"sensors//b", SensorTopic{}, true},
		{"sensors/a/b/", SensorTopic{}, true},
		{"sensor/a/b", SensorTopic{}, true},
		{"status/running", SensorTopic{}, true},
		{"", SensorTopic{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := ParseSensorTopic(tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTopic) {
					t.Errorf("error = %v, want ErrInvalidTopic", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecoderGrammar(t *testing.T) {
	typed := "sensors/temp/MCU1/s1"
	untyped := "sensors/MCU1/s1"

	tests := []struct {
		grammar   string
		topic     string
		wantError bool
	}{
		{GrammarAny, typed, false},
		{GrammarAny, untyped, false},
		{GrammarTyped, typed, false},
		{GrammarTyped, untyped, true},
		{GrammarUntyped, untyped, false},
		{GrammarUntyped, typed, true},
	}

	for _, tt := range tests {
		t.Run(tt.grammar+"/"+tt.topic, func(t *testing.T) {
			_, err := Decoder{Grammar: tt.grammar}.ParseSensorTopic(tt.topic)
			if (err != nil) != tt.wantError {
				t.Errorf("error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestDecodeSensorPayloadCanonicalExample(t *testing.T) {
	payload := mustParse(t, `{"MCU_id":"test3","sensor_type":"dht22","epoch_s":1771170020,"temp_c":27.6,"humidity":26.7}`)

	reading, err := DecodeSensorPayload(payload, "sensors/test3/dht22")
	if err != nil {
		t.Fatalf("DecodeSensorPayload() error = %v", err)
	}

	if reading.McuID != "test3" || reading.SensorID != "dht22" || reading.SensorType != "dht22" {
		t.Errorf("identity = %s/%s/%s", reading.McuID, reading.SensorID, reading.SensorType)
	}
	if reading.TempC == nil || *reading.TempC != 27.6 {
		t.Errorf("TempC = %v, want 27.6", reading.TempC)
	}
	if len(reading.Metrics) != 1 {
		t.Fatalf("Metrics = %+v, want only humidity", reading.Metrics)
	}
	if v, ok := reading.Metrics.Get("humidity"); !ok || v != 26.7 {
		t.Errorf("humidity = %v, %v", v, ok)
	}
	if reading.Extras.Len() != 0 {
		t.Errorf("Extras = %+v, want empty", reading.Extras)
	}
	if want := time.Unix(1771170020, 0).UTC(); !reading.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", reading.Timestamp, want)
	}
	if reading.Key() != (SensorKey{McuID: "test3", SensorID: "dht22"}) {
		t.Errorf("Key() = %v", reading.Key())
	}
	if reading.Raw.Len() != payload.Len() {
		t.Errorf("Raw has %d fields, want %d", reading.Raw.Len(), payload.Len())
	}
}

func TestDecodeSensorPayloadTypeFromTopic(t *testing.T) {
	payload := mustParse(t, `{"MCU_id":"MCU123","epoch_s":1700000000,"temp_c":21.5,"humidity":45.2}`)

	reading, err := DecodeSensorPayload(payload, "sensors/temp/MCU123/sensorA")
	if err != nil {
		t.Fatalf("DecodeSensorPayload() error = %v", err)
	}
	if reading.SensorType != "temp" || reading.SensorID != "sensorA" {
		t.Errorf("got type %q id %q", reading.SensorType, reading.SensorID)
	}
}

func TestDecodeSensorPayloadTypeFromPayloadWins(t *testing.T) {
	payload := mustParse(t, `{"MCU_id":"m","epoch_s":1,"sensor_type":"bme280"}`)

	reading, err := DecodeSensorPayload(payload, "sensors/temp/m/s")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if reading.SensorType != "bme280" {
		t.Errorf("SensorType = %q, want bme280", reading.SensorType)
	}
}

func TestDecodeSensorPayloadPartition(t *testing.T) {
	payload := mustParse(t, `{"MCU_mac":"e0:e2:e6:9d:0f:04","MCU_id":"m1","sensor_type":"dht22","sensor_id":"x","epoch_s":1771170020,`+
		`"temp_c":20,"pressure":1013.2,"unit":"hPa","calibrated":true,"error":null,"humidity":40,"nested":{"a":1}}`)

	reading, err := DecodeSensorPayload(payload, "sensors/m1/s1")
	if err != nil {
		t.Fatalf("error = %v", err)
	}

	metricNames := []string{}
	for _, m := range reading.Metrics {
		metricNames = append(metricNames, m.Name)
	}
	if got, want := metricNames, []string{"pressure", "humidity"}; !equalStrings(got, want) {
		t.Errorf("metrics = %v, want %v", got, want)
	}

	extraNames := []string{}
	for _, f := range reading.Extras {
		extraNames = append(extraNames, f.Name)
		if _, ok := reading.Metrics.Get(f.Name); ok {
			t.Errorf("%s appears in both metrics and extras", f.Name)
		}
	}
	if got, want := extraNames, []string{"unit", "calibrated", "error", "nested"}; !equalStrings(got, want) {
		t.Errorf("extras = %v, want %v", got, want)
	}

	if reading.McuMAC != "e0:e2:e6:9d:0f:04" {
		t.Errorf("McuMAC = %q", reading.McuMAC)
	}
	if reading.SensorID != "s1" {
		t.Errorf("SensorID = %q, want topic value s1", reading.SensorID)
	}
}

func TestDecodeSensorPayloadRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		topic   string
		wantErr error
	}{
		{"bad topic", `{"MCU_id":"m","epoch_s":1,"sensor_type":"t"}`, "foo/bar", ErrInvalidTopic},
		{"missing id", `{"epoch_s":1,"sensor_type":"t"}`, "sensors/m/s", ErrInvalidPayload},
		{"empty id", `{"MCU_id":"","epoch_s":1,"sensor_type":"t"}`, "sensors/m/s", ErrInvalidPayload},
		{"numeric id", `{"MCU_id":7,"epoch_s":1,"sensor_type":"t"}`, "sensors/m/s", ErrInvalidPayload},
		{"missing epoch", `{"MCU_id":"m","sensor_type":"t"}`, "sensors/m/s", ErrInvalidPayload},
		{"string epoch", `{"MCU_id":"m","epoch_s":"1","sensor_type":"t"}`, "sensors/m/s", ErrInvalidPayload},
		{"overflow epoch", `{"MCU_id":"m","epoch_s":1e400,"sensor_type":"t"}`, "sensors/m/s", ErrInvalidPayload},
		{"no type anywhere", `{"MCU_id":"m","epoch_s":1}`, "sensors/m/s", ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSensorPayload(mustParse(t, tt.payload), tt.topic)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeSensorPayloadFractionalEpoch(t *testing.T) {
	reading, err := DecodeSensorPayload(mustParse(t, `{"MCU_id":"m","epoch_s":1700000000.25,"sensor_type":"t"}`), "sensors/m/s")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if got := reading.Timestamp.UnixMilli(); got != 1700000000250 {
		t.Errorf("UnixMilli = %d", got)
	}
}

func TestDecodeChipStatusPayload(t *testing.T) {
	payload := mustParse(t, `{"MCU_mac":"e8:9f:6d:1f:b2:10","MCU_id":"MCU999","epoch_s":1700000001,"ip_address":"192.168.0.10","firmware":"1.0.0","rssi":-60}`)

	status, err := DecodeChipStatusPayload(payload, StatusTopic)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if status.McuID != "MCU999" || status.IPAddress != "192.168.0.10" || status.McuMAC != "e8:9f:6d:1f:b2:10" {
		t.Errorf("status = %+v", status)
	}
	if status.Details.Len() != 2 || status.Details[0].Name != "firmware" || status.Details[1].Name != "rssi" {
		t.Errorf("Details = %+v", status.Details)
	}
}

func TestDecodeChipStatusPayloadMACDefaultsEmpty(t *testing.T) {
	status, err := DecodeChipStatusPayload(mustParse(t, `{"MCU_id":"m","epoch_s":1,"ip_address":"10.0.0.1"}`), StatusTopic)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if status.McuMAC != "" {
		t.Errorf("McuMAC = %q, want empty", status.McuMAC)
	}
	if status.Details.Len() != 0 {
		t.Errorf("Details = %+v, want empty", status.Details)
	}
}

func TestDecodeChipStatusPayloadRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		topic   string
		wantErr error
	}{
		{"wrong topic", `{"MCU_id":"m","epoch_s":1,"ip_address":"1.2.3.4"}`, "status/#", ErrInvalidTopic},
		{"topic prefix", `{"MCU_id":"m","epoch_s":1,"ip_address":"1.2.3.4"}`, "status/running/x", ErrInvalidTopic},
		{"missing ip", `{"MCU_id":"m","epoch_s":1}`, StatusTopic, ErrInvalidPayload},
		{"empty ip", `{"MCU_id":"m","epoch_s":1,"ip_address":""}`, StatusTopic, ErrInvalidPayload},
		{"missing epoch", `{"MCU_id":"m","ip_address":"1.2.3.4"}`, StatusTopic, ErrInvalidPayload},
		{"missing id", `{"epoch_s":1,"ip_address":"1.2.3.4"}`, StatusTopic, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChipStatusPayload(mustParse(t, tt.payload), tt.topic)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSensorReadingJSON(t *testing.T) {
	reading, err := DecodeSensorPayload(mustParse(t, `{"MCU_id":"m","epoch_s":1,"sensor_type":"t","b":2,"a":1,"note":"hi"}`), "sensors/m/s")
	if err != nil {
		t.Fatal(err)
	}

	out, err := json.Marshal(reading)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["mcuId"] != "m" || decoded["sensorId"] != "s" {
		t.Errorf("decoded = %v", decoded)
	}
	if _, ok := decoded["tempC"]; ok {
		t.Error("tempC present although payload had none")
	}
	metrics := decoded["metrics"].(map[string]any)
	if metrics["b"] != 2.0 || metrics["a"] != 1.0 {
		t.Errorf("metrics = %v", metrics)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
