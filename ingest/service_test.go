package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/eddielth/envnode-ingest/mqtt"
	"github.com/eddielth/envnode-ingest/telemetry"
)

type fakeBroker struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
	subscribes  []string
	handlers    []mqtt.HandlerID
	byID        map[mqtt.HandlerID]mqtt.MessageHandler
	lastID      mqtt.HandlerID
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{byID: make(map[mqtt.HandlerID]mqtt.MessageHandler)}
}

func (b *fakeBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	return b.connectErr
}

func (b *fakeBroker) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects++
	return nil
}

func (b *fakeBroker) Subscribe(topic string, handler mqtt.MessageHandler) mqtt.HandlerID {
	var id mqtt.HandlerID
	if handler != nil {
		id = b.AddMessageHandler(handler)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes = append(b.subscribes, topic)
	return id
}

func (b *fakeBroker) AddMessageHandler(handler mqtt.MessageHandler) mqtt.HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	b.byID[b.lastID] = handler
	b.handlers = append(b.handlers, b.lastID)
	return b.lastID
}

func (b *fakeBroker) RemoveMessageHandler(id mqtt.HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byID, id)
	for i, h := range b.handlers {
		if h == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			break
		}
	}
}

func (b *fakeBroker) handlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func (b *fakeBroker) deliver(topic, payload string) {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for _, id := range b.handlers {
		handlers = append(handlers, b.byID[id])
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, []byte(payload))
	}
}

type recordingSink struct {
	mu       sync.Mutex
	readings []telemetry.SensorReading
	statuses []telemetry.ChipStatus
	err      error
	panics   bool
}

func (r *recordingSink) SaveSensorReading(_ context.Context, reading telemetry.SensorReading) error {
	if r.panics {
		panic("sink exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
	return r.err
}

func (r *recordingSink) SaveChipStatus(_ context.Context, status telemetry.ChipStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return r.err
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings), len(r.statuses)
}

func startService(t *testing.T, sink *recordingSink, opts ...Option) (*Service, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	svc := NewService(broker, sink, opts...)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return svc, broker
}

func drain(t *testing.T, svc *Service) {
	t.Helper()
	if err := svc.forwarder.Load().Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

const dht22Payload = `{"MCU_id":"test3","sensor_type":"dht22","epoch_s":1771170020,"temp_c":27.6,"humidity":26.7}`

func TestStartIsIdempotent(t *testing.T) {
	svc, broker := startService(t, &recordingSink{})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	if broker.connects != 1 {
		t.Errorf("connects = %d, want 1", broker.connects)
	}
	want := []string{telemetry.SensorTopicWildcard, telemetry.StatusTopic}
	if len(broker.subscribes) != len(want) || broker.subscribes[0] != want[0] || broker.subscribes[1] != want[1] {
		t.Errorf("subscribes = %v, want %v", broker.subscribes, want)
	}
	if broker.handlerCount() != 1 {
		t.Errorf("handlers = %d, want 1", broker.handlerCount())
	}
}

func TestStartConnectFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.connectErr = mqtt.ErrConnection
	svc := NewService(broker, nil)

	err := svc.Start(context.Background())
	if !errors.Is(err, mqtt.ErrConnection) {
		t.Fatalf("Start() error = %v, want ErrConnection", err)
	}
	if svc.Started() {
		t.Error("service marked started after connect failure")
	}
	if broker.handlerCount() != 0 {
		t.Error("handler left registered after failed start")
	}
}

func TestIngestSensorReading(t *testing.T) {
	sink := &recordingSink{}
	svc, broker := startService(t, sink)

	broker.deliver("sensors/test3/dht22", dht22Payload)
	drain(t, svc)

	readings := svc.LatestSensorReadings()
	if len(readings) != 1 {
		t.Fatalf("cached readings = %d, want 1", len(readings))
	}
	r := readings[0]
	if r.McuID != "test3" || r.SensorID != "dht22" || r.SensorType != "dht22" {
		t.Errorf("reading identity = %+v", r.Key())
	}
	if r.TempC == nil || *r.TempC != 27.6 {
		t.Errorf("TempC = %v, want 27.6", r.TempC)
	}
	if h, ok := r.Metrics.Get("humidity"); !ok || h != 26.7 || len(r.Metrics) != 1 {
		t.Errorf("Metrics = %v, want {humidity:26.7}", r.Metrics)
	}

	if n, _ := sink.counts(); n != 1 {
		t.Errorf("sink readings = %d, want 1", n)
	}
}

func TestLatestReadingWins(t *testing.T) {
	svc, broker := startService(t, &recordingSink{})

	broker.deliver("sensors/m1/s1", `{"MCU_id":"m1","sensor_type":"t","epoch_s":1,"v":1}`)
	broker.deliver("sensors/m1/s1", `{"MCU_id":"m1","sensor_type":"t","epoch_s":2,"v":2}`)
	broker.deliver("sensors/m1/s2", `{"MCU_id":"m1","sensor_type":"t","epoch_s":3,"v":3}`)

	readings := svc.LatestSensorReadings()
	if len(readings) != 2 {
		t.Fatalf("cached readings = %d, want 2", len(readings))
	}
	if v, _ := readings[0].Metrics.Get("v"); v != 2 {
		t.Errorf("s1 value = %v, want latest (2)", v)
	}
	if readings[1].SensorID != "s2" {
		t.Errorf("second entry = %s, want s2", readings[1].SensorID)
	}
}

func TestIngestChipStatus(t *testing.T) {
	sink := &recordingSink{}
	svc, broker := startService(t, sink)

	broker.deliver(telemetry.StatusTopic, `{"MCU_id":"m1","epoch_s":10,"ip_address":"10.0.0.2"}`)
	broker.deliver(telemetry.StatusTopic, `{"MCU_id":"m1","epoch_s":20,"ip_address":"10.0.0.3","uptime":99}`)
	drain(t, svc)

	statuses := svc.LatestChipStatuses()
	if len(statuses) != 1 || statuses[0].IPAddress != "10.0.0.3" {
		t.Fatalf("statuses = %+v, want one with latest IP", statuses)
	}
	if _, n := sink.counts(); n != 2 {
		t.Errorf("sink statuses = %d, want 2", n)
	}
}

func TestDropsBadMessages(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"malformed json", "sensors/m1/s1", `{"MCU_id":`},
		{"unknown topic", "foo/bar", dht22Payload},
		{"bad sensor topic", "sensors/m1", dht22Payload},
		{"missing epoch", "sensors/m1/s1", `{"MCU_id":"m1","sensor_type":"t"}`},
		{"status without ip", telemetry.StatusTopic, `{"MCU_id":"m1","epoch_s":1}`},
		{"not an object", telemetry.StatusTopic, `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			svc, broker := startService(t, sink)

			broker.deliver(tt.topic, tt.payload)
			drain(t, svc)

			if r, s := svc.cache.Len(); r != 0 || s != 0 {
				t.Errorf("cache mutated: %d readings, %d statuses", r, s)
			}
			if r, s := sink.counts(); r != 0 || s != 0 {
				t.Errorf("sink called: %d readings, %d statuses", r, s)
			}
		})
	}
}

func TestSinkFailureDoesNotAffectCache(t *testing.T) {
	for _, sink := range []*recordingSink{{err: errors.New("db down")}, {panics: true}} {
		svc, broker := startService(t, sink)

		broker.deliver("sensors/test3/dht22", dht22Payload)
		broker.deliver("sensors/test3/other", dht22Payload)
		drain(t, svc)

		if got := len(svc.LatestSensorReadings()); got != 2 {
			t.Errorf("cached readings = %d, want 2", got)
		}
	}
}

func TestStopKeepsCache(t *testing.T) {
	sink := &recordingSink{}
	svc, broker := startService(t, sink)
	broker.deliver("sensors/test3/dht22", dht22Payload)

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if broker.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", broker.disconnects)
	}
	if broker.handlerCount() != 0 {
		t.Error("handler still registered after Stop")
	}
	if len(svc.LatestSensorReadings()) != 1 {
		t.Error("cache cleared by Stop")
	}

	// restart performs a new connect and persists again
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if broker.connects != 2 {
		t.Errorf("connects after restart = %d, want 2", broker.connects)
	}
	broker.deliver("sensors/test3/other", dht22Payload)
	drain(t, svc)
	if n, _ := sink.counts(); n != 2 {
		t.Errorf("sink readings after restart = %d, want 2", n)
	}
}

func TestStopWhileMessagesInFlight(t *testing.T) {
	for i := 0; i < 100; i++ {
		sink := &recordingSink{}
		svc, broker := startService(t, sink)

		// hold on to the handler the way a dispatch in progress does
		broker.mu.Lock()
		handler := broker.byID[broker.handlers[0]]
		broker.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				handler("sensors/test3/dht22", []byte(dht22Payload))
			}
		}()

		if err := svc.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		before, _ := sink.counts()
		wg.Wait()
		if after, _ := sink.counts(); after != before {
			t.Fatalf("iteration %d: %d writes landed after Stop returned", i, after-before)
		}
	}
}

type upperTransformer struct{ err error }

func (u upperTransformer) TransformReading(r telemetry.SensorReading) (telemetry.SensorReading, error) {
	if u.err != nil {
		return r, u.err
	}
	out := make(telemetry.Metrics, len(r.Metrics))
	for i, m := range r.Metrics {
		out[i] = telemetry.Metric{Name: m.Name, Value: m.Value * 10}
	}
	r.Metrics = out
	return r, nil
}

type rejectAll struct{}

func (rejectAll) ValidateReading(telemetry.SensorReading) error {
	return telemetry.ErrInvalidPayload
}

func TestTransformerAndValidator(t *testing.T) {
	svc, broker := startService(t, &recordingSink{}, WithTransformer(upperTransformer{}))
	broker.deliver("sensors/test3/dht22", dht22Payload)
	if h, _ := svc.LatestSensorReadings()[0].Metrics.Get("humidity"); h != 267 {
		t.Errorf("humidity = %v, want transformed 267", h)
	}

	svc, broker = startService(t, &recordingSink{}, WithTransformer(upperTransformer{err: errors.New("script error")}))
	broker.deliver("sensors/test3/dht22", dht22Payload)
	if h, _ := svc.LatestSensorReadings()[0].Metrics.Get("humidity"); h != 26.7 {
		t.Errorf("humidity = %v, want original 26.7 after transform failure", h)
	}

	svc, broker = startService(t, &recordingSink{}, WithValidator(rejectAll{}))
	broker.deliver("sensors/test3/dht22", dht22Payload)
	if len(svc.LatestSensorReadings()) != 0 {
		t.Error("rejected reading was cached")
	}
}

func TestTypedGrammarDecoder(t *testing.T) {
	svc, broker := startService(t, &recordingSink{}, WithDecoder(telemetry.Decoder{Grammar: telemetry.GrammarTyped}))

	broker.deliver("sensors/test3/dht22", dht22Payload)
	broker.deliver("sensors/dht22/test3/s9", dht22Payload)

	readings := svc.LatestSensorReadings()
	if len(readings) != 1 || readings[0].SensorID != "s9" {
		t.Errorf("readings = %+v, want only the 4-segment topic", readings)
	}
}
