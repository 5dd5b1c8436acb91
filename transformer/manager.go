// Package transformer runs per sensor type JavaScript transforms over the
// metrics of decoded readings.
//
// A script defines
//
//	function transform(metrics, reading) { ... return metrics; }
//
// where metrics is an object of numeric fields and reading carries mcuId,
// sensorId, sensorType and tempC. The returned object replaces the
// reading's metrics; non-numeric properties are dropped.
package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/telemetry"
)

// DefaultTimeout bounds one transform call.
const DefaultTimeout = 100 * time.Millisecond

var errTimeout = errors.New("transform timed out")

// Manager holds one Transformer per sensor type.
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
	timeout      time.Duration
}

// Transformer is a compiled script. A goja runtime is single threaded, so
// calls are serialized.
type Transformer struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewManager compiles a transformer for every configured sensor type.
func NewManager(configs map[string]config.Transformer) (*Manager, error) {
	transformers, err := compileAll(configs)
	if err != nil {
		return nil, err
	}
	return &Manager{transformers: transformers, timeout: DefaultTimeout}, nil
}

func compileAll(configs map[string]config.Transformer) (map[string]*Transformer, error) {
	transformers := make(map[string]*Transformer, len(configs))
	for sensorType, cfg := range configs {
		transformer, err := load(sensorType, cfg)
		if err != nil {
			return nil, err
		}
		transformers[sensorType] = transformer
		logger.Info().Str("sensor_type", sensorType).Msg("transformer loaded")
	}
	return transformers, nil
}

func load(sensorType string, cfg config.Transformer) (*Transformer, error) {
	scriptCode := cfg.ScriptCode
	if scriptCode == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("%w: no script code or script path for sensor type %s", config.ErrConfiguration, sensorType)
		}
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("load script file %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	}

	transformer, err := newTransformer(scriptCode, cfg.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("create transformer for sensor type %s: %w", sensorType, err)
	}
	return transformer, nil
}

func newTransformer(scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info().Str("script", scriptPath).Msg("[JS] " + msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn().Err(err).Msg("parseJSON failed")
			return nil
		}
		return data
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	_ = vm.Set("validateRange", func(value, min, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}

	transform, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, errors.New("script does not define a 'transform' function")
	}

	return &Transformer{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

func convertTemperature(value float64, fromUnit, toUnit string) float64 {
	var celsius float64
	switch strings.ToUpper(fromUnit) {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value
	}

	switch strings.ToUpper(toUnit) {
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}

// Has reports whether a transformer is loaded for sensorType.
func (m *Manager) Has(sensorType string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.transformers[sensorType]
	return ok
}

// TransformReading applies the transformer for reading.SensorType. A
// reading without a transformer is returned unchanged.
func (m *Manager) TransformReading(reading telemetry.SensorReading) (telemetry.SensorReading, error) {
	m.mutex.RLock()
	transformer, ok := m.transformers[reading.SensorType]
	timeout := m.timeout
	m.mutex.RUnlock()

	if !ok {
		return reading, nil
	}

	metrics, err := transformer.run(reading, timeout)
	if err != nil {
		return reading, fmt.Errorf("transform %s reading from %s: %w", reading.SensorType, reading.Key(), err)
	}

	reading.Metrics = metrics
	return reading, nil
}

func (t *Transformer) run(reading telemetry.SensorReading, timeout time.Duration) (telemetry.Metrics, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	input := t.vm.NewObject()
	for _, metric := range reading.Metrics {
		_ = input.Set(metric.Name, metric.Value)
	}

	info := map[string]interface{}{
		"mcuId":      reading.McuID,
		"sensorId":   reading.SensorID,
		"sensorType": reading.SensorType,
		"tempC":      nil,
	}
	if reading.TempC != nil {
		info["tempC"] = *reading.TempC
	}

	timer := time.AfterFunc(timeout, func() { t.vm.Interrupt(errTimeout) })
	result, err := t.transform(goja.Undefined(), input, t.vm.ToValue(info))
	timer.Stop()
	t.vm.ClearInterrupt()
	if err != nil {
		return nil, err
	}

	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, errors.New("transform returned no value")
	}
	obj, ok := result.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("transform returned %s, want an object", result.ExportType())
	}

	metrics := telemetry.Metrics{}
	for _, key := range obj.Keys() {
		value, ok := toFloat(obj.Get(key).Export())
		if !ok {
			logger.Debug().Str("metric", key).Msg("dropping non-numeric transform result")
			continue
		}
		metrics = append(metrics, telemetry.Metric{Name: key, Value: value})
	}
	return metrics, nil
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ReloadTransformer recompiles the transformer for one sensor type.
func (m *Manager) ReloadTransformer(sensorType string, cfg config.Transformer) error {
	transformer, err := load(sensorType, cfg)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.transformers[sensorType] = transformer
	m.mutex.Unlock()

	logger.Info().Str("sensor_type", sensorType).Msg("transformer reloaded")
	return nil
}

// Reload replaces every transformer. On error the current set is kept.
func (m *Manager) Reload(configs map[string]config.Transformer) error {
	transformers, err := compileAll(configs)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.transformers = transformers
	m.mutex.Unlock()
	return nil
}
