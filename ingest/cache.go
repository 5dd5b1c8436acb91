package ingest

import (
	"sync"

	"github.com/eddielth/envnode-ingest/telemetry"
)

// Cache keeps the latest reading per (mcuId, sensorId) and the latest
// status per mcuId. Snapshots are ordered by when a key was first seen.
type Cache struct {
	mu           sync.RWMutex
	readings     map[telemetry.SensorKey]telemetry.SensorReading
	readingOrder []telemetry.SensorKey
	statuses     map[string]telemetry.ChipStatus
	statusOrder  []string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		readings: make(map[telemetry.SensorKey]telemetry.SensorReading),
		statuses: make(map[string]telemetry.ChipStatus),
	}
}

// PutSensorReading stores reading, replacing any earlier one for its key.
func (c *Cache) PutSensorReading(reading telemetry.SensorReading) {
	key := reading.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.readings[key]; !ok {
		c.readingOrder = append(c.readingOrder, key)
	}
	c.readings[key] = reading
}

// PutChipStatus stores status, replacing any earlier one for its MCU.
func (c *Cache) PutChipStatus(status telemetry.ChipStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.statuses[status.McuID]; !ok {
		c.statusOrder = append(c.statusOrder, status.McuID)
	}
	c.statuses[status.McuID] = status
}

// SensorReading returns the cached reading for key.
func (c *Cache) SensorReading(key telemetry.SensorKey) (telemetry.SensorReading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.readings[key]
	return r.Clone(), ok
}

// SensorReadings returns a deep copy of every cached reading.
func (c *Cache) SensorReadings() []telemetry.SensorReading {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]telemetry.SensorReading, 0, len(c.readingOrder))
	for _, key := range c.readingOrder {
		out = append(out, c.readings[key].Clone())
	}
	return out
}

// ChipStatuses returns a deep copy of every cached status.
func (c *Cache) ChipStatuses() []telemetry.ChipStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]telemetry.ChipStatus, 0, len(c.statusOrder))
	for _, id := range c.statusOrder {
		out = append(out, c.statuses[id].Clone())
	}
	return out
}

// Len returns the number of cached readings and statuses.
func (c *Cache) Len() (readings, statuses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.readings), len(c.statuses)
}
