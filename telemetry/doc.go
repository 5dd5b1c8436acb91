// Package telemetry defines the domain events produced by field
// microcontrollers and the pure functions that decode them from broker
// topics and JSON payloads.
//
// Two message families exist:
//
//	sensors/<mcuId>/<sensorId>               sensor reading, type in payload
//	sensors/<sensorType>/<mcuId>/<sensorId>  sensor reading, type in topic
//	status/running                           chip status heartbeat
//
// Payloads are decoded into an Object, which keeps fields in the order the
// device sent them so that metrics, extras and details are reproducible.
// Nothing in this package performs I/O or holds state.
package telemetry
