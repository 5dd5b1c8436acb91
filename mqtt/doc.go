// Package mqtt owns the single broker connection of the process.
//
// A Connection tracks the topics the application wants subscribed and
// restores them on every successful connect, so callers subscribe once
// and never react to connection drops. Reconnection is driven by the
// Connection itself with exponential backoff; the paho client's own
// auto-reconnect is disabled.
//
//	conn, err := mqtt.NewConnection(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	if err := conn.Connect(ctx); err != nil {
//	    return err
//	}
//	conn.Subscribe("sensors/#", func(topic string, payload []byte) error {
//	    return nil
//	})
//
// Every registered handler sees every inbound message in arrival order.
// Handler errors and panics are logged and never reach the connection.
package mqtt
