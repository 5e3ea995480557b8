// Package mqtt provides MQTT client connectivity for the Itron bridge.
//
// This package manages:
//   - Lazy connection to the broker, driven by the publish path
//   - Message publishing with QoS and retain flags
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - A keep-alive watchdog independent of data traffic
//
// # Connection model
//
// New creates a disconnected client. The first Publish or Subscribe performs
// the broker connect; all connection attempts are serialised by a single
// connect lock, so endpoints publishing discovery configs concurrently at
// startup produce exactly one connect. A dropped connection is likewise
// re-established by the next publish rather than by a background retry loop.
// Failed attempts arm a backoff window (configurable initial delay, doubling
// to a ceiling) during which further attempts are refused without touching
// the network. The watchdog only observes and logs; it never reconnects.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT)
//	client.SetLogger(log)
//	defer client.Close()
//
//	// First publish establishes the connection.
//	err := client.Publish(topic, payload, 0, true)
package mqtt
