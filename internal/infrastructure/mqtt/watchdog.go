package mqtt

import (
	"fmt"
	"time"
)

// startWatchdog launches the background keep-alive task.
//
// The watchdog pings the broker connection at the configured keep-alive
// interval, independent of data traffic, to surface idle-connection drops.
// Ping failures are logged at warning level and never trigger reconnection;
// the next publish reconnects lazily under the connect lock.
//
// The watchdog runs until Close, which stops it and waits for it to finish
// before disconnecting.
func (c *Client) startWatchdog() {
	interval := c.cfg.GetKeepAliveInterval()
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.Ping(); err != nil {
					if logger := c.getLogger(); logger != nil {
						logger.Warn("mqtt watchdog ping failed", "error", err)
					}
				}
			}
		}
	}()
}

// Ping verifies the broker connection is alive by pushing a zero-byte
// message through it.
//
// paho exposes no manual PINGREQ, so the check is a minimal non-retained
// publish to the status topic. Unlike a flag check, this surfaces
// half-open connections where the socket is gone but no disconnect has
// been observed yet.
//
// Returns:
//   - error: ErrNotConnected (wrapped) if the connection is down or the
//     ping cannot be flushed, nil otherwise
func (c *Client) Ping() error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(StatusTopic(), 0, false, []byte{})
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: ping timeout after %v", ErrNotConnected, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrNotConnected, err)
	}
	return nil
}
