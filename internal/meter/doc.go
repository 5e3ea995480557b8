// Package meter implements the IEEE 2030.5 poll-parse-publish pipeline.
//
// A Meter is the device controller for one physical meter: it performs
// one-time hardware identification against the /sdev/sdi sub-resource,
// publishes a retained device-level discovery config, loads the
// endpoint schema matching the identified firmware, and constructs one
// Endpoint per schema entry. Each Endpoint owns a sub-resource URL and
// its TagSpec subtree; at construction it records a state topic for
// every leaf sensor and publishes retained Home Assistant discovery
// configs, and on each poll cycle it queries, parses, and routes
// readings to those topics.
//
// # Resilience
//
// Every network query runs under an exponential-backoff retry policy
// (1s base, 15s cap, 15 attempts, last failure re-raised). Within a
// poll cycle each endpoint's failure is caught and logged by the
// controller; sibling endpoints still publish. Hardware identification
// failure after the budget is fatal for that meter only.
//
// # Sharing
//
// The HTTP client and message-bus client are shared by reference
// across all endpoints of a meter, and across meters at the process
// level. Both are safe for concurrent use; the bus client's lazy
// connect path serialises concurrent first publishes internally, and
// its graceful disconnect is performed by the process shutdown chain
// after every controller has stopped.
package meter
