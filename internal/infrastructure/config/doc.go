// Package config provides configuration loading for the Itron bridge.
//
// Configuration follows a three-layer model:
//  1. Hardcoded defaults suitable for local development
//  2. YAML file (configs/config.yaml by default)
//  3. Environment variable overrides (ITRONBRIDGE_* prefix)
//
// Secrets (MQTT password, InfluxDB token, meter TLS key paths) should be
// supplied via environment variables rather than committed YAML.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := mqtt.New(cfg.MQTT)
package config
