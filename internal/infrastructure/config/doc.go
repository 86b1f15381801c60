// Package config handles loading and validating Bumper configuration.
//
// This package manages:
//   - Loading configuration from YAML or TOML files
//   - Overriding with environment variables (BUMPER_*)
//   - Validation of ports, TLS material and lifetimes
//   - Default value handling, including the store path fallback
//
// Security Considerations:
//   - admin.jwt_secret and influxdb.token should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// The Config value is built once by the entry point and handed to the
// orchestrator, which passes the relevant sections to each listener.
// Nothing in this package holds process-wide mutable state.
//
// Usage:
//
//	cfg, err := config.Load("configs/bumper.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.DatabasePath())
package config
