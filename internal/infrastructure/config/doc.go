// Package config handles loading and validating the tsrd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with TSR_* environment variables
//   - Validation of required fields and device definitions
//   - Default value handling, including per-device fallbacks to the
//     scheduler and state_handler sections
//
// Security Considerations:
//   - Broker passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/tsrd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.ID, cfg.SendMode(d))
//	}
package config
