// Package config handles loading and validating the bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (VIAMBRIDGE_*)
//   - Expanding the flat motor_names list into per-motor settings
//   - Validation of required fields
//
// Security Considerations:
//   - Robot and Data API keys should be set via environment variables or .env
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Robot.Hostname)
package config
