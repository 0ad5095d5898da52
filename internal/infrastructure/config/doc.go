// Package config handles loading and validating simulator configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (IOTSIM_* prefix)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (broker password, InfluxDB token) should be set via
//     environment variables rather than the config file
//   - The config file should have restricted permissions (0600)
//
// Configuration is loaded once at startup. Running workers keep the settings
// they were started with; changes apply only to subsequently started workers.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
