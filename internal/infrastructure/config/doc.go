// Package config handles loading and validating NOC Core configuration.
//
// Values come from built-in defaults, then the YAML file, then NOCCORE_*
// environment variables. Validate reports every problem at once.
//
// Secrets (router password, webhook secret, JWT secret, MQTT password,
// InfluxDB token) should be injected through the environment. Config.String
// redacts them for logging.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Router.Host)
package config
