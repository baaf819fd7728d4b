// Package config loads the rpcworker configuration.
//
// Priority: defaults, then the YAML file, then environment variables.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("rpcbus.yaml").
//	    WithEnvPrefix("RPCBUS").
//	    Load()
//
// Environment keys are the prefix plus the env tags along the field path,
// for example RPCBUS_BROKER_KIND or RPCBUS_CLIENT_TIMEOUT. Services are only
// configured from YAML.
package config
