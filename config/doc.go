// Package config loads service configuration with Viper.
//
// A config.yml found under cmd/<service>/, config/ or the working directory
// provides the base values, a .env file is loaded with godotenv, and every
// mapstructure key can be overridden by an environment variable named after
// its path (kafka.group_id -> KAFKA_GROUP_ID, optionally prefixed).
//
// # Usage
//
//	var cfg RelayConfig
//	if err := config.LoadConfig("streamkit-relay", &cfg); err != nil { ... }
//	cfg.ApplyDefaults()
//	if err := cfg.Validate(); err != nil { ... }
package config
