// Package logger provides structured logging for streamkit components
// using zerolog.
//
// It supports JSON and console output, per-logger levels, and
// component-scoped loggers with structured fields. Loggers are injected:
// every component takes a *Logger and tags it with WithComponent.
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Usage
//
//	log := logger.New(&cfg.Logging, cfg.Name).WithComponent("kafka.consumer")
//	log.Info("partition assigned", logger.Fields("topic", t, "partition", p))
package logger
