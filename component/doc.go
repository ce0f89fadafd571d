// Package component defines the lifecycle contract shared by the Kafka
// client and the HTTP server.
//
// Components are registered with a Registry, started in registration order,
// stopped in reverse order, and polled for health by the /health endpoint.
//
// # Interfaces
//
//   - Component: Name/Start/Stop/Health
//   - Describable: optional summary for the startup log
package component
