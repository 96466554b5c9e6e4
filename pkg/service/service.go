// Package service defines the lifecycle contract of long-running process
// components and a registry that starts them in dependency order.
package service

import (
	"context"
)

// Status represents the current state of a service.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	// StatusError means the service stopped working on its own, e.g. after
	// losing a connection it cannot recover.
	StatusError Status = "ERROR"
)

// Service is a component the registry can start, stop and health-check.
type Service interface {
	Name() string

	// Start must not block; long-running work belongs in goroutines.
	Start(ctx context.Context) error

	// Stop releases the resources acquired by Start. Calling it on a
	// stopped service is a no-op.
	Stop(ctx context.Context) error

	Status() Status

	// Health returns nil while the service is functioning.
	Health() error

	// Dependencies names services that must be started first. Unknown
	// names are ignored.
	Dependencies() []string
}
