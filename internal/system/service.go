// Package system defines the lifecycle contract a long-running query-index
// component implements so a process supervisor can start/stop it
// deterministically. runtime.CoverageWarmupService is the implementation in
// this repository.
package system

import (
	"context"

	core "github.com/openmercato/queryindex/internal/core/service"
)

// Service represents a lifecycle-managed background component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises a component's Descriptor.
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}
