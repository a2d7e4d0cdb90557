// Package naming generates runtime resource names and labels for project
// objects. This is part of the Functional Core - no I/O, no side effects.
package naming

import "fmt"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ContainerName generates the container name for a service.
// Pattern: {project}_{service}
//
// Example:
//
//	ContainerName("blog", "web") // returns "blog_web"
func ContainerName(project, service string) string {
	return fmt.Sprintf("%s_%s", project, service)
}

// NetworkName generates the runtime name for a project network.
// Pattern: {project}_{network}
//
// Example:
//
//	NetworkName("blog", "default") // returns "blog_default"
func NetworkName(project, network string) string {
	return fmt.Sprintf("%s_%s", project, network)
}

// VolumeName generates the runtime name for a named project volume.
// Pattern: {project}_{volume}
//
// Example:
//
//	VolumeName("blog", "pgdata") // returns "blog_pgdata"
func VolumeName(project, volume string) string {
	return fmt.Sprintf("%s_%s", project, volume)
}

// DefaultNetwork is the network every service joins when it declares none.
const DefaultNetwork = "default"

// =============================================================================
// Labels
// =============================================================================

// Labels attached to every runtime object so project state can be found and
// cleaned up later.
const (
	LabelProject = "io.podstack.project"
	LabelService = "io.podstack.service"
	LabelNetwork = "io.podstack.network"
	LabelVolume  = "io.podstack.volume"
)

// ContainerLabels returns the identifying labels for a service container.
func ContainerLabels(project, service string) map[string]string {
	return map[string]string{
		LabelProject: project,
		LabelService: service,
	}
}
