package runtime

import (
	"fmt"
	"sort"
	"time"

	"github.com/artpar/podstack/internal/core/compose"
	"github.com/artpar/podstack/internal/core/naming"
)

// =============================================================================
// Container Specs
// =============================================================================

// ContainerSpec is the engine-neutral description of one container to create.
// Resource names are already resolved to their runtime form.
type ContainerSpec struct {
	Name        string
	Service     string
	Project     string
	Image       string
	PullPolicy  string
	Command     []string
	Entrypoint  []string
	Env         []string // KEY=VALUE, sorted
	Labels      map[string]string
	Hostname    string
	User        string
	WorkingDir  string
	NetworkMode string
	Networks    []NetworkAttachment
	Ports       []compose.Port
	Mounts      []compose.VolumeMount
	ExtraHosts  []string
	DNS         []string
	Tmpfs       []string
	CapAdd      []string
	CapDrop     []string
	Devices     []string
	Sysctls     map[string]string
	Init        bool
	Privileged  bool
	ReadOnly    bool
	StopSignal  string
	StopTimeout time.Duration
	Restart     string
	Healthcheck *compose.Healthcheck
	Resources   compose.Resources
}

// NetworkAttachment is one resolved network membership.
type NetworkAttachment struct {
	Name        string // runtime network name
	Aliases     []string
	IPv4Address string
	IPv6Address string
}

// HostEnv resolves passthrough environment entries against the host.
type HostEnv func(name string) (string, bool)

// NewContainerSpec resolves a service definition into a creation spec for the
// given project. Passthrough environment entries missing from the host are
// dropped.
func NewContainerSpec(project *compose.Project, service *compose.Service, hostEnv HostEnv) *ContainerSpec {
	name := service.ContainerName
	if name == "" {
		name = naming.ContainerName(project.Name, service.Name)
	}

	spec := &ContainerSpec{
		Name:        name,
		Service:     service.Name,
		Project:     project.Name,
		Image:       service.Image,
		PullPolicy:  service.PullPolicy,
		Command:     service.Command,
		Entrypoint:  service.Entrypoint,
		Hostname:    service.Hostname,
		User:        service.User,
		WorkingDir:  service.WorkingDir,
		NetworkMode: service.NetworkMode,
		Ports:       service.Ports,
		ExtraHosts:  service.ExtraHosts,
		DNS:         service.DNS,
		Tmpfs:       service.Tmpfs,
		CapAdd:      service.CapAdd,
		CapDrop:     service.CapDrop,
		Devices:     service.Devices,
		Sysctls:     service.Sysctls,
		Init:        service.Init,
		Privileged:  service.Privileged,
		ReadOnly:    service.ReadOnly,
		StopSignal:  service.StopSignal,
		StopTimeout: service.StopGracePeriod,
		Restart:     service.Restart,
		Healthcheck: service.Healthcheck,
		Resources:   service.Resources,
	}

	spec.Env = resolveEnv(service.Environment, hostEnv)
	spec.Labels = resolveLabels(project, service)
	spec.Mounts = resolveMounts(project, service)
	if service.NetworkMode == "" {
		spec.Networks = resolveNetworks(project, service)
	}
	return spec
}

func resolveEnv(env map[string]*string, hostEnv HostEnv) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		value := env[key]
		if value == nil {
			if hostEnv == nil {
				continue
			}
			hostValue, ok := hostEnv(key)
			if !ok {
				continue
			}
			out = append(out, key+"="+hostValue)
			continue
		}
		out = append(out, key+"="+*value)
	}
	return out
}

func resolveLabels(project *compose.Project, service *compose.Service) map[string]string {
	labels := naming.ContainerLabels(project.Name, service.Name)
	for key, value := range service.Labels {
		labels[key] = value
	}
	return labels
}

// resolveMounts rewrites named volume sources to their runtime names.
func resolveMounts(project *compose.Project, service *compose.Service) []compose.VolumeMount {
	if len(service.Volumes) == 0 {
		return nil
	}
	mounts := make([]compose.VolumeMount, len(service.Volumes))
	copy(mounts, service.Volumes)
	for i := range mounts {
		if mounts[i].Type != compose.VolumeMountTypeVolume || mounts[i].Source == "" {
			continue
		}
		mounts[i].Source = ResolveVolumeName(project, mounts[i].Source)
	}
	return mounts
}

func resolveNetworks(project *compose.Project, service *compose.Service) []NetworkAttachment {
	memberships := service.Networks
	if len(memberships) == 0 {
		memberships = map[string]*compose.ServiceNetwork{naming.DefaultNetwork: nil}
	}

	keys := make([]string, 0, len(memberships))
	for key := range memberships {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]NetworkAttachment, 0, len(keys))
	for _, key := range keys {
		attachment := NetworkAttachment{
			Name:    ResolveNetworkName(project, key),
			Aliases: []string{service.Name},
		}
		if settings := memberships[key]; settings != nil {
			attachment.Aliases = append(attachment.Aliases, settings.Aliases...)
			attachment.IPv4Address = settings.IPv4Address
			attachment.IPv6Address = settings.IPv6Address
		}
		out = append(out, attachment)
	}
	return out
}

// ResolveNetworkName maps a document-level network key to its runtime name.
func ResolveNetworkName(project *compose.Project, key string) string {
	if network, ok := project.Networks[key]; ok && network.Name != key && network.Name != "" {
		return network.Name
	}
	return naming.NetworkName(project.Name, key)
}

// ResolveVolumeName maps a document-level volume key to its runtime name.
func ResolveVolumeName(project *compose.Project, key string) string {
	if volume, ok := project.Volumes[key]; ok && volume.Name != key && volume.Name != "" {
		return volume.Name
	}
	return naming.VolumeName(project.Name, key)
}

// StopTimeoutOrDefault returns the configured stop grace period or the
// engine-conventional ten seconds.
func (s *ContainerSpec) StopTimeoutOrDefault() time.Duration {
	if s.StopTimeout > 0 {
		return s.StopTimeout
	}
	return 10 * time.Second
}

func (s *ContainerSpec) String() string {
	return fmt.Sprintf("%s (service %s)", s.Name, s.Service)
}
