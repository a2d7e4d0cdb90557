package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/artpar/podstack/internal/core/compose"
	"github.com/artpar/podstack/internal/core/naming"
)

// =============================================================================
// Docker Runtime
// =============================================================================

// Docker drives containers through the Docker Engine API.
type Docker struct {
	cli    client.APIClient
	logger *slog.Logger
}

// NewDocker creates a Docker API runtime from the environment (DOCKER_HOST
// and friends).
func NewDocker(logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewDockerWithClient(cli, logger), nil
}

// NewDockerWithClient wraps an existing API client.
func NewDockerWithClient(cli client.APIClient, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{cli: cli, logger: logger}
}

// Close releases the underlying API client.
func (d *Docker) Close() error {
	if closer, ok := d.cli.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (d *Docker) wrap(op, object string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := ErrCommandFailed
	if client.IsErrNotFound(err) {
		wrapped = ErrNotFound
	}
	return &Error{Op: op, Object: object, Detail: err.Error(), Err: wrapped}
}

// =============================================================================
// Container Lifecycle
// =============================================================================

func (d *Docker) CreateContainer(ctx context.Context, spec *ContainerSpec) error {
	state, err := d.InspectContainer(ctx, spec.Name)
	if err != nil {
		return err
	}
	if state.Exists {
		return nil
	}

	config, hostConfig, netConfig := dockerConfigs(spec)
	if _, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name); err != nil {
		return d.wrap("create", spec.Name, err)
	}

	// The create call attaches the first network; join the rest explicitly.
	for _, attachment := range extraNetworks(spec) {
		err := d.cli.NetworkConnect(ctx, attachment.Name, spec.Name, endpointSettings(attachment))
		if err != nil {
			return d.wrap("network connect", spec.Name, err)
		}
	}
	return nil
}

func (d *Docker) StartContainer(ctx context.Context, name string) error {
	return d.wrap("start", name, d.cli.ContainerStart(ctx, name, container.StartOptions{}))
}

func (d *Docker) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	options := container.StopOptions{}
	if timeout > 0 {
		seconds := int(timeout.Seconds())
		options.Timeout = &seconds
	}
	return ignoreNotFound(d.wrap("stop", name, d.cli.ContainerStop(ctx, name, options)))
}

func (d *Docker) RestartContainer(ctx context.Context, name string, timeout time.Duration) error {
	options := container.StopOptions{}
	if timeout > 0 {
		seconds := int(timeout.Seconds())
		options.Timeout = &seconds
	}
	return d.wrap("restart", name, d.cli.ContainerRestart(ctx, name, options))
}

func (d *Docker) KillContainer(ctx context.Context, name, signal string) error {
	return ignoreNotFound(d.wrap("kill", name, d.cli.ContainerKill(ctx, name, signal)))
}

func (d *Docker) RemoveContainer(ctx context.Context, name string, force bool) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: force})
	return ignoreNotFound(d.wrap("rm", name, err))
}

func (d *Docker) PauseContainer(ctx context.Context, name string) error {
	return d.wrap("pause", name, d.cli.ContainerPause(ctx, name))
}

func (d *Docker) UnpauseContainer(ctx context.Context, name string) error {
	return d.wrap("unpause", name, d.cli.ContainerUnpause(ctx, name))
}

func (d *Docker) InspectContainer(ctx context.Context, name string) (ContainerState, error) {
	details, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{Exists: false}, nil
		}
		return ContainerState{}, d.wrap("inspect", name, err)
	}

	state := ContainerState{Exists: true}
	if details.State != nil {
		state.Running = details.State.Running
		state.Paused = details.State.Paused
		state.ExitCode = details.State.ExitCode
		if details.State.Health != nil {
			state.Health = Health(strings.ToLower(details.State.Health.Status))
		}
	}
	return state, nil
}

// =============================================================================
// Networks and Volumes
// =============================================================================

func (d *Docker) EnsureNetwork(ctx context.Context, name string, net *compose.Network) error {
	_, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return d.wrap("network inspect", name, err)
	}
	if net != nil && net.External {
		return &Error{Op: "network", Object: name, Detail: "declared external but missing", Err: ErrExternalMissing}
	}

	d.logger.Info("creating network", "network", name)
	options := network.CreateOptions{}
	if net != nil {
		options.Driver = net.Driver
		options.Internal = net.Internal
		options.Options = net.DriverOpts
		options.Labels = net.Labels
		if net.EnableIPv6 {
			enabled := true
			options.EnableIPv6 = &enabled
		}
		if net.IPAM != nil {
			ipam := &network.IPAM{Driver: net.IPAM.Driver}
			for _, pool := range net.IPAM.Config {
				ipam.Config = append(ipam.Config, network.IPAMConfig{
					Subnet:  pool.Subnet,
					IPRange: pool.IPRange,
					Gateway: pool.Gateway,
				})
			}
			options.IPAM = ipam
		}
	}
	_, err = d.cli.NetworkCreate(ctx, name, options)
	return d.wrap("network create", name, err)
}

func (d *Docker) EnsureVolume(ctx context.Context, name string, vol *compose.Volume) error {
	_, err := d.cli.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return d.wrap("volume inspect", name, err)
	}
	if vol != nil && vol.External {
		return &Error{Op: "volume", Object: name, Detail: "declared external but missing", Err: ErrExternalMissing}
	}

	d.logger.Info("creating volume", "volume", name)
	options := volume.CreateOptions{Name: name}
	if vol != nil {
		options.Driver = vol.Driver
		options.DriverOpts = vol.DriverOpts
		options.Labels = vol.Labels
	}
	_, err = d.cli.VolumeCreate(ctx, options)
	return d.wrap("volume create", name, err)
}

func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	return ignoreNotFound(d.wrap("network rm", name, d.cli.NetworkRemove(ctx, name)))
}

func (d *Docker) RemoveVolume(ctx context.Context, name string) error {
	return ignoreNotFound(d.wrap("volume rm", name, d.cli.VolumeRemove(ctx, name, false)))
}

// =============================================================================
// Logs
// =============================================================================

func (d *Docker) ContainerLogs(ctx context.Context, name string, follow bool, w io.Writer) error {
	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		return d.wrap("logs", name, err)
	}
	defer reader.Close()

	// Non-TTY containers multiplex stdout and stderr into one stream.
	if _, err := stdcopy.StdCopy(w, w, reader); err != nil && ctx.Err() == nil {
		return d.wrap("logs", name, err)
	}
	return nil
}

// =============================================================================
// Events
// =============================================================================

func (d *Docker) Events(ctx context.Context, project string, fn func(Event)) error {
	args := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("label", naming.LabelProject+"="+project),
	)
	messages, errs := d.cli.Events(ctx, events.ListOptions{Filters: args})
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if err == nil || ctx.Err() != nil {
				return nil
			}
			return d.wrap("events", project, err)
		case message := <-messages:
			fn(Event{
				Time:      time.Unix(0, message.TimeNano),
				Container: message.Actor.Attributes["name"],
				Service:   message.Actor.Attributes[naming.LabelService],
				Status:    string(message.Action),
			})
		}
	}
}

// =============================================================================
// Spec Translation
// =============================================================================

func dockerConfigs(spec *ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Entrypoint: spec.Entrypoint,
		Env:        spec.Env,
		Labels:     spec.Labels,
		Hostname:   spec.Hostname,
		User:       spec.User,
		WorkingDir: spec.WorkingDir,
		StopSignal: spec.StopSignal,
	}
	if spec.StopTimeout > 0 {
		seconds := int(spec.StopTimeout.Seconds())
		config.StopTimeout = &seconds
	}
	if spec.Healthcheck != nil {
		hc := spec.Healthcheck
		config.Healthcheck = &container.HealthConfig{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			StartPeriod: hc.StartPeriod,
			Retries:     hc.Retries,
		}
		if hc.Disable {
			config.Healthcheck = &container.HealthConfig{Test: []string{"NONE"}}
		}
	}

	hostConfig := &container.HostConfig{
		Privileged:     spec.Privileged,
		ReadonlyRootfs: spec.ReadOnly,
		ExtraHosts:     spec.ExtraHosts,
		DNS:            spec.DNS,
		CapAdd:         spec.CapAdd,
		CapDrop:        spec.CapDrop,
		Sysctls:        spec.Sysctls,
	}
	if spec.Init {
		enabled := true
		hostConfig.Init = &enabled
	}
	if spec.NetworkMode != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	if spec.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.Restart)}
	}
	if len(spec.Tmpfs) > 0 {
		hostConfig.Tmpfs = make(map[string]string, len(spec.Tmpfs))
		for _, path := range spec.Tmpfs {
			hostConfig.Tmpfs[path] = ""
		}
	}
	for _, device := range spec.Devices {
		hostConfig.Devices = append(hostConfig.Devices, deviceMapping(device))
	}

	if spec.Resources.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(spec.Resources.CPULimit * 1e9)
	}
	if spec.Resources.MemoryLimit > 0 {
		hostConfig.Memory = spec.Resources.MemoryLimit
	}
	if spec.Resources.MemoryReservation > 0 {
		hostConfig.MemoryReservation = spec.Resources.MemoryReservation
	}
	if spec.Resources.PidsLimit > 0 {
		pids := spec.Resources.PidsLimit
		hostConfig.PidsLimit = &pids
	}

	if len(spec.Ports) > 0 {
		config.ExposedPorts, hostConfig.PortBindings = portMaps(spec.Ports)
	}
	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, dockerMount(m))
	}

	netConfig := &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{}}
	if len(spec.Networks) > 0 {
		first := spec.Networks[0]
		netConfig.EndpointsConfig[first.Name] = endpointSettings(first)
	}
	return config, hostConfig, netConfig
}

func extraNetworks(spec *ContainerSpec) []NetworkAttachment {
	if len(spec.Networks) <= 1 {
		return nil
	}
	return spec.Networks[1:]
}

func endpointSettings(attachment NetworkAttachment) *network.EndpointSettings {
	settings := &network.EndpointSettings{Aliases: attachment.Aliases}
	if attachment.IPv4Address != "" || attachment.IPv6Address != "" {
		settings.IPAMConfig = &network.EndpointIPAMConfig{
			IPv4Address: attachment.IPv4Address,
			IPv6Address: attachment.IPv6Address,
		}
	}
	return settings
}

func portMaps(ports []compose.Port) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		containerPort := nat.Port(fmt.Sprintf("%d/%s", p.Target, proto))
		exposed[containerPort] = struct{}{}

		hostPort := ""
		if p.Published != 0 {
			hostPort = fmt.Sprintf("%d", p.Published)
		}
		bindings[containerPort] = append(bindings[containerPort], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: hostPort,
		})
	}
	return exposed, bindings
}

func dockerMount(m compose.VolumeMount) mount.Mount {
	out := mount.Mount{
		Target:   m.Target,
		ReadOnly: m.ReadOnly,
	}
	switch m.Type {
	case compose.VolumeMountTypeBind:
		out.Type = mount.TypeBind
		out.Source = m.Source
		if m.Propagation != "" {
			out.BindOptions = &mount.BindOptions{Propagation: mount.Propagation(m.Propagation)}
		}
	case compose.VolumeMountTypeTmpfs:
		out.Type = mount.TypeTmpfs
	default:
		out.Type = mount.TypeVolume
		out.Source = m.Source
		if m.NoCopy {
			out.VolumeOptions = &mount.VolumeOptions{NoCopy: true}
		}
	}
	return out
}

// deviceMapping parses "host[:container[:permissions]]".
func deviceMapping(device string) container.DeviceMapping {
	parts := strings.SplitN(device, ":", 3)
	mapping := container.DeviceMapping{
		PathOnHost:        parts[0],
		PathInContainer:   parts[0],
		CgroupPermissions: "rwm",
	}
	if len(parts) > 1 {
		mapping.PathInContainer = parts[1]
	}
	if len(parts) > 2 {
		mapping.CgroupPermissions = parts[2]
	}
	return mapping
}
