package runtime

import (
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/podstack/internal/core/compose"
)

// =============================================================================
// CLI Argument Construction
// =============================================================================

// createArgs renders a ContainerSpec into `podman create` arguments. The
// argument order is stable so tests and logs stay readable.
func createArgs(spec *ContainerSpec) []string {
	args := []string{"create", "--name", spec.Name}

	for _, key := range sortedLabelKeys(spec.Labels) {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}
	for _, env := range spec.Env {
		args = append(args, "--env", env)
	}

	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}

	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	for _, attachment := range spec.Networks {
		args = append(args, "--network", networkArg(attachment))
	}

	for _, port := range spec.Ports {
		args = append(args, "--publish", publishArg(port))
	}
	for _, mount := range spec.Mounts {
		args = append(args, volumeArgs(mount)...)
	}
	for _, tmpfs := range spec.Tmpfs {
		args = append(args, "--tmpfs", tmpfs)
	}

	for _, host := range spec.ExtraHosts {
		args = append(args, "--add-host", host)
	}
	for _, dns := range spec.DNS {
		args = append(args, "--dns", dns)
	}
	for _, cap := range spec.CapAdd {
		args = append(args, "--cap-add", cap)
	}
	for _, cap := range spec.CapDrop {
		args = append(args, "--cap-drop", cap)
	}
	for _, device := range spec.Devices {
		args = append(args, "--device", device)
	}
	for _, key := range sortedLabelKeys(spec.Sysctls) {
		args = append(args, "--sysctl", key+"="+spec.Sysctls[key])
	}

	if spec.Init {
		args = append(args, "--init")
	}
	if spec.Privileged {
		args = append(args, "--privileged")
	}
	if spec.ReadOnly {
		args = append(args, "--read-only")
	}
	if spec.Restart != "" {
		args = append(args, "--restart", spec.Restart)
	}
	if spec.StopSignal != "" {
		args = append(args, "--stop-signal", spec.StopSignal)
	}
	if spec.StopTimeout > 0 {
		args = append(args, "--stop-timeout", strconv.Itoa(int(spec.StopTimeout.Seconds())))
	}
	if spec.PullPolicy != "" {
		args = append(args, "--pull", spec.PullPolicy)
	}

	args = append(args, healthcheckArgs(spec.Healthcheck)...)
	args = append(args, resourceArgs(spec.Resources)...)

	if len(spec.Entrypoint) > 0 {
		args = append(args, "--entrypoint", entrypointArg(spec.Entrypoint))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

func networkArg(attachment NetworkAttachment) string {
	options := make([]string, 0, len(attachment.Aliases)+2)
	for _, alias := range attachment.Aliases {
		options = append(options, "alias="+alias)
	}
	if attachment.IPv4Address != "" {
		options = append(options, "ip="+attachment.IPv4Address)
	}
	if attachment.IPv6Address != "" {
		options = append(options, "ip6="+attachment.IPv6Address)
	}
	if len(options) == 0 {
		return attachment.Name
	}
	return attachment.Name + ":" + strings.Join(options, ",")
}

func publishArg(port compose.Port) string {
	target := strconv.Itoa(port.Target)
	if port.Protocol != "" && port.Protocol != "tcp" {
		target += "/" + port.Protocol
	}
	switch {
	case port.HostIP != "" && port.Published > 0:
		return port.HostIP + ":" + strconv.Itoa(port.Published) + ":" + target
	case port.HostIP != "":
		return port.HostIP + "::" + target
	case port.Published > 0:
		return strconv.Itoa(port.Published) + ":" + target
	}
	return target
}

func volumeArgs(mount compose.VolumeMount) []string {
	if mount.Type == compose.VolumeMountTypeTmpfs {
		return []string{"--tmpfs", mount.Target}
	}

	var options []string
	if mount.ReadOnly {
		options = append(options, "ro")
	}
	if mount.Propagation != "" {
		options = append(options, mount.Propagation)
	}
	if mount.SELinux != "" {
		options = append(options, mount.SELinux)
	}
	if mount.NoCopy {
		options = append(options, "nocopy")
	}

	value := mount.Target
	if mount.Source != "" {
		value = mount.Source + ":" + mount.Target
	}
	if len(options) > 0 {
		value += ":" + strings.Join(options, ",")
	}
	return []string{"--volume", value}
}

func healthcheckArgs(hc *compose.Healthcheck) []string {
	if hc == nil {
		return nil
	}
	if hc.Disable {
		return []string{"--no-healthcheck"}
	}

	var args []string
	if len(hc.Test) > 0 {
		args = append(args, "--health-cmd", healthCmd(hc.Test))
	}
	if hc.Interval > 0 {
		args = append(args, "--health-interval", hc.Interval.String())
	}
	if hc.Timeout > 0 {
		args = append(args, "--health-timeout", hc.Timeout.String())
	}
	if hc.StartPeriod > 0 {
		args = append(args, "--health-start-period", hc.StartPeriod.String())
	}
	if hc.Retries > 0 {
		args = append(args, "--health-retries", strconv.Itoa(hc.Retries))
	}
	return args
}

// healthCmd renders the normalized test form back into the CLI flag value.
func healthCmd(test []string) string {
	if len(test) == 0 {
		return ""
	}
	switch test[0] {
	case "NONE":
		return "none"
	case "CMD-SHELL":
		return strings.Join(test[1:], " ")
	case "CMD":
		return strings.Join(test[1:], " ")
	}
	return strings.Join(test, " ")
}

func resourceArgs(r compose.Resources) []string {
	var args []string
	if r.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(r.CPULimit, 'f', -1, 64))
	}
	if r.MemoryLimit > 0 {
		args = append(args, "--memory", strconv.FormatInt(r.MemoryLimit, 10))
	}
	if r.MemoryReservation > 0 {
		args = append(args, "--memory-reservation", strconv.FormatInt(r.MemoryReservation, 10))
	}
	if r.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(r.PidsLimit, 10))
	}
	return args
}

// entrypointArg renders a multi-word entrypoint as the JSON form podman
// accepts.
func entrypointArg(entrypoint []string) string {
	if len(entrypoint) == 1 {
		return entrypoint[0]
	}
	quoted := make([]string, len(entrypoint))
	for i, part := range entrypoint {
		quoted[i] = strconv.Quote(part)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sortedLabelKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// networkCreateArgs renders a network declaration into `podman network
// create` arguments.
func networkCreateArgs(name string, network *compose.Network) []string {
	args := []string{"network", "create", name}
	if network == nil {
		return args
	}
	if network.Driver != "" {
		args = append(args, "--driver", network.Driver)
	}
	if network.Internal {
		args = append(args, "--internal")
	}
	if network.EnableIPv6 {
		args = append(args, "--ipv6")
	}
	for _, key := range sortedLabelKeys(network.DriverOpts) {
		args = append(args, "--opt", key+"="+network.DriverOpts[key])
	}
	for _, key := range sortedLabelKeys(network.Labels) {
		args = append(args, "--label", key+"="+network.Labels[key])
	}
	if network.IPAM != nil {
		for _, pool := range network.IPAM.Config {
			if pool.Subnet != "" {
				args = append(args, "--subnet", pool.Subnet)
			}
			if pool.IPRange != "" {
				args = append(args, "--ip-range", pool.IPRange)
			}
			if pool.Gateway != "" {
				args = append(args, "--gateway", pool.Gateway)
			}
		}
	}
	return args
}

// volumeCreateArgs renders a volume declaration into `podman volume create`
// arguments.
func volumeCreateArgs(name string, volume *compose.Volume) []string {
	args := []string{"volume", "create", name}
	if volume == nil {
		return args
	}
	if volume.Driver != "" {
		args = append(args, "--driver", volume.Driver)
	}
	for _, key := range sortedLabelKeys(volume.DriverOpts) {
		args = append(args, "--opt", key+"="+volume.DriverOpts[key])
	}
	for _, key := range sortedLabelKeys(volume.Labels) {
		args = append(args, "--label", key+"="+volume.Labels[key])
	}
	return args
}
