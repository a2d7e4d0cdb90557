package compose

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Typed Decoding
// =============================================================================
//
// Decoding runs after merge and interpolation, when every leaf is a plain
// string. All numeric and boolean conversions happen here, with one
// ValidationError per failure naming the offending field.

// Decode converts the merged, interpolated tree into a typed Project.
func Decode(tree map[string]any) (*Project, error) {
	project := &Project{
		Services: make(map[string]*Service),
		Networks: make(map[string]*Network),
		Volumes:  make(map[string]*Volume),
		Secrets:  make(map[string]*Secret),
		Configs:  make(map[string]*Config),
	}

	if name, ok := tree["name"].(string); ok {
		project.Name = name
	}

	services, ok := tree["services"].(map[string]any)
	if !ok || len(services) == 0 {
		return nil, NewValidationError("", "services", "at least one service is required", ErrNoServices)
	}
	for _, name := range sortedKeys(services) {
		raw, ok := services[name].(map[string]any)
		if !ok {
			return nil, NewValidationError("", "services."+name, "must be a mapping", ErrInvalidYAML)
		}
		service, err := decodeService(name, raw)
		if err != nil {
			return nil, err
		}
		project.Services[name] = service
	}

	if raw, ok := tree["networks"].(map[string]any); ok {
		for _, name := range sortedKeys(raw) {
			network, err := decodeNetwork(name, raw[name])
			if err != nil {
				return nil, err
			}
			project.Networks[name] = network
		}
	}
	if raw, ok := tree["volumes"].(map[string]any); ok {
		for _, name := range sortedKeys(raw) {
			volume, err := decodeVolume(name, raw[name])
			if err != nil {
				return nil, err
			}
			project.Volumes[name] = volume
		}
	}
	if raw, ok := tree["secrets"].(map[string]any); ok {
		for _, name := range sortedKeys(raw) {
			secret, err := decodeSecret("secrets."+name, name, raw[name])
			if err != nil {
				return nil, err
			}
			project.Secrets[name] = secret
		}
	}
	if raw, ok := tree["configs"].(map[string]any); ok {
		for _, name := range sortedKeys(raw) {
			secret, err := decodeSecret("configs."+name, name, raw[name])
			if err != nil {
				return nil, err
			}
			project.Configs[name] = &Config{Name: secret.Name, File: secret.File, External: secret.External}
		}
	}

	if err := validateProject(project); err != nil {
		return nil, err
	}
	return project, nil
}

// =============================================================================
// Service Decoding
// =============================================================================

func decodeService(name string, raw map[string]any) (*Service, error) {
	d := &decoder{field: "services." + name}
	s := &Service{Name: name}

	s.Image = d.str(raw, "image")
	s.ContainerName = d.str(raw, "container_name")
	s.User = d.str(raw, "user")
	s.WorkingDir = d.str(raw, "working_dir")
	s.Hostname = d.str(raw, "hostname")
	s.NetworkMode = d.str(raw, "network_mode")
	s.Restart = d.str(raw, "restart")
	s.PullPolicy = d.str(raw, "pull_policy")
	s.StopSignal = d.str(raw, "stop_signal")
	s.StopGracePeriod = d.duration(raw, "stop_grace_period")
	s.Init = d.boolean(raw, "init")
	s.Privileged = d.boolean(raw, "privileged")
	s.ReadOnly = d.boolean(raw, "read_only")
	s.Command = d.strings(raw, "command")
	s.Entrypoint = d.strings(raw, "entrypoint")
	s.ExtraHosts = d.strings(raw, "extra_hosts")
	s.DNS = d.strings(raw, "dns")
	s.Tmpfs = d.strings(raw, "tmpfs")
	s.CapAdd = d.strings(raw, "cap_add")
	s.CapDrop = d.strings(raw, "cap_drop")
	s.Devices = d.strings(raw, "devices")
	s.Expose = d.strings(raw, "expose")
	s.VolumesFrom = d.strings(raw, "volumes_from")
	s.Links = d.strings(raw, "links")
	s.Profiles = d.strings(raw, "profiles")
	s.Environment = d.stringPtrMap(raw, "environment")
	s.Labels = d.stringMap(raw, "labels")
	s.Sysctls = d.stringMap(raw, "sysctls")

	s.Resources.CPULimit = d.float(raw, "cpus")
	s.Resources.MemoryLimit = d.bytes(raw, "mem_limit")
	s.Resources.MemoryReservation = d.bytes(raw, "mem_reservation")
	s.Resources.PidsLimit = d.integer(raw, "pids_limit")

	if build, ok := raw["build"].(map[string]any); ok {
		b := &decoder{field: d.field + ".build"}
		s.Build = &Build{
			Context:    b.str(build, "context"),
			Dockerfile: b.str(build, "dockerfile"),
			Target:     b.str(build, "target"),
			Args:       b.stringPtrMap(build, "args"),
			Labels:     b.stringMap(build, "labels"),
		}
		if err := b.err(); err != nil {
			return nil, err
		}
	}

	if deps, ok := raw["depends_on"].(map[string]any); ok {
		s.DependsOn = make(map[string]Dependency, len(deps))
		for depName, v := range deps {
			entry, _ := v.(map[string]any)
			condition := ConditionStarted
			if c, ok := entry["condition"].(string); ok && c != "" {
				switch Condition(c) {
				case ConditionStarted, ConditionHealthy, ConditionCompletedSuccessfully:
					condition = Condition(c)
				default:
					return nil, NewValidationError("", d.field+".depends_on."+depName, "unknown condition "+c, ErrInvalidYAML)
				}
			}
			s.DependsOn[depName] = Dependency{Condition: condition}
		}
	}

	if networks, ok := raw["networks"].(map[string]any); ok {
		s.Networks = make(map[string]*ServiceNetwork, len(networks))
		for netName, v := range networks {
			attachment, ok := v.(map[string]any)
			if !ok {
				s.Networks[netName] = nil
				continue
			}
			a := &decoder{field: d.field + ".networks." + netName}
			s.Networks[netName] = &ServiceNetwork{
				Aliases:     a.strings(attachment, "aliases"),
				IPv4Address: a.str(attachment, "ipv4_address"),
				IPv6Address: a.str(attachment, "ipv6_address"),
				Priority:    int(a.integer(attachment, "priority")),
			}
			if err := a.err(); err != nil {
				return nil, err
			}
		}
	}

	ports, err := decodePorts(d.field, raw["ports"])
	if err != nil {
		return nil, err
	}
	s.Ports = ports

	mounts, err := decodeVolumeMounts(d.field, raw["volumes"])
	if err != nil {
		return nil, err
	}
	s.Volumes = mounts

	if hc, ok := raw["healthcheck"].(map[string]any); ok {
		h := &decoder{field: d.field + ".healthcheck"}
		s.Healthcheck = &Healthcheck{
			Test:        h.strings(hc, "test"),
			Interval:    h.duration(hc, "interval"),
			Timeout:     h.duration(hc, "timeout"),
			StartPeriod: h.duration(hc, "start_period"),
			Retries:     int(h.integer(hc, "retries")),
			Disable:     h.boolean(hc, "disable"),
		}
		if err := h.err(); err != nil {
			return nil, err
		}
	}

	refs, err := decodeFileReferences(d.field+".secrets", raw["secrets"])
	if err != nil {
		return nil, err
	}
	s.Secrets = refs
	refs, err = decodeFileReferences(d.field+".configs", raw["configs"])
	if err != nil {
		return nil, err
	}
	s.Configs = refs

	if deploy, ok := raw["deploy"].(map[string]any); ok {
		if resources, ok := deploy["resources"].(map[string]any); ok {
			if limits, ok := resources["limits"].(map[string]any); ok {
				l := &decoder{field: d.field + ".deploy.resources.limits"}
				if v := l.float(limits, "cpus"); v != 0 {
					s.Resources.CPULimit = v
				}
				if v := l.bytes(limits, "memory"); v != 0 {
					s.Resources.MemoryLimit = v
				}
				if v := l.integer(limits, "pids"); v != 0 {
					s.Resources.PidsLimit = v
				}
				if err := l.err(); err != nil {
					return nil, err
				}
			}
			if reservations, ok := resources["reservations"].(map[string]any); ok {
				r := &decoder{field: d.field + ".deploy.resources.reservations"}
				if v := r.float(reservations, "cpus"); v != 0 {
					s.Resources.CPUReservation = v
				}
				if v := r.bytes(reservations, "memory"); v != 0 {
					s.Resources.MemoryReservation = v
				}
				if err := r.err(); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := d.err(); err != nil {
		return nil, err
	}
	return s, nil
}

func decodePorts(field string, raw any) ([]Port, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, nil
	}

	ports := make([]Port, 0, len(list))
	for i, item := range list {
		location := fmt.Sprintf("%s.ports[%d]", field, i)
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, NewValidationError("", location, "must be a mapping", ErrServiceInvalidPort)
		}
		d := &decoder{field: location}
		port := Port{
			Target:    int(d.integer(entry, "target")),
			Published: int(d.integer(entry, "published")),
			HostIP:    d.str(entry, "host_ip"),
			Protocol:  d.str(entry, "protocol"),
		}
		if err := d.err(); err != nil {
			return nil, err
		}
		if port.Protocol == "" {
			port.Protocol = "tcp"
		}
		if port.Target < 1 || port.Target > 65535 {
			return nil, NewValidationError("", location, fmt.Sprintf("container port %d out of range", port.Target), ErrServiceInvalidPort)
		}
		if port.Published < 0 || port.Published > 65535 {
			return nil, NewValidationError("", location, fmt.Sprintf("host port %d out of range", port.Published), ErrServiceInvalidPort)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

func decodeVolumeMounts(field string, raw any) ([]VolumeMount, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, nil
	}

	mounts := make([]VolumeMount, 0, len(list))
	for i, item := range list {
		location := fmt.Sprintf("%s.volumes[%d]", field, i)
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, NewValidationError("", location, "must be a mapping", ErrInvalidYAML)
		}
		d := &decoder{field: location}
		mount := VolumeMount{
			Type:     VolumeMountType(d.str(entry, "type")),
			Source:   d.str(entry, "source"),
			Target:   d.str(entry, "target"),
			ReadOnly: d.boolean(entry, "read_only"),
		}
		if bind, ok := entry["bind"].(map[string]any); ok {
			b := &decoder{field: location + ".bind"}
			mount.Propagation = b.str(bind, "propagation")
			mount.SELinux = b.str(bind, "selinux")
			if err := b.err(); err != nil {
				return nil, err
			}
		}
		if volume, ok := entry["volume"].(map[string]any); ok {
			v := &decoder{field: location + ".volume"}
			mount.NoCopy = v.boolean(volume, "nocopy")
			if err := v.err(); err != nil {
				return nil, err
			}
		}
		if err := d.err(); err != nil {
			return nil, err
		}
		if mount.Type == "" {
			mount.Type = VolumeMountTypeVolume
		}
		if mount.Target == "" {
			return nil, NewValidationError("", location, "mount target is required", ErrInvalidYAML)
		}
		mounts = append(mounts, mount)
	}
	return mounts, nil
}

func decodeFileReferences(field string, raw any) ([]FileReference, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, nil
	}

	refs := make([]FileReference, 0, len(list))
	for i, item := range list {
		location := fmt.Sprintf("%s[%d]", field, i)
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, NewValidationError("", location, "must be a mapping", ErrInvalidYAML)
		}
		d := &decoder{field: location}
		ref := FileReference{
			Source: d.str(entry, "source"),
			Target: d.str(entry, "target"),
			UID:    d.str(entry, "uid"),
			GID:    d.str(entry, "gid"),
			Mode:   d.str(entry, "mode"),
		}
		if err := d.err(); err != nil {
			return nil, err
		}
		if ref.Source == "" {
			return nil, NewValidationError("", location, "source is required", ErrInvalidYAML)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// =============================================================================
// Resource Decoding
// =============================================================================

func decodeNetwork(name string, raw any) (*Network, error) {
	network := &Network{Name: name}
	entry, ok := raw.(map[string]any)
	if !ok {
		return network, nil
	}

	d := &decoder{field: "networks." + name}
	if v := d.str(entry, "name"); v != "" {
		network.Name = v
	}
	network.Driver = d.str(entry, "driver")
	network.External = d.boolean(entry, "external")
	network.Internal = d.boolean(entry, "internal")
	network.Attachable = d.boolean(entry, "attachable")
	network.EnableIPv6 = d.boolean(entry, "enable_ipv6")
	network.DriverOpts = d.stringMap(entry, "driver_opts")
	network.Labels = d.stringMap(entry, "labels")

	if ipam, ok := entry["ipam"].(map[string]any); ok {
		i := &decoder{field: d.field + ".ipam"}
		network.IPAM = &IPAM{Driver: i.str(ipam, "driver")}
		if pools, ok := ipam["config"].([]any); ok {
			for _, p := range pools {
				pool, _ := p.(map[string]any)
				network.IPAM.Config = append(network.IPAM.Config, IPAMPool{
					Subnet:  i.str(pool, "subnet"),
					IPRange: i.str(pool, "ip_range"),
					Gateway: i.str(pool, "gateway"),
				})
			}
		}
		if err := i.err(); err != nil {
			return nil, err
		}
	}

	if err := d.err(); err != nil {
		return nil, err
	}
	return network, nil
}

func decodeVolume(name string, raw any) (*Volume, error) {
	volume := &Volume{Name: name}
	entry, ok := raw.(map[string]any)
	if !ok {
		return volume, nil
	}

	d := &decoder{field: "volumes." + name}
	if v := d.str(entry, "name"); v != "" {
		volume.Name = v
	}
	volume.Driver = d.str(entry, "driver")
	volume.External = d.boolean(entry, "external")
	volume.DriverOpts = d.stringMap(entry, "driver_opts")
	volume.Labels = d.stringMap(entry, "labels")
	if err := d.err(); err != nil {
		return nil, err
	}
	return volume, nil
}

func decodeSecret(field, name string, raw any) (*Secret, error) {
	secret := &Secret{Name: name}
	entry, ok := raw.(map[string]any)
	if !ok {
		return secret, nil
	}

	d := &decoder{field: field}
	if v := d.str(entry, "name"); v != "" {
		secret.Name = v
	}
	secret.File = d.str(entry, "file")
	secret.Environment = d.str(entry, "environment")
	secret.External = d.boolean(entry, "external")
	if err := d.err(); err != nil {
		return nil, err
	}
	return secret, nil
}

// =============================================================================
// Project Validation
// =============================================================================

func validateProject(p *Project) error {
	for _, name := range p.ServiceNames() {
		s := p.Services[name]
		field := "services." + name

		if s.Image == "" && s.Build == nil {
			return NewValidationError("", field, "one of image or build is required", ErrServiceNoImage)
		}
		if s.NetworkMode == "host" && len(s.Ports) > 0 {
			return NewValidationError("", field, "cannot publish ports with network_mode host", ErrHostModePorts)
		}
	}

	for name, network := range p.Networks {
		if network.External && (network.Driver != "" || network.Internal || network.Attachable ||
			len(network.DriverOpts) > 0 || len(network.Labels) > 0 || network.IPAM != nil) {
			return NewValidationError("", "networks."+name, "external network must only set name", ErrExternalAttributes)
		}
	}
	for name, volume := range p.Volumes {
		if volume.External && (volume.Driver != "" || len(volume.DriverOpts) > 0 || len(volume.Labels) > 0) {
			return NewValidationError("", "volumes."+name, "external volume must only set name", ErrExternalAttributes)
		}
	}
	for name, secret := range p.Secrets {
		if secret.External && (secret.File != "" || secret.Environment != "") {
			return NewValidationError("", "secrets."+name, "external secret must only set name", ErrExternalAttributes)
		}
	}
	return nil
}

// =============================================================================
// Leaf Converters
// =============================================================================

// decoder accumulates the first conversion error for a group of fields so
// call sites stay flat.
type decoder struct {
	field   string
	failure error
}

func (d *decoder) err() error { return d.failure }

func (d *decoder) fail(key, reason string) {
	if d.failure == nil {
		d.failure = NewValidationError("", d.field+"."+key, reason, ErrInvalidYAML)
	}
}

func (d *decoder) str(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail(key, fmt.Sprintf("expected string, got %T", v))
		return ""
	}
	return s
}

func (d *decoder) boolean(m map[string]any, key string) bool {
	s := d.str(m, key)
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		d.fail(key, "invalid boolean "+s)
		return false
	}
	return v
}

func (d *decoder) integer(m map[string]any, key string) int64 {
	s := d.str(m, key)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		d.fail(key, "invalid integer "+s)
		return 0
	}
	return v
}

func (d *decoder) float(m map[string]any, key string) float64 {
	s := d.str(m, key)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		d.fail(key, "invalid number "+s)
		return 0
	}
	return v
}

func (d *decoder) duration(m map[string]any, key string) time.Duration {
	s := d.str(m, key)
	if s == "" {
		return 0
	}
	// A bare number is seconds.
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		d.fail(key, "invalid duration "+s)
		return 0
	}
	return v
}

// bytes parses memory sizes with optional b/k/m/g suffixes.
func (d *decoder) bytes(m map[string]any, key string) int64 {
	s := d.str(m, key)
	if s == "" {
		return 0
	}

	multiplier := int64(1)
	suffix := strings.ToLower(s[len(s)-1:])
	switch suffix {
	case "b":
		s = s[:len(s)-1]
	case "k":
		multiplier = 1 << 10
		s = s[:len(s)-1]
	case "m":
		multiplier = 1 << 20
		s = s[:len(s)-1]
	case "g":
		multiplier = 1 << 30
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		d.fail(key, "invalid size "+d.str(m, key))
		return 0
	}
	return v * multiplier
}

func (d *decoder) strings(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		d.fail(key, fmt.Sprintf("expected list, got %T", v))
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, _ := item.(string)
		out = append(out, s)
	}
	return out
}

func (d *decoder) stringMap(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	entries, ok := v.(map[string]any)
	if !ok {
		d.fail(key, fmt.Sprintf("expected mapping, got %T", v))
		return nil
	}
	out := make(map[string]string, len(entries))
	for k, item := range entries {
		s, _ := item.(string)
		out[k] = s
	}
	return out
}

func (d *decoder) stringPtrMap(m map[string]any, key string) map[string]*string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	entries, ok := v.(map[string]any)
	if !ok {
		d.fail(key, fmt.Sprintf("expected mapping, got %T", v))
		return nil
	}
	out := make(map[string]*string, len(entries))
	for k, item := range entries {
		if item == nil {
			out[k] = nil
			continue
		}
		s, _ := item.(string)
		value := s
		out[k] = &value
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
