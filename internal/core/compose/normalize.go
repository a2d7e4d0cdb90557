package compose

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Shape Normalization
// =============================================================================
//
// Every field that accepts both a shorthand and an expanded form is mapped to
// exactly one canonical shape here, before any merge or interpolation logic
// runs. Merge and decode code never inspects raw input shape.

// topLevelKeys are the recognized document roots. Anything else (except x-*
// extensions) is reported as a non-fatal warning and dropped.
var topLevelKeys = map[string]bool{
	"version":  true,
	"name":     true,
	"services": true,
	"networks": true,
	"volumes":  true,
	"secrets":  true,
	"configs":  true,
}

// normalizer carries per-document state for one normalization pass.
type normalizer struct {
	path     string
	warnings []string
}

// Normalize converts a raw document into the canonical untyped tree. The
// returned warnings flag unknown attributes without failing the document.
func Normalize(doc *RawDocument) (map[string]any, []string, error) {
	root := unwrapDocument(doc.Root)
	if root.Kind != yaml.MappingNode {
		return nil, nil, NewValidationError(doc.Path, "", "top level must be a mapping", ErrInvalidYAML)
	}

	n := &normalizer{path: doc.Path}
	out := make(map[string]any)

	err := mappingEntries(root, func(key string, value *yaml.Node) error {
		switch key {
		case "version", "name":
			out[key] = scalarValue(value)
		case "services":
			services, err := n.services(value)
			if err != nil {
				return err
			}
			out[key] = services
		case "networks":
			resources, err := n.resources(key, value, n.network)
			if err != nil {
				return err
			}
			out[key] = resources
		case "volumes":
			resources, err := n.resources(key, value, n.volume)
			if err != nil {
				return err
			}
			out[key] = resources
		case "secrets":
			resources, err := n.resources(key, value, n.secret)
			if err != nil {
				return err
			}
			out[key] = resources
		case "configs":
			resources, err := n.resources(key, value, n.secret)
			if err != nil {
				return err
			}
			out[key] = resources
		default:
			if !strings.HasPrefix(key, "x-") {
				n.warn(key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return out, n.warnings, nil
}

func (n *normalizer) warn(field string) {
	n.warnings = append(n.warnings, fmt.Sprintf("%s: unsupported/unknown attribute %s", n.path, field))
}

func (n *normalizer) errorf(field, reason string, sentinel error) error {
	return NewValidationError(n.path, field, reason, sentinel)
}

// =============================================================================
// Services
// =============================================================================

func (n *normalizer) services(node *yaml.Node) (map[string]any, error) {
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf("services", "must be a mapping", ErrInvalidYAML)
	}

	services := make(map[string]any)
	err := mappingEntries(node, func(name string, value *yaml.Node) error {
		if value.Kind != yaml.MappingNode {
			return n.errorf("services."+name, "must be a mapping", ErrInvalidYAML)
		}
		service, err := n.service(name, value)
		if err != nil {
			return err
		}
		services[name] = service
		return nil
	})
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (n *normalizer) service(name string, node *yaml.Node) (map[string]any, error) {
	field := func(key string) string { return "services." + name + "." + key }
	out := make(map[string]any)

	err := mappingEntries(node, func(key string, value *yaml.Node) error {
		reset := value.Tag == resetTag
		var normalized any
		var err error

		switch key {
		case "image", "container_name", "user", "working_dir", "hostname",
			"network_mode", "restart", "pull_policy", "stop_signal",
			"stop_grace_period", "init", "privileged", "read_only", "scale",
			"cpus", "mem_limit", "mem_reservation", "pids_limit":
			normalized = scalarValue(value)

		case "build":
			normalized, err = n.build(field(key), value)

		case "command", "entrypoint":
			normalized, err = n.shellWords(field(key), value)

		case "depends_on":
			normalized, err = n.dependsOn(field(key), value)

		case "environment":
			normalized, err = n.keyValueMapping(field(key), value, mappingNullValues)

		case "labels":
			normalized, err = n.keyValueMapping(field(key), value, mappingEmptyValues)

		case "sysctls":
			normalized, err = n.keyValueMapping(field(key), value, mappingRequiredValues)

		case "networks":
			normalized, err = n.serviceNetworks(field(key), value)

		case "ports":
			normalized, err = n.ports(field(key), value)

		case "volumes":
			normalized, err = n.volumeMounts(field(key), value)

		case "dns", "dns_search", "tmpfs", "env_file":
			normalized, err = n.oneOrMany(field(key), value)

		case "expose", "cap_add", "cap_drop", "devices", "links",
			"volumes_from", "profiles", "extra_hosts", "security_opt",
			"group_add", "device_cgroup_rules":
			normalized, err = n.scalarList(field(key), value)

		case "secrets", "configs":
			normalized, err = n.fileReferences(field(key), value)

		case "healthcheck":
			normalized, err = n.healthcheck(field(key), value)

		case "deploy":
			normalized, err = n.deploy(field(key), value)

		case "extends":
			return n.errorf(field(key), "extends is not supported", ErrUnsupportedFeature)

		default:
			if !strings.HasPrefix(key, "x-") {
				n.warn(field(key))
			}
			return nil
		}

		if err != nil {
			return err
		}
		if reset {
			normalized = resetValue{value: normalized}
		}
		out[key] = normalized
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Per-Field Normalizers
// =============================================================================

func (n *normalizer) build(field string, node *yaml.Node) (map[string]any, error) {
	// Short form: a bare string is the build context.
	if node.Kind == yaml.ScalarNode {
		return map[string]any{"context": node.Value}, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(field, "must be a string or a mapping", ErrInvalidYAML)
	}

	out := make(map[string]any)
	err := mappingEntries(node, func(key string, value *yaml.Node) error {
		switch key {
		case "context", "dockerfile", "target":
			out[key] = scalarValue(value)
		case "args":
			args, err := n.keyValueMapping(field+".args", value, mappingNullValues)
			if err != nil {
				return err
			}
			out[key] = args
		case "labels":
			labels, err := n.keyValueMapping(field+".labels", value, mappingEmptyValues)
			if err != nil {
				return err
			}
			out[key] = labels
		default:
			n.warn(field + "." + key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// shellWords normalizes command/entrypoint: a bare string is split on
// whitespace, a sequence is taken element-wise.
func (n *normalizer) shellWords(field string, node *yaml.Node) ([]any, error) {
	if node.Kind == yaml.ScalarNode {
		words := strings.Fields(node.Value)
		out := make([]any, len(words))
		for i, w := range words {
			out[i] = w
		}
		return out, nil
	}
	return n.scalarList(field, node)
}

func (n *normalizer) dependsOn(field string, node *yaml.Node) (map[string]any, error) {
	out := make(map[string]any)

	// Short form: a list of service names, all gated on service_started.
	if node.Kind == yaml.SequenceNode {
		for _, item := range node.Content {
			out[item.Value] = map[string]any{"condition": string(ConditionStarted)}
		}
		return out, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(field, "must be a list or a mapping", ErrInvalidYAML)
	}

	err := mappingEntries(node, func(name string, value *yaml.Node) error {
		entry := map[string]any{"condition": string(ConditionStarted)}
		if value.Kind == yaml.MappingNode {
			if err := mappingEntries(value, func(key string, v *yaml.Node) error {
				if key == "condition" {
					entry["condition"] = scalarValue(v)
				} else {
					n.warn(field + "." + name + "." + key)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		out[name] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mappingStyle selects how list entries without '=' are treated.
type mappingStyle int

const (
	mappingNullValues     mappingStyle = iota // "KEY" alone maps to nil
	mappingEmptyValues                        // "KEY" alone maps to ""
	mappingRequiredValues                     // "KEY" alone is an error
)

// keyValueMapping normalizes fields accepting both ["K=V", ...] and {K: V}
// forms (environment, labels, sysctls, build args).
func (n *normalizer) keyValueMapping(field string, node *yaml.Node, style mappingStyle) (map[string]any, error) {
	out := make(map[string]any)

	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			key, value, ok := splitKeyValue(item.Value)
			switch {
			case ok:
				out[key] = value
			case style == mappingNullValues:
				out[key] = nil
			case style == mappingEmptyValues:
				out[key] = ""
			default:
				return nil, n.errorf(field, "value not defined for "+key, ErrInvalidYAML)
			}
		}
	case yaml.MappingNode:
		err := mappingEntries(node, func(key string, value *yaml.Node) error {
			v := scalarValue(value)
			if v == nil && style != mappingNullValues {
				v = ""
			}
			out[key] = v
			return nil
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, n.errorf(field, "must be a list or a mapping", ErrInvalidYAML)
	}
	return out, nil
}

func (n *normalizer) serviceNetworks(field string, node *yaml.Node) (map[string]any, error) {
	out := make(map[string]any)

	// Short form: a list of network names.
	if node.Kind == yaml.SequenceNode {
		for _, item := range node.Content {
			out[item.Value] = nil
		}
		return out, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(field, "must be a list or a mapping", ErrInvalidYAML)
	}

	err := mappingEntries(node, func(name string, value *yaml.Node) error {
		if value.Kind != yaml.MappingNode {
			out[name] = nil
			return nil
		}
		attachment := make(map[string]any)
		if err := mappingEntries(value, func(key string, v *yaml.Node) error {
			switch key {
			case "aliases", "link_local_ips":
				list, err := n.scalarList(field+"."+name+"."+key, v)
				if err != nil {
					return err
				}
				attachment[key] = list
			case "ipv4_address", "ipv6_address", "priority":
				attachment[key] = scalarValue(v)
			default:
				n.warn(field + "." + name + "." + key)
			}
			return nil
		}); err != nil {
			return err
		}
		out[name] = attachment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *normalizer) ports(field string, node *yaml.Node) ([]any, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, n.errorf(field, "must be a list", ErrInvalidYAML)
	}

	out := make([]any, 0, len(node.Content))
	for i, item := range node.Content {
		location := fmt.Sprintf("%s[%d]", field, i)
		switch item.Kind {
		case yaml.ScalarNode:
			port, err := n.portShorthand(location, item.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, port)
		case yaml.MappingNode:
			port := make(map[string]any)
			if err := mappingEntries(item, func(key string, v *yaml.Node) error {
				switch key {
				case "target", "published", "host_ip", "protocol":
					port[key] = scalarValue(v)
				default:
					n.warn(location + "." + key)
				}
				return nil
			}); err != nil {
				return nil, err
			}
			out = append(out, port)
		default:
			return nil, n.errorf(location, "must be a scalar or a mapping", ErrServiceInvalidPort)
		}
	}
	return out, nil
}

// portShorthand expands "[host_ip:][published:]target[/protocol]" into the
// canonical mapping shape.
func (n *normalizer) portShorthand(field, s string) (map[string]any, error) {
	parts := splitOutsideBraces(s, ':')
	if len(parts) > 3 {
		return nil, n.errorf(field, "too many colons in "+s, ErrServiceInvalidPort)
	}

	out := make(map[string]any)
	container := parts[len(parts)-1]
	if i := strings.IndexByte(container, '/'); i >= 0 {
		out["protocol"] = container[i+1:]
		container = container[:i]
	}
	out["target"] = container

	if len(parts) >= 2 {
		if published := parts[len(parts)-2]; published != "" {
			out["published"] = published
		}
	}
	if len(parts) == 3 {
		out["host_ip"] = parts[0]
	}
	return out, nil
}

func (n *normalizer) volumeMounts(field string, node *yaml.Node) ([]any, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, n.errorf(field, "must be a list", ErrInvalidYAML)
	}

	out := make([]any, 0, len(node.Content))
	for i, item := range node.Content {
		location := fmt.Sprintf("%s[%d]", field, i)
		switch item.Kind {
		case yaml.ScalarNode:
			mount, err := n.volumeShorthand(location, item.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, mount)
		case yaml.MappingNode:
			mount := make(map[string]any)
			if err := mappingEntries(item, func(key string, v *yaml.Node) error {
				switch key {
				case "type", "source", "target", "read_only":
					mount[key] = scalarValue(v)
				case "bind", "volume", "tmpfs":
					sub := make(map[string]any)
					if err := mappingEntries(v, func(k string, vv *yaml.Node) error {
						sub[k] = scalarValue(vv)
						return nil
					}); err != nil {
						return err
					}
					mount[key] = sub
				default:
					n.warn(location + "." + key)
				}
				return nil
			}); err != nil {
				return nil, err
			}
			out = append(out, mount)
		default:
			return nil, n.errorf(location, "must be a scalar or a mapping", ErrInvalidYAML)
		}
	}
	return out, nil
}

// volumeShorthand expands "[source:]target[:options]" into the canonical
// mapping shape, inferring bind mounts from path-like sources.
func (n *normalizer) volumeShorthand(field, s string) (map[string]any, error) {
	parts := splitOutsideBraces(s, ':')

	mount := map[string]any{"type": string(VolumeMountTypeVolume)}
	var options string

	switch len(parts) {
	case 1:
		mount["target"] = parts[0]
	case 2:
		if strings.HasPrefix(parts[1], "/") {
			mount["source"] = parts[0]
			mount["target"] = parts[1]
		} else {
			mount["target"] = parts[0]
			options = parts[1]
		}
	case 3:
		mount["source"] = parts[0]
		mount["target"] = parts[1]
		options = parts[2]
	default:
		return nil, n.errorf(field, "too many colons in "+s, ErrInvalidYAML)
	}

	if source, ok := mount["source"].(string); ok {
		if strings.HasPrefix(source, "/") || strings.HasPrefix(source, ".") || strings.HasPrefix(source, "~") {
			mount["type"] = string(VolumeMountTypeBind)
		}
	}

	for _, option := range strings.Split(options, ",") {
		switch option {
		case "rw":
			mount["read_only"] = "false"
		case "ro":
			mount["read_only"] = "true"
		case "shared", "rshared", "slave", "rslave", "private", "rprivate", "unbindable", "runbindable":
			bind, _ := mount["bind"].(map[string]any)
			if bind == nil {
				bind = make(map[string]any)
			}
			bind["propagation"] = option
			mount["bind"] = bind
		case "z", "Z":
			bind, _ := mount["bind"].(map[string]any)
			if bind == nil {
				bind = make(map[string]any)
			}
			bind["selinux"] = option
			mount["bind"] = bind
		case "copy", "nocopy":
			mount["volume"] = map[string]any{"nocopy": fmt.Sprint(option == "nocopy")}
		case "":
		default:
			n.warn(field + ": mount option " + option)
		}
	}
	return mount, nil
}

// oneOrMany normalizes fields accepting either one scalar or a list of them.
func (n *normalizer) oneOrMany(field string, node *yaml.Node) ([]any, error) {
	if node.Kind == yaml.ScalarNode {
		return []any{node.Value}, nil
	}
	return n.scalarList(field, node)
}

func (n *normalizer) scalarList(field string, node *yaml.Node) ([]any, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, n.errorf(field, "must be a list", ErrInvalidYAML)
	}
	out := make([]any, 0, len(node.Content))
	for _, item := range node.Content {
		out = append(out, scalarValue(item))
	}
	return out, nil
}

func (n *normalizer) fileReferences(field string, node *yaml.Node) ([]any, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, n.errorf(field, "must be a list", ErrInvalidYAML)
	}

	out := make([]any, 0, len(node.Content))
	for i, item := range node.Content {
		location := fmt.Sprintf("%s[%d]", field, i)
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, map[string]any{"source": item.Value})
		case yaml.MappingNode:
			ref := make(map[string]any)
			if err := mappingEntries(item, func(key string, v *yaml.Node) error {
				switch key {
				case "source", "target", "uid", "gid", "mode":
					ref[key] = scalarValue(v)
				default:
					n.warn(location + "." + key)
				}
				return nil
			}); err != nil {
				return nil, err
			}
			out = append(out, ref)
		default:
			return nil, n.errorf(location, "must be a scalar or a mapping", ErrInvalidYAML)
		}
	}
	return out, nil
}

func (n *normalizer) healthcheck(field string, node *yaml.Node) (map[string]any, error) {
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(field, "must be a mapping", ErrInvalidYAML)
	}

	out := make(map[string]any)
	err := mappingEntries(node, func(key string, value *yaml.Node) error {
		switch key {
		case "test":
			// A bare string runs through the shell.
			if value.Kind == yaml.ScalarNode {
				out[key] = []any{"CMD-SHELL", value.Value}
				return nil
			}
			list, err := n.scalarList(field+".test", value)
			if err != nil {
				return err
			}
			out[key] = list
		case "interval", "timeout", "start_period", "retries", "disable":
			out[key] = scalarValue(value)
		default:
			n.warn(field + "." + key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *normalizer) deploy(field string, node *yaml.Node) (map[string]any, error) {
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(field, "must be a mapping", ErrInvalidYAML)
	}

	out := make(map[string]any)
	err := mappingEntries(node, func(key string, value *yaml.Node) error {
		switch key {
		case "replicas":
			out[key] = scalarValue(value)
		case "resources":
			resources := make(map[string]any)
			if err := mappingEntries(value, func(kind string, v *yaml.Node) error {
				if kind != "limits" && kind != "reservations" {
					n.warn(field + ".resources." + kind)
					return nil
				}
				entry := make(map[string]any)
				if err := mappingEntries(v, func(k string, vv *yaml.Node) error {
					switch k {
					case "cpus", "memory", "pids":
						entry[k] = scalarValue(vv)
					default:
						n.warn(field + ".resources." + kind + "." + k)
					}
					return nil
				}); err != nil {
					return err
				}
				resources[kind] = entry
				return nil
			}); err != nil {
				return err
			}
			out[key] = resources
		default:
			n.warn(field + "." + key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Top-Level Resources
// =============================================================================

func (n *normalizer) resources(section string, node *yaml.Node, normalize func(field string, node *yaml.Node) (any, error)) (map[string]any, error) {
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(section, "must be a mapping", ErrInvalidYAML)
	}

	out := make(map[string]any)
	err := mappingEntries(node, func(name string, value *yaml.Node) error {
		if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
			out[name] = nil
			return nil
		}
		resource, err := normalize(section+"."+name, value)
		if err != nil {
			return err
		}
		out[name] = resource
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *normalizer) network(field string, node *yaml.Node) (any, error) {
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(field, "must be a mapping", ErrInvalidYAML)
	}

	out := make(map[string]any)
	err := mappingEntries(node, func(key string, value *yaml.Node) error {
		switch key {
		case "name", "driver", "external", "internal", "attachable", "enable_ipv6":
			out[key] = scalarValue(value)
		case "driver_opts":
			opts, err := n.keyValueMapping(field+".driver_opts", value, mappingEmptyValues)
			if err != nil {
				return err
			}
			out[key] = opts
		case "labels":
			labels, err := n.keyValueMapping(field+".labels", value, mappingEmptyValues)
			if err != nil {
				return err
			}
			out[key] = labels
		case "ipam":
			ipam := make(map[string]any)
			if err := mappingEntries(value, func(k string, v *yaml.Node) error {
				switch k {
				case "driver":
					ipam[k] = scalarValue(v)
				case "config":
					pools := make([]any, 0, len(v.Content))
					for _, pool := range v.Content {
						entry := make(map[string]any)
						if err := mappingEntries(pool, func(pk string, pv *yaml.Node) error {
							entry[pk] = scalarValue(pv)
							return nil
						}); err != nil {
							return err
						}
						pools = append(pools, entry)
					}
					ipam[k] = pools
				default:
					n.warn(field + ".ipam." + k)
				}
				return nil
			}); err != nil {
				return err
			}
			out[key] = ipam
		default:
			n.warn(field + "." + key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *normalizer) volume(field string, node *yaml.Node) (any, error) {
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(field, "must be a mapping", ErrInvalidYAML)
	}

	out := make(map[string]any)
	err := mappingEntries(node, func(key string, value *yaml.Node) error {
		switch key {
		case "name", "driver", "external":
			out[key] = scalarValue(value)
		case "driver_opts":
			opts, err := n.keyValueMapping(field+".driver_opts", value, mappingEmptyValues)
			if err != nil {
				return err
			}
			out[key] = opts
		case "labels":
			labels, err := n.keyValueMapping(field+".labels", value, mappingEmptyValues)
			if err != nil {
				return err
			}
			out[key] = labels
		default:
			n.warn(field + "." + key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *normalizer) secret(field string, node *yaml.Node) (any, error) {
	if node.Kind != yaml.MappingNode {
		return nil, n.errorf(field, "must be a mapping", ErrInvalidYAML)
	}

	out := make(map[string]any)
	err := mappingEntries(node, func(key string, value *yaml.Node) error {
		switch key {
		case "name", "file", "environment", "external":
			out[key] = scalarValue(value)
		default:
			n.warn(field + "." + key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
