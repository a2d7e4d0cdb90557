package compose

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Raw Documents
// =============================================================================

// RawDocument is one parsed but not yet normalized compose document, tagged
// with its source path for error reporting. Immutable once parsed.
type RawDocument struct {
	Path string
	Root *yaml.Node
}

// ParseDocument parses YAML content into a RawDocument.
func ParseDocument(path string, content []byte) (*RawDocument, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return nil, NewValidationError(path, "", err.Error(), ErrInvalidYAML)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, NewValidationError(path, "", "document is empty", ErrEmptyInput)
	}
	return &RawDocument{Path: path, Root: &root}, nil
}

// =============================================================================
// Project - Canonical Model
// =============================================================================

// Project is the fully merged, shape-normalized representation of all input
// documents. Downstream stages read it through the dependency graph and never
// mutate it.
type Project struct {
	Name     string
	Services map[string]*Service
	Networks map[string]*Network
	Volumes  map[string]*Volume
	Secrets  map[string]*Secret
	Configs  map[string]*Config
}

// ServiceNames returns the declared service names in sorted order.
func (p *Project) ServiceNames() []string {
	names := make([]string, 0, len(p.Services))
	for name := range p.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Service Types
// =============================================================================

// Service is a single resolved service definition.
type Service struct {
	Name            string
	Image           string
	Build           *Build
	Command         []string
	Entrypoint      []string
	ContainerName   string
	User            string
	WorkingDir      string
	Hostname        string
	NetworkMode     string
	Init            bool
	Privileged      bool
	ReadOnly        bool
	StopSignal      string
	StopGracePeriod time.Duration
	Environment     map[string]*string // nil value: pass through from host
	Labels          map[string]string
	Sysctls         map[string]string
	ExtraHosts      []string
	DNS             []string
	Tmpfs           []string
	CapAdd          []string
	CapDrop         []string
	Devices         []string
	Expose          []string
	Ports           []Port
	Volumes         []VolumeMount
	VolumesFrom     []string
	Networks        map[string]*ServiceNetwork
	Links           []string
	DependsOn       map[string]Dependency
	Restart         string
	PullPolicy      string
	Healthcheck     *Healthcheck
	Profiles        []string
	Secrets         []FileReference
	Configs         []FileReference
	Resources       Resources
}

// Build is the build configuration for a service.
type Build struct {
	Context    string
	Dockerfile string
	Args       map[string]*string
	Target     string
	Labels     map[string]string
}

// Condition is the readiness state a dependency must reach before its
// dependents are dispatched.
type Condition string

const (
	ConditionStarted               Condition = "service_started"
	ConditionHealthy               Condition = "service_healthy"
	ConditionCompletedSuccessfully Condition = "service_completed_successfully"
)

// Stricter reports whether c gates more strictly than other. The order is
// completed_successfully > healthy > started.
func (c Condition) Stricter(other Condition) bool {
	return c.rank() > other.rank()
}

func (c Condition) rank() int {
	switch c {
	case ConditionCompletedSuccessfully:
		return 2
	case ConditionHealthy:
		return 1
	default:
		return 0
	}
}

// Dependency is one depends_on entry.
type Dependency struct {
	Condition Condition
}

// Port is a normalized port mapping.
type Port struct {
	Target    int
	Published int // 0 = dynamic
	HostIP    string
	Protocol  string // "tcp" when unset
}

// VolumeMountType is the kind of a service volume mount.
type VolumeMountType string

const (
	VolumeMountTypeVolume VolumeMountType = "volume"
	VolumeMountTypeBind   VolumeMountType = "bind"
	VolumeMountTypeTmpfs  VolumeMountType = "tmpfs"
)

// VolumeMount is a normalized service volume attachment.
type VolumeMount struct {
	Type        VolumeMountType
	Source      string // volume name or host path, empty for anonymous/tmpfs
	Target      string
	ReadOnly    bool
	Propagation string
	SELinux     string
	NoCopy      bool
}

// ServiceNetwork carries per-service network attachment options.
type ServiceNetwork struct {
	Aliases     []string
	IPv4Address string
	IPv6Address string
	Priority    int
}

// Healthcheck is the container health probe configuration.
type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
	Disable     bool
}

// FileReference attaches a secret or config to a service.
type FileReference struct {
	Source string
	Target string
	UID    string
	GID    string
	Mode   string
}

// Resources holds per-service resource limits and reservations.
type Resources struct {
	CPULimit          float64
	CPUReservation    float64
	MemoryLimit       int64 // bytes
	MemoryReservation int64 // bytes
	PidsLimit         int64
}

// =============================================================================
// Network / Volume / Secret / Config Types
// =============================================================================

// Network is a top-level network declaration.
type Network struct {
	Name       string
	Driver     string
	DriverOpts map[string]string
	External   bool
	Internal   bool
	Attachable bool
	EnableIPv6 bool
	Labels     map[string]string
	IPAM       *IPAM
}

// IPAM is IP address management configuration for a network.
type IPAM struct {
	Driver string
	Config []IPAMPool
}

// IPAMPool is one address pool inside an IPAM block.
type IPAMPool struct {
	Subnet  string
	IPRange string
	Gateway string
}

// Volume is a top-level named volume declaration.
type Volume struct {
	Name       string
	Driver     string
	DriverOpts map[string]string
	External   bool
	Labels     map[string]string
}

// Secret is a top-level secret declaration.
type Secret struct {
	Name        string
	File        string
	Environment string
	External    bool
}

// Config is a top-level config declaration.
type Config struct {
	Name     string
	File     string
	External bool
}
