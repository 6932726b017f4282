// Package config holds the bay server configuration: a TOML file
// overridden by BAY_* environment variables, validated before anything
// starts. Defaults are chosen so `bay server` runs against a local
// Docker daemon with no file at all.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"bay.dev/bay/pkg/bytesize"
)

const (
	DriverDocker = "docker"
	DriverK8s    = "k8s"

	ConnectModeContainerNetwork = "container_network"
	ConnectModeHostPort         = "host_port"
	ConnectModeAuto             = "auto"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Driver    DriverConfig    `toml:"driver"`
	GC        GCConfig        `toml:"gc"`
	Events    EventsConfig    `toml:"events"`
	Readiness ReadinessConfig `toml:"readiness"`
}

type ServerConfig struct {
	// Listen is the admin address serving /healthz, /metrics and the
	// GC force endpoint.
	Listen string `toml:"listen" env:"BAY_SERVER_LISTEN"`

	DataPath   string `toml:"data_path" env:"BAY_SERVER_DATA_PATH"`
	ProfileDir string `toml:"profile_dir" env:"BAY_SERVER_PROFILE_DIR"`

	ShutdownTimeout int `toml:"shutdown_timeout" env:"BAY_SERVER_SHUTDOWN_TIMEOUT"` // seconds
}

type DriverConfig struct {
	Kind   string       `toml:"kind" env:"BAY_DRIVER_KIND"`
	Docker DockerConfig `toml:"docker"`
	K8s    K8sConfig    `toml:"k8s"`
}

type DockerConfig struct {
	// Socket overrides the daemon address; empty defers to the
	// standard DOCKER_HOST handling.
	Socket string `toml:"socket" env:"BAY_DOCKER_SOCKET"`

	// Network is the preferred network for endpoint resolution and the
	// default network containers join.
	Network string `toml:"network" env:"BAY_DOCKER_NETWORK"`

	ConnectMode string `toml:"connect_mode" env:"BAY_DOCKER_CONNECT_MODE"`

	// HostAddress replaces wildcard bind addresses when resolving
	// published ports.
	HostAddress string `toml:"host_address" env:"BAY_DOCKER_HOST_ADDRESS"`

	PublishPorts bool `toml:"publish_ports" env:"BAY_DOCKER_PUBLISH_PORTS"`

	// HostPort pins published runtime ports to a fixed host port; zero
	// lets the daemon pick an ephemeral one.
	HostPort int `toml:"host_port" env:"BAY_DOCKER_HOST_PORT"`
}

type K8sConfig struct {
	Namespace string `toml:"namespace" env:"BAY_K8S_NAMESPACE"`

	// Kubeconfig path; empty means in-cluster config.
	Kubeconfig string `toml:"kubeconfig" env:"BAY_K8S_KUBECONFIG"`

	StorageClass       string   `toml:"storage_class" env:"BAY_K8S_STORAGE_CLASS"`
	DefaultStorageSize string   `toml:"default_storage_size" env:"BAY_K8S_DEFAULT_STORAGE_SIZE"`
	ImagePullSecrets   []string `toml:"image_pull_secrets" env:"BAY_K8S_IMAGE_PULL_SECRETS"`

	PodStartupTimeout int `toml:"pod_startup_timeout" env:"BAY_K8S_POD_STARTUP_TIMEOUT"` // seconds

	// LabelPrefix namespaces bay's label keys on Kubernetes objects.
	LabelPrefix string `toml:"label_prefix" env:"BAY_K8S_LABEL_PREFIX"`
}

type GCConfig struct {
	// InstanceID fences this process's resources. Containers labelled
	// with another instance id are never collected here.
	InstanceID string `toml:"instance_id" env:"BAY_GC_INSTANCE_ID"`

	IntervalSeconds       int `toml:"interval_seconds" env:"BAY_GC_INTERVAL_SECONDS"`
	WorkspaceGraceSeconds int `toml:"workspace_grace_seconds" env:"BAY_GC_WORKSPACE_GRACE_SECONDS"`

	Tasks GCTasks `toml:"tasks"`
}

type GCTasks struct {
	IdleSessions     bool `toml:"idle_sessions" env:"BAY_GC_TASK_IDLE_SESSIONS"`
	ExpiredSandboxes bool `toml:"expired_sandboxes" env:"BAY_GC_TASK_EXPIRED_SANDBOXES"`
	OrphanContainers bool `toml:"orphan_containers" env:"BAY_GC_TASK_ORPHAN_CONTAINERS"`
	OrphanWorkspaces bool `toml:"orphan_workspaces" env:"BAY_GC_TASK_ORPHAN_WORKSPACES"`
}

type EventsConfig struct {
	// NATSURL enables lifecycle event publishing when set.
	NATSURL       string `toml:"nats_url" env:"BAY_EVENTS_NATS_URL"`
	SubjectPrefix string `toml:"subject_prefix" env:"BAY_EVENTS_SUBJECT_PREFIX"`
}

type ReadinessConfig struct {
	BudgetSeconds  int `toml:"budget_seconds" env:"BAY_READINESS_BUDGET_SECONDS"`
	InitialDelayMS int `toml:"initial_delay_ms" env:"BAY_READINESS_INITIAL_DELAY_MS"`
	MaxDelayMS     int `toml:"max_delay_ms" env:"BAY_READINESS_MAX_DELAY_MS"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8100",
			DataPath:        "/var/lib/bay",
			ShutdownTimeout: 30,
		},
		Driver: DriverConfig{
			Kind: DriverDocker,
			Docker: DockerConfig{
				Network:     "bridge",
				ConnectMode: ConnectModeAuto,
				HostAddress: "127.0.0.1",
			},
			K8s: K8sConfig{
				Namespace:          "bay",
				DefaultStorageSize: "1Gi",
				PodStartupTimeout:  120,
				LabelPrefix:        "bay.dev/",
			},
		},
		GC: GCConfig{
			IntervalSeconds:       5,
			WorkspaceGraceSeconds: 1800,
			Tasks: GCTasks{
				IdleSessions:     true,
				ExpiredSandboxes: true,
				OrphanContainers: true,
				OrphanWorkspaces: true,
			},
		},
		Events: EventsConfig{
			SubjectPrefix: "bay",
		},
		Readiness: ReadinessConfig{
			BudgetSeconds:  120,
			InitialDelayMS: 500,
			MaxDelayMS:     1000,
		},
	}
}

// applyDerived fills values computed from other values once file and
// env overrides have landed.
func (c *Config) applyDerived() {
	if c.Server.ProfileDir == "" {
		c.Server.ProfileDir = filepath.Join(c.Server.DataPath, "profiles")
	}
	if c.GC.InstanceID == "" {
		c.GC.InstanceID = defaultInstanceID()
	}
}

func defaultInstanceID() string {
	if hn, err := os.Hostname(); err == nil && hn != "" {
		return hn
	}
	return "bay-" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Driver.Validate(); err != nil {
		return err
	}
	if err := c.GC.Validate(); err != nil {
		return err
	}
	return c.Readiness.Validate()
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.DataPath == "" {
		return fmt.Errorf("server.data_path must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %d", c.ShutdownTimeout)
	}
	return nil
}

func (c *DriverConfig) Validate() error {
	switch c.Kind {
	case DriverDocker:
		return c.Docker.Validate()
	case DriverK8s:
		return c.K8s.Validate()
	default:
		return fmt.Errorf("driver.kind must be %q or %q, got %q", DriverDocker, DriverK8s, c.Kind)
	}
}

func (c *DockerConfig) Validate() error {
	switch c.ConnectMode {
	case ConnectModeContainerNetwork, ConnectModeHostPort, ConnectModeAuto:
	default:
		return fmt.Errorf("driver.docker.connect_mode must be one of container_network, host_port, auto; got %q", c.ConnectMode)
	}
	if c.HostPort < 0 || c.HostPort > 65535 {
		return fmt.Errorf("driver.docker.host_port out of range: %d", c.HostPort)
	}
	return nil
}

func (c *K8sConfig) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("driver.k8s.namespace must not be empty")
	}
	if _, err := bytesize.Parse(c.DefaultStorageSize); err != nil {
		return fmt.Errorf("driver.k8s.default_storage_size: %w", err)
	}
	if c.PodStartupTimeout <= 0 {
		return fmt.Errorf("driver.k8s.pod_startup_timeout must be positive, got %d", c.PodStartupTimeout)
	}
	return nil
}

func (c *GCConfig) Validate() error {
	if c.IntervalSeconds <= 0 {
		return fmt.Errorf("gc.interval_seconds must be positive, got %d", c.IntervalSeconds)
	}
	if c.WorkspaceGraceSeconds < 0 {
		return fmt.Errorf("gc.workspace_grace_seconds must not be negative, got %d", c.WorkspaceGraceSeconds)
	}
	return nil
}

func (c *ReadinessConfig) Validate() error {
	if c.BudgetSeconds <= 0 {
		return fmt.Errorf("readiness.budget_seconds must be positive, got %d", c.BudgetSeconds)
	}
	if c.InitialDelayMS <= 0 || c.MaxDelayMS < c.InitialDelayMS {
		return fmt.Errorf("readiness delays invalid: initial %dms, max %dms", c.InitialDelayMS, c.MaxDelayMS)
	}
	return nil
}

func (c *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

func (c *GCConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c *GCConfig) WorkspaceGrace() time.Duration {
	return time.Duration(c.WorkspaceGraceSeconds) * time.Second
}

func (c *K8sConfig) PodStartupTimeoutDuration() time.Duration {
	return time.Duration(c.PodStartupTimeout) * time.Second
}

func (c *ReadinessConfig) Budget() time.Duration {
	return time.Duration(c.BudgetSeconds) * time.Second
}

func (c *ReadinessConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMS) * time.Millisecond
}

func (c *ReadinessConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// DatabasePath is where the embedded store lives under the data path.
func (c *ServerConfig) DatabasePath() string {
	return filepath.Join(c.DataPath, "bay.db")
}
