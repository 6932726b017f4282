package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Load builds the configuration with precedence: environment variables
// over config file over defaults. An explicit path that does not exist
// is an error; otherwise the standard locations are tried and silently
// skipped when absent.
func Load(path string, log *slog.Logger) (*Config, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg := Default()

	filePath := findConfigFile(path)
	if filePath != "" {
		log.Info("loading config file", "path", filePath)
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshalling over the defaulted struct leaves absent keys at
		// their defaults, which keeps enabled-by-default booleans sane.
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filePath, err)
		}
	} else if path != "" {
		return nil, fmt.Errorf("config file not found: %s", path)
	} else {
		log.Debug("no config file found, using defaults")
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	for _, p := range []string{"/etc/bay/bay.toml", "bay.toml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) error {
	if err := applyServerEnv(&cfg.Server); err != nil {
		return err
	}
	if err := applyDriverEnv(&cfg.Driver); err != nil {
		return err
	}
	if err := applyGCEnv(&cfg.GC); err != nil {
		return err
	}
	if err := applyEventsEnv(&cfg.Events); err != nil {
		return err
	}
	return applyReadinessEnv(&cfg.Readiness)
}

func applyServerEnv(cfg *ServerConfig) error {
	setString(&cfg.Listen, "BAY_SERVER_LISTEN")
	setString(&cfg.DataPath, "BAY_SERVER_DATA_PATH")
	setString(&cfg.ProfileDir, "BAY_SERVER_PROFILE_DIR")
	return setInt(&cfg.ShutdownTimeout, "BAY_SERVER_SHUTDOWN_TIMEOUT")
}

func applyDriverEnv(cfg *DriverConfig) error {
	setString(&cfg.Kind, "BAY_DRIVER_KIND")

	setString(&cfg.Docker.Socket, "BAY_DOCKER_SOCKET")
	setString(&cfg.Docker.Network, "BAY_DOCKER_NETWORK")
	setString(&cfg.Docker.ConnectMode, "BAY_DOCKER_CONNECT_MODE")
	setString(&cfg.Docker.HostAddress, "BAY_DOCKER_HOST_ADDRESS")
	if err := setBool(&cfg.Docker.PublishPorts, "BAY_DOCKER_PUBLISH_PORTS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Docker.HostPort, "BAY_DOCKER_HOST_PORT"); err != nil {
		return err
	}

	setString(&cfg.K8s.Namespace, "BAY_K8S_NAMESPACE")
	setString(&cfg.K8s.Kubeconfig, "BAY_K8S_KUBECONFIG")
	setString(&cfg.K8s.StorageClass, "BAY_K8S_STORAGE_CLASS")
	setString(&cfg.K8s.DefaultStorageSize, "BAY_K8S_DEFAULT_STORAGE_SIZE")
	setStrings(&cfg.K8s.ImagePullSecrets, "BAY_K8S_IMAGE_PULL_SECRETS")
	setString(&cfg.K8s.LabelPrefix, "BAY_K8S_LABEL_PREFIX")
	return setInt(&cfg.K8s.PodStartupTimeout, "BAY_K8S_POD_STARTUP_TIMEOUT")
}

func applyGCEnv(cfg *GCConfig) error {
	setString(&cfg.InstanceID, "BAY_GC_INSTANCE_ID")
	if err := setInt(&cfg.IntervalSeconds, "BAY_GC_INTERVAL_SECONDS"); err != nil {
		return err
	}
	if err := setInt(&cfg.WorkspaceGraceSeconds, "BAY_GC_WORKSPACE_GRACE_SECONDS"); err != nil {
		return err
	}

	if err := setBool(&cfg.Tasks.IdleSessions, "BAY_GC_TASK_IDLE_SESSIONS"); err != nil {
		return err
	}
	if err := setBool(&cfg.Tasks.ExpiredSandboxes, "BAY_GC_TASK_EXPIRED_SANDBOXES"); err != nil {
		return err
	}
	if err := setBool(&cfg.Tasks.OrphanContainers, "BAY_GC_TASK_ORPHAN_CONTAINERS"); err != nil {
		return err
	}
	return setBool(&cfg.Tasks.OrphanWorkspaces, "BAY_GC_TASK_ORPHAN_WORKSPACES")
}

func applyEventsEnv(cfg *EventsConfig) error {
	setString(&cfg.NATSURL, "BAY_EVENTS_NATS_URL")
	setString(&cfg.SubjectPrefix, "BAY_EVENTS_SUBJECT_PREFIX")
	return nil
}

func applyReadinessEnv(cfg *ReadinessConfig) error {
	if err := setInt(&cfg.BudgetSeconds, "BAY_READINESS_BUDGET_SECONDS"); err != nil {
		return err
	}
	if err := setInt(&cfg.InitialDelayMS, "BAY_READINESS_INITIAL_DELAY_MS"); err != nil {
		return err
	}
	return setInt(&cfg.MaxDelayMS, "BAY_READINESS_MAX_DELAY_MS")
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setStrings(dst *[]string, key string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid integer value for %s: %s", key, val)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("invalid boolean value for %s: %s", key, val)
	}
	*dst = b
	return nil
}
