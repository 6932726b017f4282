package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultsValidate(t *testing.T) {
	r := require.New(t)

	cfg := Default()
	cfg.applyDerived()

	r.NoError(cfg.Validate())
	r.Equal(DriverDocker, cfg.Driver.Kind)
	r.Equal(ConnectModeAuto, cfg.Driver.Docker.ConnectMode)
	r.True(cfg.GC.Tasks.IdleSessions)
	r.NotEmpty(cfg.GC.InstanceID)
	r.Equal(filepath.Join("/var/lib/bay", "profiles"), cfg.Server.ProfileDir)
	r.Equal(filepath.Join("/var/lib/bay", "bay.db"), cfg.Server.DatabasePath())
}

func TestLoadFileKeepsUnsetDefaults(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "bay.toml")
	doc := `
[server]
data_path = "/tmp/baytest"

[driver]
kind = "k8s"

[driver.k8s]
namespace = "sandboxes"
kubeconfig = "/root/.kube/config"

[gc]
interval_seconds = 1

[gc.tasks]
orphan_containers = false
`
	r.NoError(os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path, discard())
	r.NoError(err)

	r.Equal("/tmp/baytest", cfg.Server.DataPath)
	r.Equal(filepath.Join("/tmp/baytest", "profiles"), cfg.Server.ProfileDir)
	r.Equal(DriverK8s, cfg.Driver.Kind)
	r.Equal("sandboxes", cfg.Driver.K8s.Namespace)
	r.Equal("1Gi", cfg.Driver.K8s.DefaultStorageSize)
	r.Equal(1, cfg.GC.IntervalSeconds)

	// Absent keys keep their defaults, including true booleans.
	r.False(cfg.GC.Tasks.OrphanContainers)
	r.True(cfg.GC.Tasks.IdleSessions)
	r.Equal("127.0.0.1:8100", cfg.Server.Listen)
}

func TestEnvOverridesFile(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "bay.toml")
	r.NoError(os.WriteFile(path, []byte("[gc]\ninstance_id = \"from-file\"\n"), 0o644))

	t.Setenv("BAY_GC_INSTANCE_ID", "from-env")
	t.Setenv("BAY_DOCKER_CONNECT_MODE", "host_port")
	t.Setenv("BAY_DOCKER_PUBLISH_PORTS", "true")
	t.Setenv("BAY_K8S_IMAGE_PULL_SECRETS", "regcred, backup-cred")

	cfg, err := Load(path, discard())
	r.NoError(err)

	r.Equal("from-env", cfg.GC.InstanceID)
	r.Equal(ConnectModeHostPort, cfg.Driver.Docker.ConnectMode)
	r.True(cfg.Driver.Docker.PublishPorts)
	r.Equal([]string{"regcred", "backup-cred"}, cfg.Driver.K8s.ImagePullSecrets)
}

func TestLoadRejectsBadValues(t *testing.T) {
	r := require.New(t)

	t.Setenv("BAY_GC_INTERVAL_SECONDS", "zero")
	_, err := Load("", discard())
	r.Error(err)

	t.Setenv("BAY_GC_INTERVAL_SECONDS", "")
	t.Setenv("BAY_DRIVER_KIND", "podman")
	_, err = Load("", discard())
	r.Error(err)
}

func TestExplicitMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/bay.toml", discard())
	require.Error(t, err)
}
