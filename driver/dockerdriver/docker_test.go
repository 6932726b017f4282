package dockerdriver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/docker/docker/api/types"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"

	"bay.dev/bay/config"
	"bay.dev/bay/driver"
)

func testDriver(cfg config.DockerConfig) *Driver {
	return &Driver{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg: cfg,
	}
}

func TestMapState(t *testing.T) {
	assert.Equal(t, driver.StateCreated, mapState("created"))
	assert.Equal(t, driver.StateRunning, mapState("running"))
	assert.Equal(t, driver.StateRunning, mapState("paused"))
	assert.Equal(t, driver.StateRemoving, mapState("removing"))
	assert.Equal(t, driver.StateExited, mapState("exited"))
	assert.Equal(t, driver.StateExited, mapState("dead"))
}

func TestNetworkIPPrefersConfiguredNetwork(t *testing.T) {
	settings := &types.NetworkSettings{
		Networks: map[string]*dockernetwork.EndpointSettings{
			"bridge":  {IPAddress: "172.17.0.2"},
			"bay_net": {IPAddress: "10.1.0.5"},
		},
	}

	assert.Equal(t, "10.1.0.5", networkIP(settings, "bay_net"))
	assert.Equal(t, "172.17.0.2", networkIP(settings, "bridge"))
}

func TestNetworkIPFallsBackToAnyAttached(t *testing.T) {
	settings := &types.NetworkSettings{
		Networks: map[string]*dockernetwork.EndpointSettings{
			"other": {IPAddress: "172.18.0.9"},
		},
	}

	assert.Equal(t, "172.18.0.9", networkIP(settings, "missing"))
	assert.Equal(t, "", networkIP(&types.NetworkSettings{}, "missing"))
	assert.Equal(t, "", networkIP(nil, "missing"))
}

func TestPublishPortsFollowsConnectMode(t *testing.T) {
	assert.True(t, testDriver(config.DockerConfig{ConnectMode: config.ConnectModeAuto}).publishPorts())
	assert.True(t, testDriver(config.DockerConfig{ConnectMode: config.ConnectModeHostPort}).publishPorts())
	assert.False(t, testDriver(config.DockerConfig{ConnectMode: config.ConnectModeContainerNetwork}).publishPorts())
	assert.True(t, testDriver(config.DockerConfig{
		ConnectMode:  config.ConnectModeContainerNetwork,
		PublishPorts: true,
	}).publishPorts())
}

func TestEnvList(t *testing.T) {
	out := envList(map[string]string{"A": "1", "B": "2"})
	assert.ElementsMatch(t, []string{"A=1", "B=2"}, out)
	assert.Empty(t, envList(nil))
}
