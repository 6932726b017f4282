// Package dockerdriver runs sandbox containers against a Docker
// daemon. One container per runtime, one named volume per cargo, one
// bridge network per multi-container session.
package dockerdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"bay.dev/bay/config"
	"bay.dev/bay/driver"
	"bay.dev/bay/pkg/multierror"
)

// DefaultPidsLimit caps a runtime's process count when the spec does
// not say otherwise.
const DefaultPidsLimit = 256

const stopTimeoutSeconds = 10

type Driver struct {
	Log *slog.Logger

	cli *client.Client
	cfg config.DockerConfig
}

var _ driver.Driver = (*Driver)(nil)

func New(cfg config.DockerConfig, log *slog.Logger) (*Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Socket != "" {
		opts = append(opts, client.WithHost(cfg.Socket))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}

	return &Driver{
		Log: log.With("module", "driver", "driver", "docker"),
		cli: cli,
		cfg: cfg,
	}, nil
}

func (d *Driver) Kind() string { return "docker" }

func (d *Driver) Create(ctx context.Context, spec driver.InstanceSpec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", spec.RuntimePort))

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	pids := spec.PidsLimit
	if pids == 0 {
		pids = DefaultPidsLimit
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:  int64(spec.CPUs * 1e9),
			Memory:    spec.MemoryBytes,
			PidsLimit: &pids,
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.VolumeRef,
			Target: driver.WorkspacePath,
		}},
	}
	if d.publishPorts() {
		hostPort := ""
		if d.cfg.HostPort != 0 {
			hostPort = strconv.Itoa(d.cfg.HostPort)
		}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostPort: hostPort}},
		}
	}

	netName := spec.Network
	if netName == "" {
		netName = d.cfg.Network
	}
	endpoint := &dockernetwork.EndpointSettings{}
	if spec.ContainerName != "" {
		// DNS alias so session peers reach each other by spec name.
		endpoint.Aliases = []string{spec.ContainerName}
	}
	netCfg := &dockernetwork.NetworkingConfig{
		EndpointsConfig: map[string]*dockernetwork.EndpointSettings{
			netName: endpoint,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", errors.Wrapf(err, "creating container %s", spec.Name)
	}
	d.Log.Debug("container created", "id", resp.ID, "name", spec.Name, "image", spec.Image)
	return resp.ID, nil
}

// ensureImage pulls the image only when the daemon does not have it,
// so warm starts skip the registry round trip.
func (d *Driver) ensureImage(ctx context.Context, ref string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return errors.Wrapf(err, "inspecting image %s", ref)
	}

	d.Log.Info("pulling image", "image", ref)
	rd, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pulling image %s", ref)
	}
	defer rd.Close()
	if _, err := io.Copy(io.Discard, rd); err != nil {
		return errors.Wrapf(err, "pulling image %s", ref)
	}
	return nil
}

func (d *Driver) Start(ctx context.Context, id string, runtimePort int) (string, error) {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("starting %s: %w", id, driver.ErrNotFound)
		}
		return "", errors.Wrapf(err, "starting container %s", id)
	}
	return d.resolveEndpoint(ctx, id, runtimePort)
}

// resolveEndpoint builds a URL this process can reach the container
// on. Mode container_network prefers the container's network IP (bay
// itself running in a container on the same network); host_port uses
// the published binding (bay on the host); auto tries both in that
// order. The container name is the last resort.
func (d *Driver) resolveEndpoint(ctx context.Context, id string, runtimePort int) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", errors.Wrapf(err, "inspecting container %s", id)
	}

	mode := d.cfg.ConnectMode

	if mode == config.ConnectModeContainerNetwork || mode == config.ConnectModeAuto {
		if ip := networkIP(inspect.NetworkSettings, d.cfg.Network); ip != "" {
			return fmt.Sprintf("http://%s:%d", ip, runtimePort), nil
		}
	}

	if mode == config.ConnectModeHostPort || mode == config.ConnectModeAuto {
		port := nat.Port(fmt.Sprintf("%d/tcp", runtimePort))
		if bindings := inspect.NetworkSettings.Ports[port]; len(bindings) > 0 {
			b := bindings[0]
			host := b.HostIP
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = d.cfg.HostAddress
			}
			return fmt.Sprintf("http://%s:%s", host, b.HostPort), nil
		}
	}

	name := strings.TrimPrefix(inspect.Name, "/")
	d.Log.Warn("endpoint resolution fell back to container name",
		"container_id", id, "name", name, "mode", mode)
	return fmt.Sprintf("http://%s:%d", name, runtimePort), nil
}

func networkIP(settings *types.NetworkSettings, preferred string) string {
	if settings == nil {
		return ""
	}
	if ep, ok := settings.Networks[preferred]; ok && ep.IPAddress != "" {
		return ep.IPAddress
	}
	for _, ep := range settings.Networks {
		if ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

func (d *Driver) publishPorts() bool {
	return d.cfg.PublishPorts ||
		d.cfg.ConnectMode == config.ConnectModeHostPort ||
		d.cfg.ConnectMode == config.ConnectModeAuto
}

func (d *Driver) Stop(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if errdefs.IsNotFound(err) {
		d.Log.Warn("stop of missing container ignored", "container_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

func (d *Driver) Destroy(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		d.Log.Warn("remove of missing container ignored", "container_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

func (d *Driver) Status(ctx context.Context, id string, runtimePort int) (driver.InstanceStatus, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if errdefs.IsNotFound(err) {
		return driver.InstanceStatus{State: driver.StateNotFound}, nil
	}
	if err != nil {
		return driver.InstanceStatus{}, fmt.Errorf("inspecting container %s: %w", id, err)
	}

	st := driver.InstanceStatus{State: mapState(inspect.State.Status)}
	if st.State == driver.StateExited {
		code := inspect.State.ExitCode
		st.ExitCode = &code
	}
	if st.State == driver.StateRunning && runtimePort > 0 {
		if ep, err := d.resolveEndpoint(ctx, id, runtimePort); err == nil {
			st.Endpoint = ep
		}
	}
	return st, nil
}

func mapState(status string) driver.State {
	switch status {
	case "created":
		return driver.StateCreated
	case "running", "paused", "restarting":
		return driver.StateRunning
	case "removing":
		return driver.StateRemoving
	case "exited", "dead":
		return driver.StateExited
	default:
		return driver.StateExited
	}
}

func (d *Driver) Logs(ctx context.Context, id string, tail int) (string, error) {
	rd, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if errdefs.IsNotFound(err) {
		return "", fmt.Errorf("logs for %s: %w", id, driver.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("logs for %s: %w", id, err)
	}
	defer rd.Close()

	// The stream is multiplexed unless the container runs a TTY.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rd); err != nil {
		buf.Reset()
		if _, err := io.Copy(&buf, rd); err != nil {
			return "", fmt.Errorf("reading logs for %s: %w", id, err)
		}
	}
	return buf.String(), nil
}

func (d *Driver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	vol, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return "", errors.Wrapf(err, "creating volume %s", name)
	}
	return vol.Name, nil
}

func (d *Driver) DeleteVolume(ctx context.Context, name string) error {
	err := d.cli.VolumeRemove(ctx, name, true)
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("volume %s: %w", name, driver.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

func (d *Driver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.VolumeInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting volume %s: %w", name, err)
	}
	return true, nil
}

func (d *Driver) ListInstances(ctx context.Context, labels map[string]string) ([]driver.Instance, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	out := make([]driver.Instance, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, driver.Instance{
			ID:        c.ID,
			Name:      name,
			State:     mapState(c.State),
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

func (d *Driver) CreateSessionNetwork(ctx context.Context, sessionID string, labels map[string]string) (string, error) {
	name := driver.SessionNetworkName(sessionID)
	_, err := d.cli.NetworkCreate(ctx, name, dockernetwork.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if errdefs.IsConflict(err) {
		// A crashed earlier attempt left it behind; reuse it.
		d.Log.Warn("session network already exists, reusing", "network", name)
		return name, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "creating network %s", name)
	}
	return name, nil
}

func (d *Driver) RemoveSessionNetwork(ctx context.Context, sessionID string) error {
	name := driver.SessionNetworkName(sessionID)
	err := d.cli.NetworkRemove(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing network %s: %w", name, err)
	}
	return nil
}

func (d *Driver) CreateMulti(ctx context.Context, specs []driver.InstanceSpec) ([]driver.MultiInfo, error) {
	infos := make([]driver.MultiInfo, 0, len(specs))
	for _, spec := range specs {
		id, err := d.Create(ctx, spec)
		if err != nil {
			d.rollbackCreated(ctx, infos)
			return nil, err
		}
		infos = append(infos, driver.MultiInfo{
			Name:        spec.ContainerName,
			ID:          id,
			RuntimePort: spec.RuntimePort,
		})
	}
	return infos, nil
}

func (d *Driver) rollbackCreated(ctx context.Context, infos []driver.MultiInfo) {
	for _, in := range infos {
		if err := d.Destroy(ctx, in.ID); err != nil {
			d.Log.Warn("rollback destroy failed", "container_id", in.ID, "error", err)
		}
	}
}

func (d *Driver) StartMulti(ctx context.Context, infos []driver.MultiInfo) ([]driver.MultiInfo, error) {
	out := make([]driver.MultiInfo, len(infos))

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range infos {
		g.Go(func() error {
			ep, err := d.Start(gctx, in.ID, in.RuntimePort)
			if err != nil {
				return err
			}
			in.Endpoint = ep
			out[i] = in
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Driver) StopMulti(ctx context.Context, infos []driver.MultiInfo) error {
	var all error
	for _, in := range infos {
		all = multierror.Append(all, d.Stop(ctx, in.ID))
	}
	return all
}

func (d *Driver) DestroyMulti(ctx context.Context, infos []driver.MultiInfo) error {
	var all error
	for _, in := range infos {
		all = multierror.Append(all, d.Destroy(ctx, in.ID))
	}
	return all
}

func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) Close() error {
	return d.cli.Close()
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
