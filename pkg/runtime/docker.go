package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/lattice-edge/fairshare/pkg/log"
	"github.com/lattice-edge/fairshare/pkg/metrics"
	"github.com/lattice-edge/fairshare/pkg/types"
)

// image is the fixed container image every job runs; it bundles a
// shell daemon so the scheduler can provision SSH access after launch.
const image = "alpine_ssh"

// DockerAdapter implements Adapter against the local Docker Engine.
type DockerAdapter struct {
	mu  sync.Mutex
	cli *client.Client
}

// NewDockerAdapter connects to the Docker daemon using the standard
// environment-derived configuration (DOCKER_HOST, TLS variables, etc).
func NewDockerAdapter() (*DockerAdapter, error) {
	cli, err := newClient()
	if err != nil {
		return nil, err
	}
	return &DockerAdapter{cli: cli}, nil
}

func newClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// rebuild discards the current client handle and opens a fresh one.
// Called after any runtime-API error before a retry attempt.
func (d *DockerAdapter) rebuild() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cli, err := newClient()
	if err != nil {
		return fmt.Errorf("rebuild docker client: %w", err)
	}
	if d.cli != nil {
		_ = d.cli.Close()
	}
	d.cli = cli
	return nil
}

// Rebuild discards the current client handle and opens a fresh one. It
// is exported so a caller retrying a failed Run can force a new handle
// between attempts.
func (d *DockerAdapter) Rebuild() error {
	return d.rebuild()
}

func (d *DockerAdapter) client() *client.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cli
}

// withRetry runs fn against the current client handle; on error it
// rebuilds the handle and retries once, matching the idempotent-call
// retry policy.
func withRetry(d *DockerAdapter, op string, fn func(*client.Client) error) error {
	err := fn(d.client())
	if err == nil {
		return nil
	}

	log.WithComponent("runtime").Warn().Str("call", op).Err(err).Msg("call failed, rebuilding client and retrying")
	metrics.RuntimeRetriesTotal.WithLabelValues(op).Inc()

	if rebuildErr := d.rebuild(); rebuildErr != nil {
		return rebuildErr
	}
	retryErr := fn(d.client())
	if retryErr != nil {
		metrics.RuntimeErrorsTotal.WithLabelValues(op).Inc()
	}
	return retryErr
}

func (d *DockerAdapter) List(ctx context.Context) ([]types.RunningContainer, error) {
	var result []types.RunningContainer
	err := withRetry(d, "List", func(cli *client.Client) error {
		containers, err := cli.ContainerList(ctx, container.ListOptions{})
		if err != nil {
			return err
		}
		result = make([]types.RunningContainer, 0, len(containers))
		for _, c := range containers {
			result = append(result, types.RunningContainer{
				ID:           c.ID,
				Name:         containerName(c.Names),
				CreatedAt:    time.Unix(c.Created, 0),
				PortBindings: portBindingsFromSummary(c.Ports),
			})
		}
		return nil
	})
	return result, err
}

func (d *DockerAdapter) Inspect(ctx context.Context, id string) (*types.RunningContainer, error) {
	var result *types.RunningContainer
	err := withRetry(d, "Inspect", func(cli *client.Client) error {
		info, err := cli.ContainerInspect(ctx, id)
		if err != nil {
			return err
		}
		created, _ := time.Parse(time.RFC3339Nano, info.Created)
		bindings := make(types.PortMap)
		if info.NetworkSettings != nil {
			for containerPort, bound := range info.NetworkSettings.Ports {
				if len(bound) == 0 {
					continue
				}
				hostPort, err := strconv.Atoi(bound[0].HostPort)
				if err != nil {
					continue
				}
				bindings[containerPort.Port()] = hostPort
			}
		}
		result = &types.RunningContainer{
			ID:           info.ID,
			Name:         info.Name,
			CreatedAt:    created,
			PortBindings: bindings,
		}
		return nil
	})
	return result, err
}

func (d *DockerAdapter) Stats(ctx context.Context, id string) (*types.ContainerStats, error) {
	var result *types.ContainerStats
	err := withRetry(d, "Stats", func(cli *client.Client) error {
		resp, err := cli.ContainerStatsOneShot(ctx, id)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var stats container.StatsResponse
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return err
		}
		result = &types.ContainerStats{
			CPUTotalUsage:  stats.CPUStats.CPUUsage.TotalUsage,
			SystemCPUUsage: stats.CPUStats.SystemUsage,
		}
		return nil
	})
	return result, err
}

// Run is intentionally not retried internally: the scheduler owns the
// rebuild-then-retry, then re-allocate-ports-and-retry ladder described
// for dispatch, calling Rebuild itself between attempts.
func (d *DockerAdapter) Run(ctx context.Context, name string, cpuPeriod, cpuQuota int64, memBytes int64, ports types.PortMap) (string, error) {
	cli := d.client()

	exposedPorts, bindings := toDockerPorts(ports)

	cfg := &container.Config{
		Image:        image,
		ExposedPorts: exposedPorts,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:  "bridge",
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:    memBytes,
			CPUPeriod: cpuPeriod,
			CPUQuota:  cpuQuota,
		},
	}

	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", &RuntimeError{Op: "Run.Create", Err: err}
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", &RuntimeError{Op: "Run.Start", Err: err}
	}

	return created.ID, nil
}

func (d *DockerAdapter) Exec(ctx context.Context, id string, command []string) error {
	cli := d.client()

	execID, err := cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	if _, err := io.Copy(io.Discard, resp.Reader); err != nil {
		return fmt.Errorf("exec drain: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("exec %v exited %d", command, inspect.ExitCode)
	}
	return nil
}

func (d *DockerAdapter) PutArchive(ctx context.Context, id, destPath string, tarData io.Reader) error {
	cli := d.client()
	return cli.CopyToContainer(ctx, id, destPath, tarData, container.CopyToContainerOptions{})
}

func (d *DockerAdapter) Stop(ctx context.Context, id string) error {
	return withRetry(d, "Stop", func(cli *client.Client) error {
		return cli.ContainerStop(ctx, id, container.StopOptions{})
	})
}

func (d *DockerAdapter) Remove(ctx context.Context, id string) error {
	return withRetry(d, "Remove", func(cli *client.Client) error {
		return cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	})
}

func (d *DockerAdapter) PruneStopped(ctx context.Context) error {
	return withRetry(d, "PruneStopped", func(cli *client.Client) error {
		_, err := cli.ContainersPrune(ctx, filters.NewArgs())
		return err
	})
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func portBindingsFromSummary(ports []container.Port) types.PortMap {
	bindings := make(types.PortMap, len(ports))
	for _, p := range ports {
		if p.PublicPort == 0 {
			continue
		}
		bindings[strconv.Itoa(int(p.PrivatePort))] = int(p.PublicPort)
	}
	return bindings
}

func toDockerPorts(ports types.PortMap) (nat.PortSet, nat.PortMap) {
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))

	for containerPort, hostPort := range ports {
		port := nat.Port(containerPort + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}

	return exposed, bindings
}
