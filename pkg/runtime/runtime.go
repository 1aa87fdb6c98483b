package runtime

import (
	"context"
	"io"

	"github.com/lattice-edge/fairshare/pkg/types"
)

// Adapter is a thin, retry-aware facade over the container runtime. All
// jobs run the fixed alpine_ssh image under a bridged network with
// explicit host-port bindings; CPU and memory ceilings are expressed as
// CFS period/quota and a byte limit respectively.
type Adapter interface {
	// List returns the containers that are currently running; exited
	// containers are not included.
	List(ctx context.Context) ([]types.RunningContainer, error)

	// Inspect returns a container's details, including its current
	// host-port bindings.
	Inspect(ctx context.Context, id string) (*types.RunningContainer, error)

	// Stats takes a single, non-streaming CPU usage sample.
	Stats(ctx context.Context, id string) (*types.ContainerStats, error)

	// Run starts a new container named name with the given CPU/memory
	// ceilings and host-port bindings. A runtime-side failure returns a
	// RuntimeError rather than a Go error carrying no container id, so
	// the caller can decide whether to retry.
	Run(ctx context.Context, name string, cpuPeriod, cpuQuota int64, memBytes int64, ports types.PortMap) (string, error)

	// Exec runs command inside container id and blocks until it exits.
	Exec(ctx context.Context, id string, command []string) error

	// PutArchive extracts a tar archive into destPath inside container
	// id.
	PutArchive(ctx context.Context, id, destPath string, tarData io.Reader) error

	// Stop stops a running container. Stopping a container that has
	// already exited is not an error.
	Stop(ctx context.Context, id string) error

	// Remove deletes a container, forcing removal if it is still
	// running. Removing one that no longer exists returns the runtime's
	// not-found error.
	Remove(ctx context.Context, id string) error

	// PruneStopped removes every stopped container the runtime is
	// holding onto.
	PruneStopped(ctx context.Context) error

	// Rebuild discards the current runtime client handle and opens a
	// fresh one. Run does not retry internally, so a caller retrying a
	// failed Run must call Rebuild itself between attempts to give the
	// retry a chance at recovering from a transport-level error.
	Rebuild() error
}

// RuntimeError wraps a failure the caller may choose to retry against,
// as opposed to a programming error.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return "runtime: " + e.Op + ": " + e.Err.Error()
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}
