package executor

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for executor containers.
	DefaultNamespace = "hive"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// workspaceMount is where the request's working directory appears
	// inside the container.
	workspaceMount = "/workspace"
)

// ContainerBackend runs commands inside one-shot containerd containers
// with the working directory bind-mounted read-write.
type ContainerBackend struct {
	client    *containerd.Client
	namespace string
	image     string
}

// NewContainerBackend connects to containerd. A connection failure is not
// fatal to the caller; the backend simply reports unavailable and the tier
// chain falls through.
func NewContainerBackend(socketPath, image string) (*ContainerBackend, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerBackend{
		client:    client,
		namespace: DefaultNamespace,
		image:     image,
	}, nil
}

// Close closes the containerd client connection.
func (b *ContainerBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *ContainerBackend) Name() string { return "container" }

// Available reports whether containerd is reachable and the executor image
// is present locally. Image pulls are an install-time concern.
func (b *ContainerBackend) Available() bool {
	if b.client == nil || b.image == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	_, err := b.client.GetImage(ctx, b.image)
	return err == nil
}

// PullImage fetches the executor image; used by slave bootstrap.
func (b *ContainerBackend) PullImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	if _, err := b.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (b *ContainerBackend) Run(ctx context.Context, command, workdir string, timeout time.Duration) *types.ExecuteResult {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	// Cleanup must run even when the request context is gone.
	cleanupCtx := namespaces.WithNamespace(context.Background(), b.namespace)
	logger := log.WithComponent("executor")

	fail := func(err error) *types.ExecuteResult {
		return &types.ExecuteResult{
			Success:  false,
			Method:   b.Name(),
			ExitCode: -1,
			Stderr:   err.Error(),
		}
	}

	image, err := b.client.GetImage(ctx, b.image)
	if err != nil {
		return fail(fmt.Errorf("failed to get image %s: %w", b.image, err))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("sh", "-c", command),
		oci.WithProcessCwd(workspaceMount),
		// Tasks expect network access for clones and package installs.
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
	}
	if workdir != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{
			{
				Source:      workdir,
				Destination: workspaceMount,
				Type:        "bind",
				Options:     []string{"rw", "rbind"},
			},
		}))
	}

	id := "exec-" + uuid.New().String()
	container, err := b.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fail(fmt.Errorf("failed to create container: %w", err))
	}
	defer func() {
		if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
			logger.Warn().Err(err).Str("container", id).Msg("failed to delete container")
		}
	}()

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return fail(fmt.Errorf("failed to create task: %w", err))
	}
	defer func() {
		if _, err := task.Delete(cleanupCtx); err != nil {
			logger.Warn().Err(err).Str("container", id).Msg("failed to delete task")
		}
	}()

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to wait for task: %w", err))
	}
	if err := task.Start(ctx); err != nil {
		return fail(fmt.Errorf("failed to start task: %w", err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-exitCh:
		code := int(status.ExitCode())
		return &types.ExecuteResult{
			Success:  code == 0,
			Method:   b.Name(),
			ExitCode: code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := task.Kill(cleanupCtx, syscall.SIGKILL); err != nil {
		logger.Warn().Err(err).Str("container", id).Msg("failed to kill timed-out task")
	}
	<-exitCh
	return timeoutResult(b.Name(), timeout)
}
