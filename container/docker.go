package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultBinary is the engine CLI used for attached sessions.
const DefaultBinary = "docker"

// Docker implements Engine with the Docker SDK for management calls and the
// docker CLI for attached sessions, so that the CLI proxies signals and exit
// codes of the sandboxed process.
type Docker struct {
	client *client.Client
	binary string
}

// DockerOption configures a Docker engine.
type DockerOption func(*Docker)

// WithBinary sets the CLI used for attached sessions.
func WithBinary(name string) DockerOption {
	return func(d *Docker) {
		d.binary = name
	}
}

// NewDocker connects to the Docker daemon. It fails with ErrDaemonUnavailable
// when no daemon answers.
func NewDocker(ctx context.Context, opts ...DockerOption) (*Docker, error) {
	d := &Docker{binary: DefaultBinary}
	for _, opt := range opts {
		opt(d)
	}

	cli, err := createDockerClient(ctx)
	if err != nil {
		return nil, err
	}
	d.client = cli
	return d, nil
}

// pingTimeout bounds each daemon probe in createDockerClient.
const pingTimeout = 2 * time.Second

// createDockerClient connects to the first daemon that answers a ping:
// DOCKER_HOST and friends first, then the usual socket locations of Docker
// Desktop on macOS, Linux and Colima.
func createDockerClient(ctx context.Context) (*client.Client, error) {
	home := os.Getenv("HOME")
	hosts := []client.Opt{
		client.FromEnv,
		client.WithHost("unix://" + home + "/.docker/run/docker.sock"),
		client.WithHost("unix:///var/run/docker.sock"),
		client.WithHost("unix://" + home + "/.colima/docker.sock"),
	}
	for _, host := range hosts {
		if cli, ok := dialDocker(ctx, host); ok {
			return cli, nil
		}
	}
	return nil, fmt.Errorf("%w: could not connect to Docker daemon (tried DOCKER_HOST and default sockets)", ErrDaemonUnavailable)
}

// dialDocker builds a client for host and keeps it only if the daemon answers.
func dialDocker(ctx context.Context, host client.Opt) (*client.Client, bool) {
	cli, err := client.NewClientWithOpts(host, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, false
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, false
	}
	return cli, true
}

// ImageExists reports whether ref is present locally.
func (d *Docker) ImageExists(ctx context.Context, ref string) bool {
	_, _, err := d.client.ImageInspectWithRaw(ctx, ref)
	return err == nil
}

// PullImage pulls ref and consumes the progress stream until it completes.
func (d *Docker) PullImage(ctx context.Context, ref string) error {
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Errors reported mid-stream only surface through the JSON messages.
	return jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil)
}

// BuildImage builds opts.Tag from a local context directory.
func (d *Docker) BuildImage(ctx context.Context, opts BuildOptions) error {
	buildCtx, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context %s: %w", opts.ContextDir, err)
	}
	defer buildCtx.Close()

	labels := map[string]string{LabelManagedBy: ManagedByValue}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  opts.Dockerfile,
		Labels:      labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil)
}

// ImageTags lists the local tags for repository.
func (d *Docker) ImageTags(ctx context.Context, repository string) ([]string, error) {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", repository)),
	})
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, img := range images {
		for _, t := range img.RepoTags {
			if strings.HasPrefix(t, repository+":") {
				tags = append(tags, t)
			}
		}
	}
	return tags, nil
}

// RemoveImage removes tag. The engine only untags when other tags still
// reference the same content.
func (d *Docker) RemoveImage(ctx context.Context, tag string) error {
	_, err := d.client.ImageRemove(ctx, tag, image.RemoveOptions{PruneChildren: true})
	return err
}

// PruneImages removes dangling images.
func (d *Docker) PruneImages(ctx context.Context) error {
	_, err := d.client.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	return err
}

// InspectContainer returns the state of the named container.
func (d *Docker) InspectContainer(ctx context.Context, name string) (State, error) {
	info, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return State{}, nil
		}
		return State{}, err
	}

	st := State{Exists: true}
	if info.State != nil {
		st.Running = info.State.Running
	}
	if info.Config != nil {
		st.Image = info.Config.Image
	}
	return st, nil
}

// RemoveContainer force-removes the named container.
func (d *Docker) RemoveContainer(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// EnsureNetwork creates the network if it doesn't exist. The network is a
// plain bridge with NAT; egress filtering depends on the sandbox honouring
// its proxy variables.
func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return err
	}

	// The name filter matches substrings.
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}

	_, err = d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
		},
	})
	if errdefs.IsConflict(err) {
		// Another invocation created it between list and create.
		return nil
	}
	return err
}

// StartContainer creates and starts a detached container.
func (d *Docker) StartContainer(ctx context.Context, p RunParams) error {
	cfg, hostCfg, err := p.configs()
	if err != nil {
		return err
	}
	if cfg.Labels == nil {
		cfg.Labels = map[string]string{}
	}
	cfg.Labels[LabelManagedBy] = ManagedByValue

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, p.Name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", p.Name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", p.Name, err)
	}
	return nil
}

// ExecProbe runs cmd in the named container and returns its exit code.
func (d *Docker) ExecProbe(ctx context.Context, name string, cmd []string) (int, error) {
	execResp, err := d.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	if _, err := stdcopy.StdCopy(io.Discard, io.Discard, attachResp.Reader); err != nil {
		return -1, fmt.Errorf("read exec output: %w", err)
	}

	inspectResp, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec: %w", err)
	}
	return inspectResp.ExitCode, nil
}

// Command prepares an attached "docker run" for p. Environment values reach
// the CLI through its process environment only.
func (d *Docker) Command(p RunParams) (*exec.Cmd, error) {
	args, err := p.Args()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(d.binary, args...)
	cmd.Env = append(os.Environ(), p.Environ()...)
	return cmd, nil
}

// Close closes the Docker client.
func (d *Docker) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
