package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/ChamsBouzaiene/forge/internal/logging"
)

const (
	defaultServeImage = "nginx:alpine"
	servePort         = nat.Port("80/tcp")
	containerPrefix   = "forge-"
)

// DockerConfig configures DockerDeployer.
type DockerConfig struct {
	Image    string `mapstructure:"image"`     // static file server, nginx:alpine by default
	Memory   string `mapstructure:"memory"`    // e.g. "128m"
	CPU      string `mapstructure:"cpu"`       // e.g. "0.5"
	HostIP   string `mapstructure:"host_ip"`   // bind address, 127.0.0.1 by default
	PublicIP string `mapstructure:"public_ip"` // host in returned URLs, HostIP by default
}

// DockerDeployer writes a project's files to a host directory and serves
// them read-only from a static file server container, one per project.
type DockerDeployer struct {
	client *client.Client
	files  *DirDeployer
	cfg    DockerConfig
	log    *slog.Logger
}

// NewDockerDeployer connects to the Docker daemon from the environment.
// Files are staged under root.
func NewDockerDeployer(root string, cfg DockerConfig, logger *slog.Logger) (*DockerDeployer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon not accessible: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = defaultServeImage
	}
	if cfg.HostIP == "" {
		cfg.HostIP = "127.0.0.1"
	}
	if cfg.PublicIP == "" {
		cfg.PublicIP = cfg.HostIP
	}
	return &DockerDeployer{
		client: cli,
		files:  NewDirDeployer(root, ""),
		cfg:    cfg,
		log:    logging.OrDiscard(logger),
	}, nil
}

func (d *DockerDeployer) Deploy(ctx context.Context, projectName string, artifacts []Artifact) (Deployment, error) {
	slug := Slug(projectName)
	dir, err := d.files.write(ctx, slug, artifacts)
	if err != nil {
		return Deployment{}, err
	}
	if err := d.ensureImage(ctx, d.cfg.Image); err != nil {
		return Deployment{}, fmt.Errorf("failed to ensure image %s: %w", d.cfg.Image, err)
	}

	name := containerPrefix + slug
	// redeploys replace the previous container
	if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !isNotFound(err) {
		return Deployment{}, fmt.Errorf("failed to remove previous container: %w", err)
	}

	resources, err := containerResources(d.cfg)
	if err != nil {
		return Deployment{}, err
	}
	cfg := &container.Config{
		Image:        d.cfg.Image,
		ExposedPorts: nat.PortSet{servePort: struct{}{}},
		Labels:       map[string]string{"forge.project": slug},
	}
	host := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   dir,
			Target:   "/usr/share/nginx/html",
			ReadOnly: true,
		}},
		PortBindings:  nat.PortMap{servePort: []nat.PortBinding{{HostIP: d.cfg.HostIP}}},
		Resources:     resources,
		SecurityOpt:   []string{"no-new-privileges"},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	created, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return Deployment{}, fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		d.cleanup(created.ID)
		return Deployment{}, fmt.Errorf("failed to start container: %w", err)
	}

	info, err := d.client.ContainerInspect(ctx, created.ID)
	if err != nil {
		d.cleanup(created.ID)
		return Deployment{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	var hostPort string
	if info.NetworkSettings != nil {
		if b := info.NetworkSettings.Ports[servePort]; len(b) > 0 {
			hostPort = b[0].HostPort
		}
	}
	if hostPort == "" {
		d.cleanup(created.ID)
		return Deployment{}, errors.New("container started without a published port")
	}

	url := fmt.Sprintf("http://%s:%s/", d.cfg.PublicIP, hostPort)
	d.log.Info("project deployed", "project", slug, "container", created.ID[:12], "url", url)
	return Deployment{ID: created.ID, URL: url}, nil
}

func (d *DockerDeployer) cleanup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// ensureImage pulls imageName unless it is present locally.
func (d *DockerDeployer) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	// the pull only completes once its progress stream is drained
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Close releases the Docker client.
func (d *DockerDeployer) Close() error { return d.client.Close() }

func containerResources(cfg DockerConfig) (container.Resources, error) {
	res := container.Resources{
		Ulimits: []*units.Ulimit{{Name: "nofile", Soft: 1024, Hard: 1024}},
	}
	if cfg.Memory != "" {
		mem, err := units.RAMInBytes(cfg.Memory)
		if err != nil {
			return res, fmt.Errorf("invalid deploy memory limit %q: %w", cfg.Memory, err)
		}
		res.Memory = mem
	}
	if cfg.CPU != "" {
		cpu, err := strconv.ParseFloat(strings.TrimSpace(cfg.CPU), 64)
		if err != nil || cpu <= 0 {
			return res, fmt.Errorf("invalid deploy cpu limit %q", cfg.CPU)
		}
		res.NanoCPUs = int64(cpu * 1e9)
	}
	return res, nil
}

func isNotFound(err error) bool {
	return client.IsErrNotFound(err) || strings.Contains(strings.ToLower(err.Error()), "no such container")
}
