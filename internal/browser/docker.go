package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

const devtoolsPort = "3000/tcp"

// DockerLauncher runs every attempt's browser in its own browserless/chrome
// container and connects to it over the DevTools protocol.
type DockerLauncher struct {
	client *client.Client
	opts   Options
	logger *zap.Logger
	http   *http.Client
}

// NewDockerLauncher connects to the Docker daemon from the environment.
func NewDockerLauncher(opts Options, logger *zap.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerLauncher{
		client: cli,
		opts:   opts,
		logger: logger,
		http:   &http.Client{Timeout: 2 * time.Second},
	}, nil
}

// Launch starts a container, waits for its DevTools endpoint and opens a tab.
func (d *DockerLauncher) Launch(ctx context.Context, attemptID string) (Session, error) {
	env := dockerEnv(d.opts)

	containerConfig := &container.Config{
		Image: d.opts.DockerImage,
		Labels: map[string]string{
			"request-id": attemptID,
			"managed-by": "sessionbroker",
		},
		Env: env,
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		AutoRemove: false,
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(attemptID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	stopContainer := func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return d.stop(stopCtx, resp.ID)
	}

	port, err := d.start(ctx, resp.ID)
	if err != nil {
		if stopErr := stopContainer(); stopErr != nil {
			d.logger.Warn("Failed to remove container after failed start",
				zap.String("request_id", attemptID), zap.Error(stopErr))
		}
		return nil, err
	}

	wsURL := fmt.Sprintf("ws://127.0.0.1:%s", port)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL)

	s, err := newChromeSession(allocCtx, wsURL, func() error {
		allocCancel()
		if err := stopContainer(); err != nil {
			return err
		}
		d.logger.Debug("Browser container removed", zap.String("request_id", attemptID))
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("Browser container started",
		zap.String("request_id", attemptID), zap.String("container_id", resp.ID[:12]))
	return s, nil
}

// start boots the container and returns the host port of its DevTools
// endpoint once it answers.
func (d *DockerLauncher) start(ctx context.Context, containerID string) (string, error) {
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		return "", fmt.Errorf("container exposes no devtools port")
	}
	port := bindings[0].HostPort

	if err := d.waitForBrowserReady(ctx, port); err != nil {
		return "", fmt.Errorf("browser failed to become ready: %w", err)
	}
	return port, nil
}

func (d *DockerLauncher) stop(ctx context.Context, containerID string) error {
	timeout := 5
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the browser image unless it is already present.
func (d *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.opts.DockerImage {
				return nil
			}
		}
	}

	d.logger.Info("Pulling browser image", zap.String("image", d.opts.DockerImage))
	reader, err := d.client.ImagePull(ctx, d.opts.DockerImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client.
func (d *DockerLauncher) Close() error {
	return d.client.Close()
}

// waitForBrowserReady polls the /json/version endpoint until it answers 200.
func (d *DockerLauncher) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := d.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func containerName(attemptID string) string {
	id := attemptID
	if len(id) > 12 {
		id = id[:12]
	}
	return "sessionbroker-" + sanitize(id)
}

// sanitize keeps the characters Docker accepts in container names.
func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

// dockerEnv passes the same browser settings a local launch uses into the
// container, as the image's DEFAULT_HEADLESS and DEFAULT_LAUNCH_ARGS.
func dockerEnv(opts Options) []string {
	var args []string
	for name, value := range launchFlags(opts) {
		if name == "headless" {
			continue
		}
		switch v := value.(type) {
		case bool:
			if v {
				args = append(args, "--"+name)
			}
		case string:
			args = append(args, "--"+name+"="+v)
		}
	}
	sort.Strings(args)
	encoded, _ := json.Marshal(args)

	return []string{
		"MAX_CONCURRENT_SESSIONS=1",
		"PREBOOT_CHROME=true",
		"EXIT_ON_HEALTH_FAILURE=true",
		"DEFAULT_HEADLESS=" + strconv.FormatBool(opts.Headless),
		"DEFAULT_LAUNCH_ARGS=" + string(encoded),
	}
}
