package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/status"
	"github.com/rs/zerolog"
)

const (
	defaultDockerTimeout = 5 * time.Second
	composeServiceLabel  = "com.docker.compose.service"
)

// dockerAPI is the subset of the Docker client the prober uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error)
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)

// TLSFiles points at the client certificate material for remote daemons.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

func (f TLSFiles) empty() bool {
	return f.CAFile == "" && f.CertFile == "" && f.KeyFile == ""
}

// DockerProber lists containers on each resource's Docker daemon and reports
// them as services. One client is kept per daemon address.
type DockerProber struct {
	logger  zerolog.Logger
	timeout time.Duration
	tls     TLSFiles
	dial    func(host string) (dockerAPI, error)

	mu      sync.Mutex
	clients map[string]dockerAPI
}

// DockerOption configures a DockerProber.
type DockerOption func(*DockerProber)

// WithTLS enables TLS client authentication against remote daemons.
func WithTLS(files TLSFiles) DockerOption {
	return func(p *DockerProber) {
		p.tls = files
	}
}

func withDialer(dial func(host string) (dockerAPI, error)) DockerOption {
	return func(p *DockerProber) {
		p.dial = dial
	}
}

// NewDockerProber returns a prober with the given per-request timeout.
func NewDockerProber(logger zerolog.Logger, timeout time.Duration, opts ...DockerOption) *DockerProber {
	if timeout <= 0 {
		timeout = defaultDockerTimeout
	}
	p := &DockerProber{
		logger:  logger.With().Str("component", "docker_probe").Logger(),
		timeout: timeout,
		clients: make(map[string]dockerAPI),
	}
	p.dial = p.newClient
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *DockerProber) newClient(host string) (dockerAPI, error) {
	httpClient := &http.Client{Timeout: p.timeout}
	if !p.tls.empty() {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   p.tls.CAFile,
			CertFile: p.tls.CertFile,
			KeyFile:  p.tls.KeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("docker tls config: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	api, err := client.NewClientWithOpts(
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
		client.WithHost(host),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client for %s: %w", host, err)
	}
	return api, nil
}

func (p *DockerProber) clientFor(host string) (dockerAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if api, ok := p.clients[host]; ok {
		return api, nil
	}
	api, err := p.dial(host)
	if err != nil {
		return nil, err
	}
	p.clients[host] = api
	return api, nil
}

// Probe implements status.Prober.
func (p *DockerProber) Probe(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus) (status.ProbeReport, error) {
	host := infra.Connection.DockerHost
	if host == "" {
		return status.ProbeReport{}, ErrNoEndpoint
	}
	api, err := p.clientFor(host)
	if err != nil {
		return status.ProbeReport{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	containers, err := api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return status.ProbeReport{}, fmt.Errorf("list containers on %s: %w", host, err)
	}

	services := ServicesFromContainers(containers)
	p.logger.Debug().
		Str("deployment_id", deploymentID).
		Str("resource_id", infra.ID).
		Int("containers", len(containers)).
		Msg("docker probe completed")
	return status.ProbeReport{Services: services}, nil
}

// Close releases every cached client.
func (p *DockerProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for host, api := range p.clients {
		if err := api.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", host, err))
		}
		delete(p.clients, host)
	}
	return errors.Join(errs...)
}

// ServicesFromContainers maps containers to services named by their compose
// service label, falling back to the container name. When several containers
// share a name the healthiest state wins.
func ServicesFromContainers(containers []dockertypes.Container) []deploy.ServiceStatus {
	byName := make(map[string]deploy.ServiceStatus, len(containers))
	for _, c := range containers {
		name := c.Labels[composeServiceLabel]
		if name == "" && len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if name == "" {
			continue
		}
		svc := deploy.ServiceStatus{Name: name, State: containerState(c.State, c.Status), Image: c.Image}
		if existing, ok := byName[name]; ok && stateRank(existing.State) >= stateRank(svc.State) {
			continue
		}
		byName[name] = svc
	}

	out := make([]deploy.ServiceStatus, 0, len(byName))
	for _, svc := range byName {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var exitCodePattern = regexp.MustCompile(`^Exited \((-?\d+)\)`)

func containerState(state, statusText string) deploy.ServiceState {
	switch state {
	case "running":
		return deploy.ServiceRunning
	case "dead", "restarting":
		return deploy.ServiceFailed
	case "exited":
		if m := exitCodePattern.FindStringSubmatch(statusText); m != nil {
			if code, err := strconv.Atoi(m[1]); err == nil && code != 0 {
				return deploy.ServiceFailed
			}
		}
		return deploy.ServiceStopped
	case "created", "paused":
		return deploy.ServiceStopped
	}
	return deploy.ServiceUnknown
}

func stateRank(s deploy.ServiceState) int {
	switch s {
	case deploy.ServiceRunning:
		return 3
	case deploy.ServiceStopped:
		return 2
	case deploy.ServiceFailed:
		return 1
	}
	return 0
}
