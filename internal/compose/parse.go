// Package compose reads the compose file that repository analysis reports for
// an application and turns it into the processes expected on each server.
package compose

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"github.com/nholik/deployguard/internal/deploy"
)

const defaultProjectName = "deployguard-app"

// Manifest is a parsed application compose file.
type Manifest struct {
	Fingerprint string
	Services    []deploy.ServiceStatus
	// Replicas counts the expected containers per service; global services count 1.
	Replicas map[string]int
}

// Fingerprint computes a SHA-256 hash for the given compose bytes.
func Fingerprint(body []byte) (string, error) {
	if len(body) == 0 {
		return "", errors.New("compose body is empty")
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// ParseManifest loads compose content and lists its services sorted by name,
// each in the unknown state until a probe observes it.
func ParseManifest(ctx context.Context, project string, body []byte) (Manifest, error) {
	fingerprint, err := Fingerprint(body)
	if err != nil {
		return Manifest{}, err
	}
	if project == "" {
		project = defaultProjectName
	}

	details := types.ConfigDetails{
		WorkingDir: ".",
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "compose.yml",
				Content:  body,
			},
		},
		Environment: types.Mapping{},
	}

	loaded, err := loader.LoadWithContext(ctx, details, func(opts *loader.Options) {
		opts.SetProjectName(loader.NormalizeProjectName(project), true)
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("load compose: %w", err)
	}
	if len(loaded.Services) == 0 {
		return Manifest{}, errors.New("compose has no services")
	}

	m := Manifest{
		Fingerprint: fingerprint,
		Services:    make([]deploy.ServiceStatus, 0, len(loaded.Services)),
		Replicas:    make(map[string]int, len(loaded.Services)),
	}
	for name, service := range loaded.Services {
		if service.Image == "" && service.Build == nil {
			return Manifest{}, fmt.Errorf("service %q has neither image nor build", name)
		}
		m.Services = append(m.Services, deploy.ServiceStatus{
			Name:  name,
			State: deploy.ServiceUnknown,
			Image: service.Image,
		})
		m.Replicas[name] = replicasFor(service)
	}
	sort.Slice(m.Services, func(i, j int) bool { return m.Services[i].Name < m.Services[j].Name })
	return m, nil
}

func replicasFor(service types.ServiceConfig) int {
	if service.Deploy != nil {
		if service.Deploy.Mode == "global" {
			return 1
		}
		if service.Deploy.Replicas != nil {
			return *service.Deploy.Replicas
		}
	}
	if service.Scale != nil {
		return *service.Scale
	}
	return 1
}
