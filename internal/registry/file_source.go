package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/devrev/snapback/internal/model"
	"gopkg.in/yaml.v3"
)

// FileSource reads a static node list from a YAML file on every fetch
type FileSource struct {
	path string
}

type nodeFile struct {
	Nodes []model.StorageNode `yaml:"nodes"`
}

// NewFileSource creates a source backed by the YAML file at path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch implements Source. Nodes without a service type match any type.
func (s *FileSource) Fetch(ctx context.Context, serviceType string) ([]model.StorageNode, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node file: %w", err)
	}

	var file nodeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse node file: %w", err)
	}

	nodes := make([]model.StorageNode, 0, len(file.Nodes))
	for _, n := range file.Nodes {
		if n.ServiceType != "" && n.ServiceType != serviceType {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
