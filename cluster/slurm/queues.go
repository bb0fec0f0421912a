package slurm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"jobmon.evalgo.org/db"
)

// QueueLimits caps what a submission may request on one partition. A zero
// limit leaves that dimension unclamped.
type QueueLimits struct {
	MaxMemoryGB       float64 `yaml:"max_memory_gb"`
	MaxRuntimeSeconds int64   `yaml:"max_runtime_seconds"`
	MaxCores          int     `yaml:"max_cores"`
}

// Catalog describes the partitions a site exposes. Submissions against a
// cataloged partition are clamped to its limits before they reach sbatch, so
// a scaled resource retry cannot grow past what the partition accepts.
type Catalog struct {
	DefaultQueue string                 `yaml:"default_queue"`
	Queues       map[string]QueueLimits `yaml:"queues"`
}

// LoadCatalog reads the YAML queue catalog.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading queue catalog: %w", err)
	}
	catalog := &Catalog{}
	if err := yaml.Unmarshal(raw, catalog); err != nil {
		return nil, fmt.Errorf("parsing queue catalog %s: %w", path, err)
	}
	return catalog, nil
}

// Resolve picks the partition for a request, falling back to the catalog
// default when none is set.
func (c *Catalog) Resolve(queue string) string {
	if queue != "" {
		return queue
	}
	return c.DefaultQueue
}

// Clamp caps a request to the partition's limits. Partitions the catalog
// does not know pass through untouched.
func (c *Catalog) Clamp(queue string, req db.ResourceRequest) db.ResourceRequest {
	limits, ok := c.Queues[queue]
	if !ok {
		return req
	}
	if limits.MaxMemoryGB > 0 && req.MemoryGB > limits.MaxMemoryGB {
		req.MemoryGB = limits.MaxMemoryGB
	}
	if limits.MaxRuntimeSeconds > 0 && req.RuntimeSeconds > limits.MaxRuntimeSeconds {
		req.RuntimeSeconds = limits.MaxRuntimeSeconds
	}
	if limits.MaxCores > 0 && req.Cores > limits.MaxCores {
		req.Cores = limits.MaxCores
	}
	return req
}
