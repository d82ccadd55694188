package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/aristath/agentrunner/internal/task"
)

// taskFile is the layout of a tasks.yaml batch.
type taskFile struct {
	Environment string      `yaml:"environment,omitempty"` // Default for tasks that name none
	Tasks       []task.Spec `yaml:"tasks"`
}

// LoadTasks reads a batch of task specs from a YAML file. Tasks without an ID
// get a generated one; tasks without an environment inherit the file-level
// one, then DefaultEnvironment.
func LoadTasks(path string) ([]task.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tasks file: %w", err)
	}
	return ParseTasks(data)
}

// ParseTasks decodes a tasks.yaml document.
func ParseTasks(data []byte) ([]task.Spec, error) {
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing tasks: %w", err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("parsing tasks: no tasks defined")
	}

	seen := make(map[string]bool, len(tf.Tasks))
	specs := make([]task.Spec, 0, len(tf.Tasks))
	for i, spec := range tf.Tasks {
		spec.ID = strings.TrimSpace(spec.ID)
		if spec.ID == "" {
			spec.ID = uuid.NewString()[:8]
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("tasks[%d]: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = true

		if strings.TrimSpace(spec.Prompt) == "" {
			return nil, fmt.Errorf("tasks[%d] (%s): prompt is required", i, spec.ID)
		}
		if spec.Environment == "" {
			spec.Environment = tf.Environment
		}
		if spec.Environment == "" {
			spec.Environment = DefaultEnvironment
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
