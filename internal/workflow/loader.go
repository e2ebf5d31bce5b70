package workflow

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// pieceDefinition is the YAML shape of a workflow file.
type pieceDefinition struct {
	Name  string  `yaml:"name"`
	Nodes []*Node `yaml:"nodes"`
	Edges []Edge  `yaml:"edges"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadFile reads a piece definition from a YAML file, expands ${VAR}
// references from the provided env map (falling back to the process
// environment), and validates the graph.
func LoadFile(path string, env map[string]string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read piece file: %w", err)
	}
	return Parse(data, env)
}

// Parse builds a workflow from YAML bytes.
func Parse(data []byte, env map[string]string) (*Workflow, error) {
	expanded := envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envPattern.FindSubmatch(match)[1])
		if v, ok := env[name]; ok {
			return []byte(v)
		}
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return match
	})

	var def pieceDefinition
	if err := yaml.Unmarshal(expanded, &def); err != nil {
		return nil, fmt.Errorf("parse piece definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("piece definition missing name")
	}

	return FromDefinition(&Workflow{
		Name:  def.Name,
		Nodes: def.Nodes,
		Edges: def.Edges,
	})
}
