package provision

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Branch is one deployable variant of the backend.
type Branch struct {
	Command []string          `yaml:"command"`
	WorkDir string            `yaml:"work_dir"`
	Env     map[string]string `yaml:"env"`
}

// Catalog maps branch names to the command that starts them.
type Catalog struct {
	Default  string            `yaml:"default"`
	Branches map[string]Branch `yaml:"branches"`
}

// LoadCatalog reads a YAML branch catalog, for example:
//
//	default: public
//	branches:
//	  public:
//	    command: ["/home/steam/start.sh", "-branch", "public"]
//	    work_dir: /home/steam
//	  x86-64:
//	    command: ["/home/steam/start.sh", "-branch", "x86-64"]
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates a YAML branch catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Branches) == 0 {
		return nil, fmt.Errorf("catalog defines no branches")
	}
	for name, b := range c.Branches {
		if len(b.Command) == 0 {
			return nil, fmt.Errorf("branch %q has no command", name)
		}
	}
	if c.Default == "" && len(c.Branches) == 1 {
		for name := range c.Branches {
			c.Default = name
		}
	}
	if c.Default != "" {
		if _, ok := c.Branches[c.Default]; !ok {
			return nil, fmt.Errorf("default branch %q is not defined", c.Default)
		}
	}
	return &c, nil
}

// SingleCommandCatalog builds a catalog with one branch running command.
func SingleCommandCatalog(name string, command []string) *Catalog {
	return &Catalog{
		Default:  name,
		Branches: map[string]Branch{name: {Command: command}},
	}
}

// Resolve returns the branch called name, or the default branch when name is
// empty.
func (c *Catalog) Resolve(name string) (string, Branch, error) {
	if c == nil {
		return "", Branch{}, fmt.Errorf("%w: no catalog configured", ErrUnknownBranch)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.Default
	}
	b, ok := c.Branches[name]
	if !ok {
		return "", Branch{}, fmt.Errorf("%w: %q", ErrUnknownBranch, name)
	}
	return name, b, nil
}

// Names lists the branch names in sorted order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Branches))
	for name := range c.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
