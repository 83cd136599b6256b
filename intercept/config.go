package intercept

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// InvokeFilterSet is the mandatory filter-set which calls the real implementation.
const InvokeFilterSet = "invoke"

// MonitorFilterSet is mandatory when running under the debugger.
const MonitorFilterSet = "monitor"

// Config holds the command line configuration of an interception run.
type Config struct {
	// ConfigFile is the filter chain configuration, empty to run in passthrough mode.
	ConfigFile string
	// Chain selects a chain by name, falling back to the first chain.
	Chain string
	// Scripts are the call scripts to replay.
	Scripts []string
	// Debug enables the monitor filter-set even when the chain does not name it, and logs recording store
	// cache metrics.
	Debug          bool
	MonitorPort    int
	StatsJsonFile  string
	StatsChartFile string
	// StoragePath is the directory of the persistent recording store, empty to record in memory.
	StoragePath string
	CacheMB     int
	CustomFlags map[string]string
}

// ChainConfig is the parsed filter chain configuration file.
type ChainConfig struct {
	Chains []Chain `yaml:"chains"`
}

// Chain is a named, ordered list of filter-sets to enable.
type Chain struct {
	Name       string       `yaml:"name"`
	FilterSets []ChainEntry `yaml:"filtersets"`
}

// ChainEntry names a filter-set and the variables passed to it before it is enabled.
type ChainEntry struct {
	Name      string    `yaml:"name"`
	Variables Variables `yaml:"variables"`
}

// Variable is one filter-set variable assignment.
type Variable struct {
	Name  string
	Value string
}

// Variables keeps the declaration order of a YAML mapping of variables.
type Variables []Variable

func (v *Variables) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: variables must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: variable %s must be a scalar", val.Line, key.Value)
		}
		*v = append(*v, Variable{Name: key.Value, Value: val.Value})
	}
	return nil
}

// ParseChainConfig parses a YAML filter chain configuration.
func ParseChainConfig(data []byte) (*ChainConfig, error) {
	var c ChainConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse chain config failed: %w", err)
	}
	return &c, nil
}

type tomlChainConfig struct {
	Chains []struct {
		Name       string `toml:"name"`
		FilterSets []struct {
			Name      string         `toml:"name"`
			Variables map[string]any `toml:"variables"`
		} `toml:"filtersets"`
	} `toml:"chains"`
}

// ParseChainConfigTOML parses a TOML filter chain configuration. TOML tables are unordered, so variables are
// passed in name order.
func ParseChainConfigTOML(data []byte) (*ChainConfig, error) {
	var tc tomlChainConfig
	if err := toml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("parse chain config failed: %w", err)
	}
	c := &ChainConfig{Chains: make([]Chain, len(tc.Chains))}
	for i, chain := range tc.Chains {
		c.Chains[i].Name = chain.Name
		for _, entry := range chain.FilterSets {
			names := bulk.MapKeysSlice(entry.Variables)
			slices.Sort(names)
			vars := make(Variables, 0, len(names))
			for _, name := range names {
				vars = append(vars, Variable{Name: name, Value: fmt.Sprint(entry.Variables[name])})
			}
			c.Chains[i].FilterSets = append(c.Chains[i].FilterSets, ChainEntry{Name: entry.Name, Variables: vars})
		}
	}
	return c, nil
}

// LoadChainConfig reads and parses a filter chain configuration file, TOML when the name ends in .toml and YAML
// otherwise.
func LoadChainConfig(path string) (*ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain config failed: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseChainConfigTOML(data)
	}
	return ParseChainConfig(data)
}

// Chain returns the chain called name. An unknown or empty name selects the first chain.
func (c *ChainConfig) Chain(name string) (*Chain, bool) {
	if name != "" {
		for i := range c.Chains {
			if c.Chains[i].Name == name {
				return &c.Chains[i], true
			}
		}
		log.Printf("warning: could not find chain %s, trying default", name)
	}
	if len(c.Chains) == 0 {
		return nil, false
	}
	return &c.Chains[0], true
}

// ApplyChain passes each filter-set its variables and enables the chain in declaration order. Unknown filter-sets
// and variables are logged and skipped. The invoke filter-set is always enabled, and monitor as well when
// debugging; either missing is an error, as is any enable failure.
func ApplyChain(r *Registry, chain *Chain, debugging bool) error {
	var sets []*FilterSet
	if chain != nil {
		for _, entry := range chain.FilterSets {
			fs, ok := r.FilterSet(entry.Name)
			if !ok {
				log.Printf("warning: ignoring unknown filter-set %s", entry.Name)
				continue
			}
			for _, v := range entry.Variables {
				if err := r.Command(fs, v.Name, v.Value); errors.Is(err, ErrUnknownCommand) {
					log.Printf("warning: unknown command %s in filter-set %s", v.Name, entry.Name)
				} else if err != nil {
					log.Printf("warning: filter-set %s variable %s: %v", entry.Name, v.Name, err)
				}
			}
			sets = append(sets, fs)
		}
	}
	for _, fs := range sets {
		if err := r.EnableFilterSet(fs); err != nil {
			return err
		}
	}

	mandatory := []string{InvokeFilterSet}
	if debugging {
		mandatory = append(mandatory, MonitorFilterSet)
	}
	for _, name := range mandatory {
		fs, ok := r.FilterSet(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMandatoryFilterSet, name)
		} else if err := r.EnableFilterSet(fs); err != nil {
			return err
		}
	}
	return nil
}

// ChainBootstrap returns a bootstrap hook which loads the configured filter chain. A missing or unreadable
// configuration runs the pipeline in passthrough mode with only the mandatory filter-sets.
func ChainBootstrap(config *Config) func(d *Dispatcher) error {
	return func(d *Dispatcher) error {
		var chain *Chain
		if config.ConfigFile == "" {
			log.Printf("no filter configuration; running in passthrough mode")
		} else if chainConfig, err := LoadChainConfig(config.ConfigFile); err != nil {
			log.Printf("%s%v; running in passthrough mode", ErrorLogPrefix, err)
		} else if c, ok := chainConfig.Chain(config.Chain); !ok {
			log.Printf("no chains defined; running in passthrough mode")
		} else {
			chain = c
		}
		return ApplyChain(d.Registry(), chain, config.Debug)
	}
}
