package cmd

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/PatchLens/go-intercept-lens/intercept"
)

// Environment variables overriding the filter chain flags, so an intercepted process can be configured without
// changing its command line.
const (
	EnvFilters  = "INTERCEPT_FILTERS"
	EnvChain    = "INTERCEPT_CHAIN"
	EnvDebugger = "INTERCEPT_DEBUGGER"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// ParseFlags builds Config from standard and custom flags. Positional arguments are the call scripts to replay.
func ParseFlags(customFlags []CustomFlag) (*intercept.Config, error) {
	config := &intercept.Config{CustomFlags: make(map[string]string)}

	configFile := flag.String("filters", "", "Filter chain configuration file, empty for passthrough mode")
	chain := flag.String("chain", "", "Name of the chain to load, defaults to the first chain")
	debug := flag.Bool("debug", false, "Enable the monitor and pause on breakpoints")
	monitorPort := flag.Int("monitorport", 44450, "Port to bind to for the monitor API")
	statsJsonFile := flag.String("json", "callstats.json", "File to output call statistics")
	statsChartFile := flag.String("charts", "callstats.png", "File to output the call statistics chart image")
	storagePath := flag.String("storage", "", "Directory for persistent call recordings, empty to record in memory")
	cacheMB := flag.Int("cachemb", 200, "Cache memory budget in MB")

	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	if flag.NArg() == 0 {
		return nil, errors.New("usage: interceptor [-filters chains.yaml] [-chain name] [-debug] script.yaml...")
	} else if *monitorPort < 0 || *monitorPort > 65535 {
		return nil, errors.New("-monitorport must be between 0 and 65535")
	} else if *cacheMB <= 0 {
		return nil, errors.New("-cachemb must be positive")
	}

	config.ConfigFile = *configFile
	config.Chain = *chain
	config.Debug = *debug
	config.MonitorPort = *monitorPort
	config.StatsJsonFile = *statsJsonFile
	config.StatsChartFile = *statsChartFile
	config.StoragePath = *storagePath
	config.CacheMB = *cacheMB
	config.Scripts = flag.Args()

	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	if err := applyEnvironment(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnvironment(c *intercept.Config) error {
	if v := os.Getenv(EnvFilters); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv(EnvChain); v != "" {
		c.Chain = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDebugger)); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New(EnvDebugger + " must be a boolean")
		}
		c.Debug = debug
	}
	return nil
}
