package application

import (
	"fmt"
	"os"
	"strings"

	"github.com/lk2023060901/att-fleet-go/fleet"
	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	zviper "github.com/lk2023060901/att-fleet-go/pkg/util/viper"
)

// Application is the runtime container for a fleet client process.
// It owns configuration loading, logging setup and client construction.
type Application struct {
	cfg      *zviper.Config
	fleetCfg fleet.Config
	client   *fleet.Client
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run is the entry of the application.
// It parses command-line arguments (os.Args) and loads the configuration
// file using the following priority:
//  1. Default: ./config.yaml
//  2. Env: ATT_FLEET_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
func (a *Application) Run() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}

	if err := cfg.UnmarshalKey("fleet", &a.fleetCfg); err != nil {
		return fmt.Errorf("application: parse fleet config failed: %w", err)
	}

	client, err := fleet.New(a.fleetCfg)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

// Client returns the constructed fleet client, if any.
func (a *Application) Client() *fleet.Client {
	return a.client
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// loadConfig resolves the config file path and loads it via the viper wrapper.
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath := "./config.yaml"

	if envPath := os.Getenv("ATT_FLEET_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("application: missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			configPath = strings.TrimPrefix(arg, "--config=")
		}
	}

	cfg := zviper.New()
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, fmt.Errorf("application: load config %q failed: %w", configPath, err)
	}
	return cfg, nil
}

// initLogging configures the global logger from the "log" config section.
func (a *Application) initLogging() error {
	var logCfg zlog.Config
	if err := a.cfg.UnmarshalKey("log", &logCfg); err != nil {
		return fmt.Errorf("application: parse log config failed: %w", err)
	}
	if logCfg.Level == "" {
		logCfg.Level = "info"
	}

	logger, props, err := zlog.InitLogger(&logCfg)
	if err != nil {
		return err
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}
