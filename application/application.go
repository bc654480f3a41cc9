package application

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/proj2-serv/internal/server"
	zlog "github.com/lk2023060901/proj2-serv/pkg/log"
	"github.com/lk2023060901/proj2-serv/pkg/metrics"
	zviper "github.com/lk2023060901/proj2-serv/pkg/util/viper"
)

// Application is the main runtime container for the proj2 service.
// It owns configuration, logging and the metrics endpoint, and drives
// the Supervisor lifecycle.
type Application struct {
	cfg        *zviper.Config
	loggers    map[string]*zlog.MLogger
	metricsSrv *http.Server
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run loads configuration, initializes logging and metrics, then runs the
// Supervisor until ctx is canceled. Configuration file path is resolved
// with the following priority:
//  1. Default: ./config.yaml (missing file is tolerated, defaults apply)
//  2. Env: PROJ2_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
func (a *Application) Run(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.initLogging(); err != nil {
		return err
	}
	a.initMetrics()

	var serverCfg server.Config
	if a.cfg != nil {
		if err := a.cfg.UnmarshalKey("server", &serverCfg); err != nil {
			return fmt.Errorf("parse server config: %w", err)
		}
	}

	sup, err := server.NewSupervisor(serverCfg)
	if err != nil {
		return err
	}

	runErr := sup.Run(ctx)
	a.shutdownMetrics()
	return runErr
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if a.loggers == nil {
		return &zlog.MLogger{Logger: zlog.L()}
	}
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// loadConfig resolves the config file path and loads it via the viper wrapper.
// When the default path does not exist and no explicit path was given, the
// application proceeds with built-in defaults.
func (a *Application) loadConfig() error {
	configPath := "./config.yaml"
	explicit := false

	if envPath := os.Getenv("PROJ2_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
		explicit = true
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			explicit = true
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			if val := strings.TrimPrefix(arg, "--config="); val != "" {
				configPath = val
				explicit = true
			}
			continue
		}
	}

	if !explicit {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil
		}
	}

	cfg := zviper.New()
	if err := cfg.LoadFile(configPath); err != nil {
		return fmt.Errorf("failed to load config file %q: %w", configPath, err)
	}
	a.cfg = cfg
	return nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv configures the process-wide logger based on PROJ2_LOG_* env vars.
//
// Priority:
//   - PROJ2_LOG_LEVEL: log level (default "info").
//   - PROJ2_LOG_STDOUT: whether to log to stdout (default true).
//   - PROJ2_LOG_FILE_DIR: log directory.
//   - PROJ2_LOG_FILE: log file name (empty means no file).
//   - PROJ2_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	cfg := &zlog.Config{
		Level:  getenvDefault("PROJ2_LOG_LEVEL", "info"),
		Format: getenvDefault("PROJ2_LOG_FORMAT", "text"),
		Stdout: getenvBool("PROJ2_LOG_STDOUT", true),
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("PROJ2_LOG_FILE_DIR", ""),
			Filename: getenvDefault("PROJ2_LOG_FILE", ""),
		},
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under the "logging" key.
//
// Example:
//
//	logging:
//	  transport:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: transport.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return nil
}

// initMetrics registers collectors and, when "metrics.addr" is configured,
// exposes them over HTTP at /metrics.
func (a *Application) initMetrics() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	addr := ""
	if a.cfg != nil {
		addr = a.cfg.GetString("metrics.addr")
	}
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		zlog.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Warn("metrics endpoint terminated", zap.Error(err))
		}
	}()
}

func (a *Application) shutdownMetrics() {
	if a.metricsSrv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = a.metricsSrv.Shutdown(shutdownCtx)
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
