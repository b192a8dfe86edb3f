// tunner carries many TCP connections over a few multiplexed tunnels.
//
// The client listens locally and opens tunnels to the server over SSH,
// plain TCP, WebSocket or WebRTC; the server dials the forward target for
// every connection the client starts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emessiha/tunner/internal/config"
	"github.com/emessiha/tunner/internal/util"
)

var version = "dev"

var (
	configPath string
	debugMode  bool
	logLevel   string
	logFile    string
)

var mainCommand = &cobra.Command{
	Use:               "tunner",
	Short:             "Multiplex TCP connections over SSH, TCP, WebSocket or WebRTC tunnels",
	SilenceUsage:      true,
	PersistentPreRunE: preRun,
}

func init() {
	mainCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	mainCommand.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	mainCommand.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	mainCommand.PersistentFlags().StringVar(&logFile, "log-file", "", "append logs to this file instead of stdout")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mainCommand.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func preRun(cmd *cobra.Command, args []string) error {
	if logLevel != "" {
		if err := util.SetLogLevel(logLevel); err != nil {
			return err
		}
	}
	if debugMode {
		util.EnableDebug()
	}
	if logFile != "" {
		if _, err := util.LogToFile(logFile); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig reads --config for role and applies the file's log settings
// unless flags already set them.
func loadConfig(role config.Role) (config.Config, error) {
	cfg, err := config.Load(configPath, role)
	if err != nil {
		return cfg, err
	}
	if logLevel == "" && cfg.LogLevel != "" {
		if err := util.SetLogLevel(cfg.LogLevel); err != nil {
			return cfg, err
		}
	}
	if debugMode || cfg.Debug {
		cfg.Debug = true
		util.EnableDebug()
	}
	if logFile == "" && cfg.LogFile != "" {
		if _, err := util.LogToFile(cfg.LogFile); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
