package main

import (
	"github.com/spf13/cobra"

	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ccswarm",
		Short:         "Multi-agent AI orchestrator",
		Long:          "ccswarm supervises AI agents in terminal sessions, dispatches tasks,\nand coordinates workflows with human-in-the-loop approval.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file directory")

	root.AddCommand(
		newCreateCmd(),
		newListCmd(),
		newAttachCmd(),
		newExecCmd(),
		newKillCmd(),
		newContextCmd(),
		newMigrateCmd(),
		newRemoteCmd(),
		newInteractiveCmd(),
		newServeCmd(),
		newPipelineCmd(),
	)
	return root
}

// loadConfig loads configuration and installs the configured logger as
// the process default.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	logger.SetDefault(log)
	return cfg, log, nil
}
