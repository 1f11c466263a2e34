package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/manningwu07/charGPT/params"
	"github.com/manningwu07/charGPT/utils"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	backend    string
	debug      bool
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "chargpt",
		Short:         "Train and sample a character-level GPT",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			utils.SetDebug(rf.debug)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&rf.configPath, "config", "", "JSON config file overlaid on the defaults")
	root.PersistentFlags().StringVar(&rf.backend, "backend", "", fmt.Sprintf("BLAS backend %v (overrides the config)", utils.Backends()))
	root.PersistentFlags().BoolVar(&rf.debug, "debug", false, "Print per-step debug lines")

	root.AddCommand(newTrainCmd(&rf), newSampleCmd(&rf), newExportCmd())
	return root
}

// loadConfig reads --config (or the defaults) and switches to the chosen backend.
func loadConfig(rf *rootFlags) (params.Config, error) {
	cfg := params.DefaultConfig()
	if rf.configPath != "" {
		var err error
		if cfg, err = params.Load(rf.configPath); err != nil {
			return cfg, err
		}
	}
	if rf.backend != "" {
		cfg.Backend = rf.backend
	}
	if rf.debug {
		cfg.Training.Debug = true
	}
	if err := utils.UseBackend(cfg.Backend); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
