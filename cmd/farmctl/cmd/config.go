package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/printfarm/internal/config"
	"github.com/psantana5/printfarm/pkg/logging"
)

var (
	initOutput string
	initForce  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with controller configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example controller configuration",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a controller configuration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigValidate,
}

var logrotateCmd = &cobra.Command{
	Use:   "logrotate [component]",
	Short: "Print a logrotate configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		component := "farmd"
		if len(args) == 1 {
			component = args[0]
		}
		fmt.Fprint(out, logging.GenerateLogrotateConfig(component))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configValidateCmd, logrotateCmd)

	configInitCmd.Flags().StringVarP(&initOutput, "output-file", "f", "", "write to this file instead of stdout")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if initOutput == "" {
		return config.WriteExample(out)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if initForce {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(initOutput, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists, use --force to overwrite", initOutput)
		}
		return err
	}
	if err := config.WriteExample(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote example configuration to %s\n", initOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is valid: %d printers, store %s\n", args[0], len(cfg.Devices), cfg.Store.Type)
	return nil
}
