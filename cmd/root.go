// cmd/root.go
package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xedgesim/cosim/internal/launcher"
	"github.com/xedgesim/cosim/internal/scenario"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "cosim",
	Short: "Co-simulation coordinator for heterogeneous edge node fleets",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Load a scenario and run it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		logrus.Infof("loading scenario %s", path)
		s, err := scenario.Load(path)
		if err != nil {
			logrus.Errorf("scenario load failed: %v", err)
			return err
		}

		l := launcher.New(s)
		logrus.Infof("run %s: starting, duration=%.3fs quantum=%dus nodes=%d",
			l.RunID, s.DurationS, s.TimeQuantumUs, len(s.Nodes))

		result, err := l.Run(context.Background())
		if err != nil {
			logrus.Errorf("run %s: failed at t=%dus: %v", l.RunID, result.FinalTimeUs, err)
			return err
		}

		logrus.Infof("run %s: completed at t=%dus", l.RunID, result.FinalTimeUs)
		result.NetworkStats.Print()
		return nil
	},
}

// Execute runs the root command. It is the sole entry point main.go calls;
// a non-nil error exits 1, so the exit code is 0 exactly when the run's
// SimulationResult.Success is true.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
}
