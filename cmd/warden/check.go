package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/warden/internal/config"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [config...]",
		Short: "Validate configuration files",
		Long:  "Loads every configuration, including additional files, and prints its id and path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"config.yaml"}
			}
			return runCheck(cmd, args)
		},
	}
}

func runCheck(cmd *cobra.Command, paths []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, e := range config.LoadAll(paths...) {
		if e.Err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %s: %v\n", e.Path, e.Err)
			continue
		}
		fmt.Fprintf(out, "ok    %s  %s\n", e.Config.ID(), e.Path)
	}
	if failed > 0 {
		return fmt.Errorf("%d configuration(s) invalid", failed)
	}
	return nil
}
