package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/internal/tools/exec"
	"github.com/loomchat/loom/internal/tools/files"
)

func newToolsCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the builtin tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			registry := engine.NewRegistry()
			registry.Register(exec.New(cfg.Rules()))
			registry.Register(files.NewReadTool())
			registry.Register(files.NewWriteTool())
			registry.Register(files.NewEditTool())

			for _, desc := range registry.Descriptors() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", desc.Name, desc.Description)
			}
			return nil
		},
	}
}
