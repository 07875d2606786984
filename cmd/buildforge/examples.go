package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildforge/buildforge/examplegen"
)

var examplesCmd = &cobra.Command{
	Use:   "examples",
	Short: "Generate example project specifications",
}

var examplesGenerateCmd = &cobra.Command{
	Use:   "generate <category> <dir>",
	Short: fmt.Sprintf("Write an example spec (categories: %v)", examplegen.Categories()),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := examplegen.Generate(args[0], args[1])
		if err != nil {
			return badInput("%v", err)
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	examplesCmd.AddCommand(examplesGenerateCmd)
}
