package main

import (
	"github.com/spf13/cobra"
)

const (
	cliName        = "embkvctl"
	cliDescription = "inspect and edit embkv database files"
)

// NewRootCommand assembles the embkvctl command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     cliName,
		Short:   cliDescription,
		Version: "dev",
	}

	rootCmd.AddCommand(
		newInfoCommand(),
		newBucketsCommand(),
		newGetCommand(),
		newPutCommand(),
	)

	return rootCmd
}
