package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relayrun/relayrun/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "relayrun",
	Short: "Schedule and track simulation jobs through a record store",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
