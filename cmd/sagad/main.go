// sagad 门禁登记 Saga 编排进程与运维命令行
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sagad",
		Short:         "Access-registration saga orchestrator",
		Long:          "sagad runs the ACCESS_REGISTRATION saga orchestrator and talks to a running instance over HTTP.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newTriggerCmd(),
		newShowCmd(),
		newListCmd(),
		newStaleCmd(),
		newResumeCmd(),
		newCompensateCmd(),
	)
	return root
}
