package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synacktraa/cillow/internal/wire"
	"github.com/synacktraa/cillow/pkg/cillowclient"
)

var runCmd = &cobra.Command{
	Use:   "run [code]",
	Short: "Run code against a fresh client connection",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code := args[0]

		client, err := cillowclient.New(addr, wire.Environment(environment))
		if err != nil {
			fmt.Printf("Failed to connect: %v\nIs the broker running?\n", err)
			os.Exit(1)
		}
		defer client.Disconnect()

		exec, err := client.RunCode(code)
		if err != nil {
			fmt.Printf("Run failed: %v\n", err)
			os.Exit(1)
		}

		for _, s := range exec.Streams {
			if s.Kind == wire.StreamStderr {
				fmt.Fprint(os.Stderr, s.Text)
			} else {
				fmt.Print(s.Text)
			}
		}
		if exec.ExceptionInfo != nil {
			fmt.Fprintf(os.Stderr, "\n%s\n", exec.ExceptionInfo.String())
			os.Exit(1)
		}
	},
}

func init() {
	RootCmd.AddCommand(runCmd)
}
