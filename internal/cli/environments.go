package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/synacktraa/cillow/internal/wire"
	"github.com/synacktraa/cillow/pkg/cillowclient"
)

var environmentsCmd = &cobra.Command{
	Use:   "environments",
	Short: "List this client's live interpreter environments",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := cillowclient.New(addr, wire.Environment(environment))
		if err != nil {
			fmt.Printf("Failed to connect: %v\n", err)
			os.Exit(1)
		}
		defer client.Disconnect()

		raw, err := client.AllEnvironments()
		if err != nil {
			fmt.Printf("Failed to list environments: %v\n", err)
			os.Exit(1)
		}

		var envs []string
		if err := json.Unmarshal(raw, &envs); err != nil {
			fmt.Printf("Bad response: %v\n", err)
			os.Exit(1)
		}

		current, _ := client.CurrentEnvironment()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ENVIRONMENT\tCURRENT")
		for _, e := range envs {
			mark := ""
			if wire.Environment(e) == current {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\n", e, mark)
		}
		w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(environmentsCmd)
}
