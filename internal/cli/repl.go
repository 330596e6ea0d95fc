package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/synacktraa/cillow/internal/wire"
	"github.com/synacktraa/cillow/pkg/cillowclient"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive code session against the broker",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Connecting to %s (%s)...\n", addr, environment)

		client, err := cillowclient.New(addr, wire.Environment(environment))
		if err != nil {
			fmt.Printf("Dial failed: %v\n", err)
			os.Exit(1)
		}
		defer client.Disconnect()

		fmt.Println("Connected! Type code and press Enter. CTRL+C to exit.")

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				exec, err := client.RunCode(line)
				if err != nil {
					fmt.Printf("[error] %v\n", err)
					continue
				}
				for _, s := range exec.Streams {
					fmt.Print(s.Text)
				}
				if exec.ExceptionInfo != nil {
					fmt.Printf("[exception] %s\n", exec.ExceptionInfo.String())
				}
			case <-interrupt:
				fmt.Println("Interrupt received, closing...")
				return
			}
		}
	},
}

func init() {
	RootCmd.AddCommand(replCmd)
}
