package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nwiizo/ccswarm/internal/client"
)

func newRemoteCmd() *cobra.Command {
	var serverURL string

	remote := &cobra.Command{
		Use:   "remote",
		Short: "Drive a ccswarm server over HTTP",
	}
	remote.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8765", "server base URL")

	remote.AddCommand(
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create a remote session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				info, err := client.New(serverURL).CreateSession(cmd.Context(), args[0], "", false)
				if err != nil {
					return err
				}
				fmt.Println(info.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List remote sessions",
			RunE: func(cmd *cobra.Command, args []string) error {
				sessions, err := client.New(serverURL).ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATE\tCOMMANDS\tTOKENS")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Name, s.State, s.CommandCount, s.TokenCount)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "exec NAME CMD",
			Short: "Execute a command in a remote session",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				result, err := client.New(serverURL).Execute(cmd.Context(), args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("remote command failed: %s", result.Error)
				}
				fmt.Println(result.Output)
				return nil
			},
		},
		&cobra.Command{
			Use:   "output NAME",
			Short: "Fetch a remote session's output",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				output, err := client.New(serverURL).Output(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(output)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status NAME",
			Short: "Fetch a remote session's status",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				status, err := client.New(serverURL).Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(string(status))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Delete a remote session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client.New(serverURL).Delete(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "Check server health",
			RunE: func(cmd *cobra.Command, args []string) error {
				health, err := client.New(serverURL).Health(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println(string(health))
				return nil
			},
		},
	)
	return remote
}
