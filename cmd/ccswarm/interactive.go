package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nwiizo/ccswarm/internal/client"
	"github.com/nwiizo/ccswarm/internal/common/apperr"
	"github.com/nwiizo/ccswarm/internal/session"
)

func newInteractiveCmd() *cobra.Command {
	var (
		serverURL string
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "interactive NAME",
		Short: "Line-based REPL against a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			// Remote mode proxies each line over HTTP; local mode drives
			// a session in this process.
			var runLine func(line string) (string, error)
			var cleanup func()

			if serverURL != "" {
				c := client.New(serverURL)
				if _, err := c.CreateSession(cmd.Context(), name, "", false); err != nil {
					if apperr.KindOf(err) != apperr.KindAlreadyExists {
						return err
					}
				}
				runLine = func(line string) (string, error) {
					result, err := c.Execute(cmd.Context(), name, line)
					if err != nil {
						return "", err
					}
					if !result.Success {
						return "", fmt.Errorf("%s", result.Error)
					}
					return result.Output, nil
				}
				cleanup = func() {}
			} else {
				cfg, log, err := loadConfig()
				if err != nil {
					return err
				}
				manager := session.NewManager(log)
				sess, err := manager.CreateSession(name, session.Config{
					WorkingDir:            mustGetwd(),
					OutputBufferSize:      cfg.Sessions.OutputBufferSize,
					AllowHeadlessFallback: cfg.Sessions.AllowHeadlessFallback,
				})
				if err != nil {
					return classify(err)
				}
				if err := sess.Start(); err != nil {
					return apperr.Wrap(apperr.KindBackendIO, "failed to start session", err)
				}
				sess.SetCommandWait(cfg.Sessions.CommandWait())

				runLine = func(line string) (string, error) {
					if raw {
						return "", sess.SendInput(line + "\n")
					}
					return sess.ExecuteCommand(line)
				}
				cleanup = func() { _ = sess.Stop() }
			}
			defer cleanup()

			fmt.Printf("ccswarm interactive session %q (exit with 'exit' or Ctrl-D)\n", name)
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					return nil
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					return nil
				}

				output, err := runLine(line)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				if output != "" {
					fmt.Println(output)
				}
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "drive a remote server instead of a local session")
	cmd.Flags().BoolVar(&raw, "raw", false, "send lines without waiting for output")
	return cmd
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
