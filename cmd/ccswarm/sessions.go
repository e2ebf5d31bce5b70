package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nwiizo/ccswarm/internal/common/apperr"
	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
	"github.com/nwiizo/ccswarm/internal/session"
)

// localPool loads the persisted session registry into a manager. Local
// CLI invocations are ephemeral: sessions spawn on demand and the
// registry records them between runs.
func localPool(cfg *config.Config, log *logger.Logger) (*session.Manager, error) {
	manager := session.NewManager(log)
	if _, err := manager.LoadRegistry(cfg.Sessions.StateDir); err != nil {
		return nil, err
	}
	return manager, nil
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrSessionNotFound):
		return apperr.Wrap(apperr.KindNotFound, "session not found", err)
	case errors.Is(err, session.ErrInvalidName):
		return apperr.Wrap(apperr.KindInvalidArgument, "invalid session name", err)
	case errors.Is(err, session.ErrSessionExists):
		return apperr.Wrap(apperr.KindAlreadyExists, "session already exists", err)
	default:
		return err
	}
}

func newCreateCmd() *cobra.Command {
	var (
		name       string
		dir        string
		aiContext  bool
		tokenLimit int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := localPool(cfg, log)
			if err != nil {
				return err
			}

			if dir == "" {
				dir, _ = os.Getwd()
			}
			if name == "" {
				name = fmt.Sprintf("session-%d", len(manager.ListSessions())+1)
			}

			bufSize := cfg.Sessions.OutputBufferSize
			if tokenLimit > 0 {
				// Token limit approximates bytes at four per token.
				bufSize = tokenLimit * 4
			}

			sess, err := manager.CreateSession(name, session.Config{
				WorkingDir:            dir,
				OutputBufferSize:      bufSize,
				AllowHeadlessFallback: cfg.Sessions.AllowHeadlessFallback,
				EnableAIFeatures:      aiContext,
			})
			if err != nil {
				return classify(err)
			}
			if err := manager.SaveRegistry(cfg.Sessions.StateDir); err != nil {
				return err
			}

			fmt.Println(sess.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory (default: cwd)")
	cmd.Flags().BoolVar(&aiContext, "ai-context", false, "enable AI context features")
	cmd.Flags().IntVar(&tokenLimit, "token-limit", 0, "approximate token cap for the output buffer")
	return cmd
}

func newListCmd() *cobra.Command {
	var detailed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := localPool(cfg, log)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			if detailed {
				fmt.Fprintln(w, "NAME\tID\tSTATE\tDIR\tCOMMANDS\tTOKENS\tCREATED")
				for _, s := range manager.ListSessions() {
					st := s.Status()
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						st.Name, st.ID, st.State, st.WorkingDir,
						st.CommandCount, st.TokenCount,
						st.CreatedAt.Format("2006-01-02 15:04"))
				}
			} else {
				fmt.Fprintln(w, "NAME\tSTATE\tDIR")
				for _, s := range manager.ListSessions() {
					st := s.Status()
					fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name, st.State, st.WorkingDir)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "show full session metadata")
	return cmd
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach SESSION",
		Short: "Print session metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := localPool(cfg, log)
			if err != nil {
				return err
			}
			sess, err := manager.GetByName(args[0])
			if err != nil {
				return classify(err)
			}

			st := sess.Status()
			fmt.Printf("Name:          %s\n", st.Name)
			fmt.Printf("ID:            %s\n", st.ID)
			fmt.Printf("State:         %s\n", st.State)
			fmt.Printf("Directory:     %s\n", st.WorkingDir)
			fmt.Printf("Commands:      %d\n", st.CommandCount)
			fmt.Printf("Tokens:        %d\n", st.TokenCount)
			fmt.Printf("Created:       %s\n", st.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Last activity: %s\n", st.LastActivity.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newExecCmd() *cobra.Command {
	var capture bool
	cmd := &cobra.Command{
		Use:   "exec SESSION CMD...",
		Short: "Execute a command in a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := localPool(cfg, log)
			if err != nil {
				return err
			}
			sess, err := manager.GetByName(args[0])
			if err != nil {
				return classify(err)
			}
			defer func() { _ = sess.Stop() }()

			if err := sess.Start(); err != nil {
				return apperr.Wrap(apperr.KindBackendIO, "failed to start session", err)
			}
			sess.SetCommandWait(cfg.Sessions.CommandWait())

			command := strings.Join(args[1:], " ")
			output, err := sess.ExecuteCommand(command)
			if err != nil {
				return err
			}
			if capture {
				fmt.Println(output)
			}
			return manager.SaveRegistry(cfg.Sessions.StateDir)
		},
	}
	cmd.Flags().BoolVar(&capture, "capture", true, "print captured output")
	return cmd
}

func newKillCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "kill SESSION",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := localPool(cfg, log)
			if err != nil {
				return err
			}
			sess, err := manager.GetByName(args[0])
			if err != nil {
				if force {
					return nil
				}
				return classify(err)
			}

			manager.RemoveSession(sess.ID)
			return manager.SaveRegistry(cfg.Sessions.StateDir)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore missing sessions")
	return cmd
}

func newContextCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "context SESSION",
		Short: "Print recent session context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := localPool(cfg, log)
			if err != nil {
				return err
			}
			sess, err := manager.GetByName(args[0])
			if err != nil {
				return classify(err)
			}

			history := sess.History()
			if lines > 0 && len(history) > lines {
				history = history[len(history)-lines:]
			}
			for _, rec := range history {
				fmt.Printf("[%s] %s\n", rec.Timestamp.Format("15:04:05"), rec.Command)
				if rec.OutputPreview != "" {
					fmt.Printf("    %s\n", strings.ReplaceAll(rec.OutputPreview, "\n", "\n    "))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 20, "number of history entries")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var (
		tmuxSession string
		all         bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import external tmux sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tmuxSession == "" && !all {
				return apperr.New(apperr.KindInvalidArgument, "pass --tmux-session NAME or --all")
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := localPool(cfg, log)
			if err != nil {
				return err
			}

			target := tmuxSession
			if all {
				target = ""
			}
			results, err := manager.MigrateTmux(target, session.Config{
				WorkingDir:       cfg.Sessions.StateDir,
				OutputBufferSize: cfg.Sessions.OutputBufferSize,
			})
			if err != nil {
				return classify(err)
			}

			for _, r := range results {
				fmt.Printf("imported %s -> %s (%s)\n", r.TmuxSession, r.SessionName, r.SessionID)
			}
			return manager.SaveRegistry(cfg.Sessions.StateDir)
		},
	}
	cmd.Flags().StringVar(&tmuxSession, "tmux-session", "", "tmux session to import")
	cmd.Flags().BoolVar(&all, "all", false, "import every tmux session")
	return cmd
}
