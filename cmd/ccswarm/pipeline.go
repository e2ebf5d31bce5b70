package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nwiizo/ccswarm/internal/approval"
	"github.com/nwiizo/ccswarm/internal/common/apperr"
	"github.com/nwiizo/ccswarm/internal/session"
	"github.com/nwiizo/ccswarm/internal/workflow"
)

// Pipeline exit codes, distinct from the global CLI mapping:
// 0 success, 1 failure, 2 timeout, 3 config error.
const (
	pipelineExitFailure = 1
	pipelineExitTimeout = 2
	pipelineExitConfig  = 3
)

func newPipelineCmd() *cobra.Command {
	var (
		format        string
		timeout       time.Duration
		envPairs      []string
		outputFile    string
		skipApprovals bool
	)
	cmd := &cobra.Command{
		Use:   "pipeline PIECE TASK",
		Short: "Run a workflow piece against a task",
		Long: "Executes the piece definition (YAML) with the task text bound to ${TASK}\n" +
			"and the 'task' variable. Task nodes run their descriptions in a dedicated\n" +
			"session; approval nodes prompt on the terminal unless --skip-approvals is set.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pieceFile, taskText := args[0], args[1]

			env := map[string]string{"TASK": taskText}
			for _, pair := range envPairs {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					fmt.Fprintf(os.Stderr, "Error: malformed --env %q\n", pair)
					os.Exit(pipelineExitConfig)
				}
				env[k] = v
			}

			switch format {
			case "json", "text", "markdown":
			default:
				fmt.Fprintf(os.Stderr, "Error: unknown format %q\n", format)
				os.Exit(pipelineExitConfig)
			}

			cfg, log, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(pipelineExitConfig)
			}

			w, err := workflow.LoadFile(pieceFile, env)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(pipelineExitConfig)
			}

			// Dedicated session for the run; task nodes execute their
			// descriptions in it.
			manager := session.NewManager(log)
			sess, err := manager.CreateSession("pipeline-run", session.Config{
				WorkingDir:            mustGetwd(),
				OutputBufferSize:      cfg.Sessions.OutputBufferSize,
				AllowHeadlessFallback: true,
			})
			if err != nil {
				return classify(err)
			}
			if err := sess.Start(); err != nil {
				return apperr.Wrap(apperr.KindBackendIO, "failed to start pipeline session", err)
			}
			defer func() { _ = sess.Stop() }()
			sess.SetCommandWait(cfg.Sessions.CommandWait())

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			// Approval nodes gate through the HITL manager; the operator
			// decides at the terminal, the sweeper times out the rest.
			approvals := approval.NewManager(cfg.Approval, log)
			go approvals.RunSweeper(ctx, time.Second)
			go promptApprovals(ctx, approvals)
			gateWindow := time.Duration(cfg.Approval.DefaultTimeoutSecs+5) * time.Second

			engine := workflow.NewEngine(workflow.Handlers{
				Task: func(ctx context.Context, node *workflow.Node, execCtx workflow.ExecutionContext) error {
					if node.Task == nil || node.Task.Description == "" {
						return nil
					}
					_, err := sess.ExecuteCommand(node.Task.Description)
					return err
				},
				Approval: approval.WorkflowGate(approvals, gateWindow),
			}, log)

			// Wait past the deadline: on timeout the engine winds down
			// cooperatively and reports the run as cancelled.
			result, err := engine.Start(ctx, w, workflow.ExecutionContext{
				Variables: map[string]any{"task": taskText},
				Options:   workflow.Options{SkipApprovals: skipApprovals},
			}).Wait(context.Background())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(pipelineExitFailure)
			}

			rendered, err := renderPipelineResult(format, w, result)
			if err != nil {
				return err
			}
			if outputFile != "" {
				if err := os.WriteFile(outputFile, []byte(rendered), 0644); err != nil {
					return err
				}
			} else {
				fmt.Println(rendered)
			}

			switch result.Status {
			case workflow.ExecutionCompleted:
				return nil
			case workflow.ExecutionCancelled:
				os.Exit(pipelineExitTimeout)
			default:
				os.Exit(pipelineExitFailure)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: json|text|markdown")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall pipeline timeout")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "KEY=VALUE substitutions for the piece definition")
	cmd.Flags().StringVar(&outputFile, "output", "", "write the result to a file instead of stdout")
	cmd.Flags().BoolVar(&skipApprovals, "skip-approvals", false, "auto-complete approval nodes without asking")
	return cmd
}

// promptApprovals surfaces pending approval requests on the terminal
// and records the operator's answer. Each request is asked once; with
// no answer the sweeper times it out.
func promptApprovals(ctx context.Context, approvals *approval.Manager) {
	asked := make(map[string]bool)
	reader := bufio.NewReader(os.Stdin)

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, req := range approvals.Pending() {
			if asked[req.ID] {
				continue
			}
			asked[req.ID] = true

			fmt.Fprintf(os.Stderr, "approval required (%s risk): %s [y/N]: ", req.Risk, req.Description)
			line, err := reader.ReadString('\n')
			if err != nil {
				// No terminal input; leave the request to the sweeper.
				return
			}
			answer := strings.ToLower(strings.TrimSpace(line))
			if answer == "y" || answer == "yes" {
				_ = approvals.Approve(req.ID, "operator", "approved at terminal")
			} else {
				_ = approvals.Reject(req.ID, "operator", "rejected at terminal")
			}
		}
	}
}

func renderPipelineResult(format string, w *workflow.Workflow, result *workflow.ExecutionResult) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		return string(data), err

	case "markdown":
		var b strings.Builder
		fmt.Fprintf(&b, "# Pipeline %s\n\n", w.Name)
		fmt.Fprintf(&b, "Status: **%s**\n\n", result.Status)
		b.WriteString("| Node | Status |\n|---|---|\n")
		for _, id := range sortedNodeIDs(result) {
			fmt.Fprintf(&b, "| %s | %s |\n", id, result.NodeStates[id])
		}
		return b.String(), nil

	default: // text
		var b strings.Builder
		fmt.Fprintf(&b, "pipeline %s: %s (%.1fs)\n", w.Name, result.Status,
			result.CompletedAt.Sub(result.StartedAt).Seconds())
		for _, id := range sortedNodeIDs(result) {
			fmt.Fprintf(&b, "  %-20s %s\n", id, result.NodeStates[id])
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
}

func sortedNodeIDs(result *workflow.ExecutionResult) []string {
	ids := make([]string, 0, len(result.NodeStates))
	for id := range result.NodeStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
