package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ChamsBouzaiene/forge/internal/app"
	"github.com/ChamsBouzaiene/forge/internal/events"
	"github.com/ChamsBouzaiene/forge/internal/orchestrator"
	"github.com/ChamsBouzaiene/forge/internal/session"
)

func generateCmd() *cobra.Command {
	var (
		projectName string
		skipDeploy  bool
		interactive bool
		askTimeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Run one generation in the foreground",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.Request{
				Prompt:      strings.Join(args, " "),
				ProjectName: projectName,
				Options: session.Options{
					SkipDeployment: skipDeploy,
					Interactive:    interactive,
					AskTimeout:     askTimeout,
				},
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sess, err := a.Orchestrator.Start(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "session %s\n", sess.ID)
				return follow(ctx, a, sess.ID, interactive)
			})
		},
	}
	cmd.Flags().StringVarP(&projectName, "project", "p", "", "project name (default: project)")
	cmd.Flags().BoolVar(&skipDeploy, "skip-deploy", false, "stop after verification")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer agent questions on stdin")
	cmd.Flags().DurationVar(&askTimeout, "ask-timeout", 0, "how long agents wait for an answer")
	return cmd
}

func resumeCmd() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "resume <session>",
		Short: "Continue a session from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sess, err := a.Orchestrator.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return follow(ctx, a, sess.ID, interactive)
			})
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer agent questions on stdin")
	return cmd
}

// follow prints the session's events until it ends, then its artifacts.
// Interrupting aborts the run and still reports what was produced.
func follow(ctx context.Context, a *app.App, sessionID string, interactive bool) error {
	loops, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	go a.Run(loops)

	// start at the latest generation:started so a resumed session does
	// not replay its previous runs
	var after int64
	for _, e := range a.Bus.History(sessionID, 0) {
		if e.Type == events.GenerationStarted {
			after = e.Seq - 1
		}
	}
	stdin := bufio.NewReader(os.Stdin)
	for e := range a.Bus.Subscribe(ctx, sessionID, after) {
		printEvent(os.Stderr, e)
		if interactive && e.Type == events.UserInputRequired {
			answer(a.Responses, stdin, e)
		}
	}
	if ctx.Err() != nil {
		a.Orchestrator.Abort(sessionID)
	}
	res, err := a.Orchestrator.Wait(context.Background(), sessionID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return res.Err
	}
	printResult(os.Stdout, res)
	return res.Err
}

func answer(r *session.Responses, in *bufio.Reader, e events.Event) {
	id, _ := e.Payload["questionId"].(string)
	question, _ := e.Payload["question"].(string)
	prompt := "? " + question
	if opts, ok := e.Payload["options"].([]string); ok && len(opts) > 0 {
		prompt += " [" + strings.Join(opts, "/") + "]"
	}
	for {
		fmt.Fprint(os.Stderr, prompt+" ")
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		if r.Submit(e.SessionID, id, strings.TrimSpace(line)) {
			return
		}
		if len(r.Pending(e.SessionID)) == 0 {
			return
		}
		fmt.Fprintln(os.Stderr, "  not an accepted answer, try again")
	}
}

func printEvent(w io.Writer, e events.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-22s", e.Timestamp.Local().Format("15:04:05"), e.Type)
	if e.Phase != "" {
		fmt.Fprintf(&b, " phase=%s", e.Phase)
	}
	if e.Agent != "" {
		fmt.Fprintf(&b, " agent=%s", e.Agent)
	}
	for _, k := range []string{"path", "tool", "message", "reason", "question", "url", "costUsd", "error", "summary"} {
		if v, ok := e.Payload[k]; ok && v != nil && v != "" {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
	}
	fmt.Fprintln(w, b.String())
}

func printResult(w io.Writer, res orchestrator.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Path", "Version", "Bytes", "Updated by"})
	for _, art := range res.Artifacts {
		tw.AppendRow(table.Row{art.Path, art.Version, art.Bytes, art.UpdatedBy})
	}
	tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("$%.4f", res.Usage.CostUSD)})
	tw.Render()

	fmt.Fprintf(w, "\n%s: %s\n", res.Status, res.Summary)
	if res.DeploymentURL != "" {
		fmt.Fprintf(w, "deployed at %s\n", res.DeploymentURL)
	}
	if res.Coverage != nil {
		fmt.Fprintf(w, "plan coverage %d%%\n", res.Coverage.Percent)
	}
}
