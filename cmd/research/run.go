package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"research_agent/internal/domain"
	"research_agent/internal/memory"
	"research_agent/internal/orchestrator"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		req orchestrator.Request
		raw bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one research session and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(req.Topic) == "" || strings.TrimSpace(req.Goal) == "" {
				return errors.New(orchestrator.MissingInputMessage)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			const subscriber = "cli"
			events := a.bus.Subscribe(subscriber)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range events {
					printEvent(cmd.ErrOrStderr(), ev)
				}
			}()
			out, err := a.service.Research(ctx, req)
			a.bus.Unsubscribe(subscriber)
			<-done

			stdout := cmd.OutOrStdout()
			printPlan(stdout, out)
			switch {
			case errors.Is(err, orchestrator.ErrNoReport):
				fmt.Fprintln(stdout, "Could not retrieve report.")
				return err
			case err != nil:
				return err
			case req.PlanOnly:
				return nil
			}

			fmt.Fprintln(stdout, renderMarkdown(out.Report, raw))
			if out.Artifact != nil {
				fmt.Fprintf(stdout, "report saved to %s\n", out.Artifact.URI)
			}
			if len(out.FollowUps) > 0 {
				fmt.Fprintf(stdout, "\n%d critic follow-ups were not executed:\n", len(out.FollowUps))
				for _, spec := range out.FollowUps {
					fmt.Fprintf(stdout, "  - [%s] %s\n", spec.Agent, spec.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Topic, "topic", "", "research topic")
	cmd.Flags().StringVar(&req.Goal, "goal", "", "research goal")
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id (default is a new uuid)")
	cmd.Flags().BoolVar(&req.PlanOnly, "plan-only", false, "stop after decomposition")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the report as plain Markdown")
	return cmd
}

func newTasksCmd(opts *rootOptions) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.ListProjectTasks(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newMemoryCmd(opts *rootOptions) *cobra.Command {
	var (
		projectID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Print the memory context agents would see for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			text, err := memory.New(store, cfg.Memory.Window).Context(cmd.Context(), projectID, limit)
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().IntVar(&limit, "limit", 0, "number of entries (default is the configured window)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func printEvent(w io.Writer, ev domain.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", ev.CreatedAt.Local().Format("15:04:05"), ev.Kind)
	if ev.TaskID != 0 {
		fmt.Fprintf(&b, " task=%d", ev.TaskID)
	}
	if ev.Agent != "" {
		fmt.Fprintf(&b, " agent=%s", ev.Agent)
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, " %s", truncate(ev.Detail, 80))
	}
	fmt.Fprintln(w, b.String())
}

func printPlan(w io.Writer, out orchestrator.Outcome) {
	if len(out.Tasks) == 0 {
		return
	}
	fmt.Fprintf(w, "project %s\n", out.ProjectID)
	for i, spec := range out.Tasks {
		fmt.Fprintf(w, "%2d. [%s] %s\n", i+1, spec.Agent, spec.Description)
	}
	fmt.Fprintln(w)
}

func printTasks(w io.Writer, tasks []domain.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tSTATUS\tDESCRIPTION\tRESULT")
	for _, task := range tasks {
		outcome := task.Result
		if task.Status == domain.TaskStatusFailed {
			outcome = task.LastError
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", task.ID, task.Agent, task.Status, truncate(task.Description, 50), truncate(outcome, 60))
	}
	_ = tw.Flush()
}

func renderMarkdown(md string, raw bool) string {
	if raw {
		return md
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	rendered, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return rendered
}

func truncate(value string, max int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-3]) + "..."
}
