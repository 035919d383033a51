package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"research_agent/internal/domain"
)

type options struct {
	addr      string
	interval  time.Duration
	projectID string
	embedded  bool
	serverBin string
	dbPath    string
	workspace string
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "monitor",
		Short:        "Terminal dashboard for research runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	rootCmd.Flags().StringVar(&opts.addr, "addr", "http://127.0.0.1:8787", "research server base URL")
	rootCmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "refresh interval")
	rootCmd.Flags().StringVar(&opts.projectID, "project", "", "project to watch")
	rootCmd.Flags().BoolVar(&opts.embedded, "embedded", false, "start a research server for the lifetime of the monitor")
	rootCmd.Flags().StringVar(&opts.serverBin, "server-bin", "", "path to the research binary (embedded mode)")
	rootCmd.Flags().StringVar(&opts.dbPath, "db", "data/embedded.db", "sqlite db path for the embedded server")
	rootCmd.Flags().StringVar(&opts.workspace, "workspace", "workspace", "workspace root for the embedded server")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	c := newClient(opts.addr)

	if opts.embedded {
		proc, err := startEmbeddedServer(opts.addr, opts.serverBin, opts.dbPath, opts.workspace)
		if err != nil {
			return fmt.Errorf("start embedded server: %w", err)
		}
		defer proc.Stop()
	}
	if err := waitHealth(c, 30*time.Second); err != nil {
		return fmt.Errorf("research server health check: %w", err)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	detailView.SetTitle("Task").SetBorder(true)

	memoryView := tview.NewTextView().
		SetDynamicColors(false).
		SetWrap(true)
	memoryView.SetTitle("Memory Context").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	roleStateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	roleStateView.SetTitle("Agents").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Research: ")
	promptInput.SetBorder(true).SetTitle("Enter = run \"topic | goal\", @<project> = watch project")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus tasks",
		c.baseURL,
		opts.embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(detailView, 0, 2, false).
		AddItem(memoryView, 0, 2, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(roleStateView, 7, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var (
		mu             sync.Mutex
		projectID      = strings.TrimSpace(opts.projectID)
		selectedTaskID int64
		lastTasks      []domain.Task
		detailsVersion uint64
	)
	currentProject := func() string {
		mu.Lock()
		defer mu.Unlock()
		return projectID
	}

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshTasks := func() {
		project := currentProject()
		if project == "" {
			return
		}
		tasks, err := c.listProjectTasks(project)
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].ID > tasks[j].ID
		})
		mu.Lock()
		lastTasks = tasks
		selected := selectedTaskID
		mu.Unlock()
		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, tasks, selected)
		})
	}

	refreshDetailsAsync := func() {
		project := currentProject()
		if project == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(project string, v uint64) {
			type memoryResult struct {
				view memorySnapshot
				err  error
			}
			type decisionResult struct {
				items []domain.DecisionLog
				err   error
			}

			memCh := make(chan memoryResult, 1)
			decisionCh := make(chan decisionResult, 1)
			go func() {
				view, err := c.projectMemory(project, 10)
				memCh <- memoryResult{view: view, err: err}
			}()
			go func() {
				items, err := c.listProjectDecisions(project, 250)
				decisionCh <- decisionResult{items: items, err: err}
			}()
			memRes := <-memCh
			decisionRes := <-decisionCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			mu.Lock()
			tasks := lastTasks
			selected := selectedTaskID
			mu.Unlock()

			app.QueueUpdateDraw(func() {
				if project != currentProject() {
					return
				}
				detailView.SetText(renderTaskDetail(findTask(tasks, selected)))
				if memRes.err != nil {
					memoryView.SetText(fmt.Sprintf("error: %v", memRes.err))
				} else {
					memoryView.SetText(memRes.view.Context)
				}
				if decisionRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionRes.items))
				}
				roleStateView.SetText(renderRoleState(project, tasks, decisionRes.items))
			})
		}(project, version)
	}

	watchProject := func(id string) {
		mu.Lock()
		projectID = id
		selectedTaskID = 0
		lastTasks = nil
		mu.Unlock()
		refreshTasks()
		refreshDetailsAsync()
	}

	submitPrompt := func(input string) {
		cmd, err := parsePrompt(input)
		if err != nil {
			setStatusUI(err.Error())
			return
		}
		promptInput.SetText("")
		if cmd.watch != "" {
			go watchProject(cmd.watch)
			setStatusUI("Watching project " + cmd.watch)
			return
		}

		project := uuid.NewString()
		go watchProject(project)
		setStatusUI(fmt.Sprintf("Research started in project %s ...", shortID(project)))
		go func(req researchRequest) {
			out, err := c.startResearch(req)
			switch {
			case err != nil:
				setStatusAsync("Research failed: " + err.Error())
			case out.Error != "":
				setStatusAsync("Research finished with error: " + out.Error)
			default:
				setStatusAsync(fmt.Sprintf("Research finished: %d batches, report %d chars", len(out.Batches), len(out.Report)))
			}
			refreshTasks()
			refreshDetailsAsync()
		}(researchRequest{ProjectID: project, Topic: cmd.topic, Goal: cmd.goal})
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		mu.Lock()
		if row <= 0 || row > len(lastTasks) {
			mu.Unlock()
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		mu.Unlock()
		refreshDetailsAsync()
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(tasksTable)
				setStatusUI("Focus -> tasks")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshTasks()
				refreshDetailsAsync()
			}()
			setStatusUI("Manual refresh requested")
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()

		refreshTasks()
		refreshDetailsAsync()
		for range ticker.C {
			refreshTasks()
			mu.Lock()
			if selectedTaskID == 0 && len(lastTasks) > 0 {
				selectedTaskID = lastTasks[0].ID
			}
			mu.Unlock()
			refreshDetailsAsync()
		}
	}()

	return app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run()
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

var errMissingInput = errors.New("Please provide both a topic and a goal.")

type promptCommand struct {
	topic string
	goal  string
	watch string
}

// parsePrompt reads "topic | goal" to start research or "@<project>" to switch projects.
func parsePrompt(input string) (promptCommand, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return promptCommand{}, errMissingInput
	}
	if strings.HasPrefix(input, "@") {
		project := strings.TrimSpace(strings.TrimPrefix(input, "@"))
		if project == "" {
			return promptCommand{}, errors.New("project id is required after @")
		}
		return promptCommand{watch: project}, nil
	}
	topic, goal, ok := strings.Cut(input, "|")
	topic, goal = strings.TrimSpace(topic), strings.TrimSpace(goal)
	if !ok || topic == "" || goal == "" {
		return promptCommand{}, errMissingInput
	}
	return promptCommand{topic: topic, goal: goal}, nil
}
