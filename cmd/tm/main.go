package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskmaster/internal/app"
	"taskmaster/internal/config"
	"taskmaster/internal/db"
	"taskmaster/internal/domain"
	"taskmaster/internal/engine"
	"taskmaster/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Taskmaster CLI",
	Long: `Taskmaster orchestrates requests made of tasks and subtasks.
Core concepts:
- Request: a unit of intent split into tasks; it completes once every task is approved.
- Task / Subtask: units of work moving PENDING -> IN_PROGRESS -> DONE_UNAPPROVED -> APPROVED.
- Scheduler: picks the next pending unit by priority, urgency and runtime context.
- Decision engine: approves finished units automatically when confidence clears the policy threshold, otherwise asks a human (AGENT or MANAGER).
- Insight: rewards past executions and nudges the threshold and scheduling weights.
- Resilience: failed executions retry with backoff and jitter; circuit breakers stop hammering a failing executor.
- Event log: every transition, view with 'tm log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKMASTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() string {
	return viper.GetString("actor-id")
}

// ---- requests ----

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Manage requests"}
	cmd.AddCommand(requestCreateCmd())
	cmd.AddCommand(requestListCmd())
	cmd.AddCommand(requestShowCmd())
	cmd.AddCommand(requestAddCmd())
	cmd.AddCommand(requestApproveCmd())
	cmd.AddCommand(requestDeleteCmd())
	return cmd
}

func requestCreateCmd() *cobra.Command {
	var desc, split, priority, due, tasksFile string
	var tasks []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a request",
		Long:  "Create a request from --task titles or a JSON file of tasks (title, description, priority, due_date, subtasks).",
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := unitInputs(tasks, tasksFile)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.CreateRequest(ctx, engine.CreateRequestOptions{
					Description:  desc,
					SplitDetails: split,
					Priority:     priority,
					Due:          due,
					Tasks:        inputs,
					ActorID:      actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("Created request %s\n", req.ID)
				printUnitTree(req.Tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "request description")
	cmd.Flags().StringVar(&split, "split-details", "", "how the request was split into tasks")
	cmd.Flags().StringVar(&priority, "priority", "", "default priority for tasks (HIGH, MEDIUM, LOW)")
	cmd.Flags().StringVar(&due, "due", "", "default due date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "task title (repeatable)")
	cmd.Flags().StringVar(&tasksFile, "tasks-file", "", "JSON file with an array of tasks")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func requestListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListRequests(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Status", "Approved", "Units", "Pending", "In progress", "Done", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{
						r.ID, truncate(r.Description, 40), r.Status, r.Approved, r.Units,
						r.Counts[domain.StatusPending], r.Counts[domain.StatusInProgress],
						r.Counts[domain.StatusDoneUnapproved] + r.Counts[domain.StatusApproved],
						humanize.Time(r.CreatedAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request and its task tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("%s  %s  (%s, created %s)\n", req.ID, req.Description, req.Status, humanize.Time(req.CreatedAt))
				if req.Approved {
					fmt.Printf("approved by %s\n", req.ApprovedBy)
				}
				printUnitTree(req.Tasks)
				return nil
			})
		},
	}
}

func requestAddCmd() *cobra.Command {
	var priority, due, tasksFile string
	var tasks []string
	cmd := &cobra.Command{
		Use:   "add <request-id>",
		Short: "Append tasks to a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := unitInputs(tasks, tasksFile)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				units, err := rt.Engine.AddUnits(ctx, engine.AddUnitsOptions{
					RequestID: args[0],
					Units:     inputs,
					Priority:  priority,
					Due:       due,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				printUnitTree(units)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "priority for the new tasks")
	cmd.Flags().StringVar(&due, "due", "", "due date for the new tasks")
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "task title (repeatable)")
	cmd.Flags().StringVar(&tasksFile, "tasks-file", "", "JSON file with an array of tasks")
	return cmd
}

func requestApproveCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a request whose units are all approved",
		Long:  "Without --role the decision engine evaluates the request; with --role AGENT or MANAGER the approval is recorded as a human verdict.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r domain.Role
			if role != "" {
				parsed, err := domain.ParseRole(role)
				if err != nil {
					return err
				}
				r = parsed
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ApproveRequest(ctx, engine.ApproveRequestOptions{
					RequestID: args[0],
					Role:      r,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printDecision(res.Decision)
				m := res.Metrics
				fmt.Printf("units %d  auto-approved %.0f%%  success %.0f%%  errors %.0f%%  avg %s  total %s\n",
					m.Units, m.AutoApprovalRate*100, m.SuccessRate*100, m.ErrorRate*100, seconds(m.AvgUnitTime), seconds(m.TotalTime))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "record a human approval as AGENT or MANAGER")
	return cmd
}

func requestDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <request-id>",
		Short: "Delete a request whose units are all approved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteRequest(ctx, args[0], actor()); err != nil {
					return err
				}
				fmt.Printf("Deleted request %s\n", args[0])
				return nil
			})
		},
	}
}

// ---- units ----

func unitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "unit", Short: "Work on tasks and subtasks"}
	cmd.AddCommand(unitNextCmd())
	cmd.AddCommand(unitOutcomeCmd())
	cmd.AddCommand(unitNotifyCmd())
	cmd.AddCommand(unitApproveCmd())
	cmd.AddCommand(unitReviewCmd())
	cmd.AddCommand(unitFeedbackCmd())
	cmd.AddCommand(unitUpdateCmd())
	cmd.AddCommand(unitDeleteCmd())
	cmd.AddCommand(unitDecomposeCmd())
	cmd.AddCommand(unitShowCmd())
	return cmd
}

func unitNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <request-id>",
		Short: "Claim the highest scoring pending unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				next, err := rt.Engine.GetNextTask(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(next)
				}
				switch {
				case next.Unit != nil:
					fmt.Printf("%s  %s  (%s)\n", next.Unit.ID, next.Unit.Title, next.Unit.Priority)
					if next.Score != nil {
						fmt.Printf("score %.3f\n", next.Score.Total)
					}
				case next.RetryAt != nil:
					fmt.Printf("%s: next retry %s\n", next.Status, humanize.Time(*next.RetryAt))
				default:
					fmt.Println(next.Status)
				}
				return nil
			})
		},
	}
}

func unitOutcomeCmd() *cobra.Command {
	var status, details string
	var execTime, resource float64
	var definitive bool
	cmd := &cobra.Command{
		Use:   "outcome <request-id> <unit-id>",
		Short: "Report a synchronous execution outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var et *float64
			if cmd.Flags().Changed("exec-time") {
				et = &execTime
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.MarkUnitOutcome(ctx, engine.MarkOutcomeOptions{
					RequestID:     args[0],
					UnitID:        args[1],
					Status:        domain.Outcome(strings.ToUpper(status)),
					Details:       details,
					ExecutionTime: et,
					ResourceUsage: resource,
					Definitive:    definitive,
					ActorID:       actor(),
				})
				if err != nil {
					return err
				}
				return printUnit(u)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.OutcomeCompleted), "COMPLETED or PENDING")
	cmd.Flags().StringVar(&details, "details", "", "result details or failure reason")
	cmd.Flags().Float64Var(&execTime, "exec-time", 0, "execution time in seconds (defaults to time since start)")
	cmd.Flags().Float64Var(&resource, "resource", 0, "resource usage fraction in [0, 1]")
	cmd.Flags().BoolVar(&definitive, "definitive", false, "do not retry a PENDING outcome")
	return cmd
}

func unitNotifyCmd() *cobra.Command {
	var event, details string
	var execTime, resource float64
	var definitive bool
	cmd := &cobra.Command{
		Use:   "notify <request-id> <unit-id>",
		Short: "Deliver the asynchronous outcome of a unit awaiting an event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var et *float64
			if cmd.Flags().Changed("exec-time") {
				et = &execTime
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.NotifyUnitEvent(ctx, engine.NotifyOptions{
					RequestID:     args[0],
					UnitID:        args[1],
					Event:         domain.UnitEvent(strings.ToUpper(event)),
					Details:       details,
					ExecutionTime: et,
					ResourceUsage: resource,
					Definitive:    definitive,
					ActorID:       actor(),
				})
				if err != nil {
					return err
				}
				return printUnit(u)
			})
		},
	}
	cmd.Flags().StringVar(&event, "event", string(domain.EventCompleted), "COMPLETED or FAILED")
	cmd.Flags().StringVar(&details, "details", "", "result details or failure reason")
	cmd.Flags().Float64Var(&execTime, "exec-time", 0, "execution time in seconds")
	cmd.Flags().Float64Var(&resource, "resource", 0, "resource usage fraction in [0, 1]")
	cmd.Flags().BoolVar(&definitive, "definitive", false, "do not retry a FAILED event")
	return cmd
}

func unitApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <request-id> <unit-id>",
		Short: "Ask the decision engine to approve a finished unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.ApproveUnit(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printDecision(d)
				return nil
			})
		},
	}
}

func unitReviewCmd() *cobra.Command {
	var role, comment string
	var approve, reject bool
	var score float64
	cmd := &cobra.Command{
		Use:   "review <request-id> <unit-id>",
		Short: "Record a human verdict on a finished unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return errors.New("exactly one of --approve or --reject is required")
			}
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			var s *float64
			if cmd.Flags().Changed("score") {
				s = &score
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.ReviewUnit(ctx, engine.ReviewOptions{
					RequestID: args[0],
					UnitID:    args[1],
					Role:      r,
					Approve:   approve,
					Comment:   comment,
					Score:     s,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printDecision(d)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleAgent), "reviewer role: AGENT or MANAGER")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the unit")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the unit and send it back to PENDING")
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	cmd.Flags().Float64Var(&score, "score", 0, "feedback score in [0, 1]")
	return cmd
}

func unitFeedbackCmd() *cobra.Command {
	var score float64
	var comment string
	cmd := &cobra.Command{
		Use:   "feedback <request-id> <unit-id>",
		Short: "Score the latest execution of a unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fb, err := rt.Engine.SubmitFeedback(ctx, engine.FeedbackOptions{
					RequestID: args[0],
					UnitID:    args[1],
					Score:     score,
					Comment:   comment,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fb)
				}
				fmt.Printf("Recorded feedback %.2f for %s\n", fb.Score, fb.UnitID)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "score in [0, 1]")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func unitUpdateCmd() *cobra.Command {
	var title, desc, priority, due string
	var clearDue bool
	cmd := &cobra.Command{
		Use:   "update <request-id> <unit-id>",
		Short: "Update a unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateUnitOptions{
				RequestID: args[0],
				UnitID:    args[1],
				ClearDue:  clearDue,
				ActorID:   actor(),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("due") {
				opts.Due = &due
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.UpdateUnit(ctx, opts)
				if err != nil {
					return err
				}
				return printUnit(u)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&due, "due", "", "new due date")
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "remove the due date")
	return cmd
}

func unitDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <request-id> <unit-id>",
		Short: "Delete a unit and its subtasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteUnit(ctx, args[0], args[1], actor()); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[1])
				return nil
			})
		},
	}
}

func unitDecomposeCmd() *cobra.Command {
	var subtasks []string
	var file string
	cmd := &cobra.Command{
		Use:   "decompose <request-id> <task-id>",
		Short: "Split a task into subtasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := unitInputs(subtasks, file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				units, err := rt.Engine.DecomposeUnit(ctx, engine.DecomposeOptions{
					RequestID: args[0],
					TaskID:    args[1],
					Subtasks:  inputs,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				printUnitTree(units)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&subtasks, "subtask", nil, "subtask title (repeatable)")
	cmd.Flags().StringVar(&file, "subtasks-file", "", "JSON file with an array of subtasks")
	return cmd
}

func unitShowCmd() *cobra.Command {
	var samples bool
	cmd := &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show a task or subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.GetUnit(ctx, args[0])
				if err != nil {
					return err
				}
				if !samples {
					return printUnit(u)
				}
				list := rt.Engine.Samples(u.ID)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"unit": u, "samples": list})
				}
				if err := printUnit(u); err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Attempt", "Time", "Resource", "Error", "Final", "When"})
				for _, s := range list {
					tw.AppendRow(table.Row{s.Attempt, seconds(s.ExecutionTime), fmt.Sprintf("%.2f", s.ResourceUsage), s.ErrorOccurred, s.Final, humanize.Time(s.Timestamp)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&samples, "samples", false, "include performance samples")
	return cmd
}

// ---- engine ----

func runCmd() *cobra.Command {
	var parallelism int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run [request-id...]",
		Short: "Execute pending units through the configured executor",
		Long:  "Dispatches pending units to the executor (executor.url or TASKMASTER_EXECUTOR_URL) until nothing is left. Without ids every open request runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				reports, err := rt.Engine.RunAll(ctx, args, parallelism)
				if err != nil && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Request", "Dispatched", "Completed", "Requeued", "Failed", "Awaiting", "Auto-approved", "Escalated", "Circuit open", "Status"})
				for _, r := range reports {
					tw.AppendRow(table.Row{r.RequestID, r.Dispatched, r.Completed, r.Requeued, r.Failed, r.Awaiting, r.AutoApproved, r.Escalated, r.CircuitOpen, r.Status})
				}
				tw.Render()
				if err != nil {
					fmt.Println("stopped after", timeout)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "units in flight per request (default scheduler.parallelism)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop dispatching after this long")
	return cmd
}

func policyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Show the approval policy, breakers and the statistics behind them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				view, err := rt.Engine.Policy(ctx)
				if err != nil {
					return err
				}
				breakers := rt.Engine.Breakers()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"policy": view, "breakers": breakers})
				}
				fmt.Printf("threshold %.3f  (bounds %.2f..%.2f)  version %d, updated %s\n",
					view.Threshold, view.Bounds.MinThreshold, view.Bounds.MaxThreshold, view.Version, humanize.Time(view.UpdatedAt))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Signal", "Weight"})
				names := make([]string, 0, len(view.Weights))
				for name := range view.Weights {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					tw.AppendRow(table.Row{name, fmt.Sprintf("%.3f", view.Weights[name])})
				}
				tw.Render()
				fmt.Printf("samples %s (final %s)  error rate %.1f%%  avg time %s  mean reward %.3f\n",
					humanize.Comma(int64(view.Samples.Samples)), humanize.Comma(int64(view.Samples.FinalSamples)),
					view.Samples.ErrorRate*100, seconds(view.Samples.AvgExecutionTime), view.Insight.MeanReward)
				if len(breakers) > 0 {
					bw := table.NewWriter()
					bw.SetOutputMirror(os.Stdout)
					bw.AppendHeader(table.Row{"Breaker", "State", "Failures", "Since"})
					for _, b := range breakers {
						bw.AppendRow(table.Row{b.Site, b.State, b.ConsecutiveFailures, humanize.Time(b.ChangedAt)})
					}
					bw.Render()
				}
				return nil
			})
		},
	}
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Counts of requests and units by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.Summary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("requests %d (open %d, complete %d)\n", s.Requests, s.Open, s.Complete)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Units"})
				for _, st := range domain.Statuses {
					tw.AppendRow(table.Row{st, s.Units[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default taskmaster.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of every transition: requests, units, approvals and policy updates.",
	}
	var limit int
	var requestID, typ string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evts, err := rt.Engine.Repo.LatestEvents(ctx, limit, repo.EventFilter{RequestID: requestID, Type: typ})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor"})
				for _, e := range evts {
					when := e.TS
					if ts, err := time.Parse(time.RFC3339Nano, e.TS); err == nil {
						when = humanize.Time(ts)
					}
					tw.AppendRow(table.Row{e.ID, when, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "number of events")
	tail.Flags().StringVar(&requestID, "request", "", "request filter")
	tail.Flags().StringVar(&typ, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API with webhook delivery, periodic policy recalibration and live config reload. Auth comes from TASKMASTER_JWT_SECRET or TASKMASTER_ALLOW_ROLE_HEADER.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fmt.Printf("Serving Taskmaster API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n",
					firstNonEmpty(addr, rt.Env.Addr), firstNonEmpty(basePath, rt.Env.BasePath))
				return rt.Serve(ctx, addr, basePath)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default TASKMASTER_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default TASKMASTER_BASE_PATH)")
	return cmd
}

// ---- helpers ----

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		env.LogLevel = lvl
	}
	logger := app.NewLogger(os.Stderr, env, false)
	rt, err := app.Open(ctx, viper.GetString("workspace"), env, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func unitInputs(titles []string, file string) ([]engine.UnitInput, error) {
	var inputs []engine.UnitInput
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	for _, title := range titles {
		inputs = append(inputs, engine.UnitInput{Title: title})
	}
	if len(inputs) == 0 {
		return nil, errors.New("at least one unit is required")
	}
	return inputs, nil
}

func printUnit(u domain.Unit) error {
	if viper.GetBool("json") {
		return printJSON(u)
	}
	printUnitTree([]domain.Unit{u})
	if u.Details != "" {
		fmt.Println("details:", u.Details)
	}
	return nil
}

func printUnitTree(units []domain.Unit) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Due", "Attempts", "Confidence", "Approved by"})
	var walk func(list []domain.Unit, depth int)
	walk = func(list []domain.Unit, depth int) {
		for _, u := range list {
			due := ""
			if u.DueDate != nil {
				due = humanize.Time(*u.DueDate)
			}
			conf := ""
			if u.Confidence != nil {
				conf = fmt.Sprintf("%.2f", *u.Confidence)
			}
			status := string(u.Status)
			if u.Failed {
				status += " (failed)"
			} else if u.AwaitingEvent {
				status += " (awaiting event)"
			}
			tw.AppendRow(table.Row{u.ID, strings.Repeat("  ", depth) + u.Title, status, u.Priority, due, u.Attempts, conf, u.ApprovedBy})
			walk(u.Subtasks, depth+1)
		}
	}
	walk(units, 0)
	tw.Render()
}

func printDecision(d domain.Decision) {
	verdict := "escalated to a human reviewer"
	if d.Approved {
		verdict = "approved"
	} else if !d.Escalated {
		verdict = "rejected"
	}
	fmt.Printf("%s by %s  confidence %.3f  threshold %.3f\n", verdict, d.Role, d.Confidence, d.Threshold)
	if d.Reason != "" {
		fmt.Println("reason:", d.Reason)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func seconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
