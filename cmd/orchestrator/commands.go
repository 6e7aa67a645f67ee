package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strataga/ghostpirates/internal/escalation"
	"github.com/strataga/ghostpirates/internal/plan"
	"github.com/strataga/ghostpirates/internal/scheduler"
	"github.com/strataga/ghostpirates/internal/tui"
)

func newTeamCmd(a *app) *cobra.Command {
	team := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
	}
	team.AddCommand(&cobra.Command{
		Use:   "create <goal>",
		Short: "Create a pending team for a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.orch.CreateTeam(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	})
	return team
}

func newTaskCmd(a *app) *cobra.Command {
	var (
		title        string
		description  string
		criteria     string
		priority     int
		skills       []string
		maxRevisions int
	)
	add := &cobra.Command{
		Use:   "add <team-id>",
		Short: "Submit a task to a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := &scheduler.Task{
				TeamID:             args[0],
				Title:              title,
				Description:        description,
				AcceptanceCriteria: criteria,
				Priority:           priority,
				RequiredSkills:     skills,
				MaxRevisions:       maxRevisions,
			}
			if err := a.orch.SubmitTask(cmd.Context(), task); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "task title")
	add.Flags().StringVar(&description, "description", "", "task description")
	add.Flags().StringVar(&criteria, "criteria", "", "acceptance criteria")
	add.Flags().IntVar(&priority, "priority", scheduler.DefaultPriority, "priority, 1 (lowest) to 10")
	add.Flags().StringSliceVar(&skills, "skills", nil, "required skills")
	add.Flags().IntVar(&maxRevisions, "max-revisions", 0, "revision limit (0 uses the configured default)")
	add.MarkFlagRequired("title")

	tasks := &cobra.Command{
		Use:   "tasks",
		Short: "Manage tasks",
	}
	tasks.AddCommand(add)
	return tasks
}

func newDepsCmd(a *app) *cobra.Command {
	deps := &cobra.Command{
		Use:   "deps",
		Short: "Manage task dependencies",
	}
	deps.AddCommand(&cobra.Command{
		Use:   "add <task-id> <depends-on-id>",
		Short: "Make a task wait for another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.orch.AddDependency(cmd.Context(), args[0], args[1])
		},
	})
	return deps
}

func newWorkersCmd(a *app) *cobra.Command {
	var (
		name     string
		spec     string
		capacity int
	)
	add := &cobra.Command{
		Use:   "add <team-id>",
		Short: "Register a worker with a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scheduler.ParseSpecialization(spec)
			if err != nil {
				return err
			}
			w := &scheduler.Worker{
				TeamID:             args[0],
				Name:               name,
				Specialization:     s,
				MaxConcurrentTasks: capacity,
			}
			if err := a.orch.RegisterWorker(cmd.Context(), w); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), w.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "worker name")
	add.Flags().StringVar(&spec, "spec", "coder", "specialization: researcher, coder, reviewer, tester or writer")
	add.Flags().IntVar(&capacity, "capacity", plan.DefaultWorkerCapacity, "concurrent tasks")
	add.MarkFlagRequired("name")

	workers := &cobra.Command{
		Use:   "workers",
		Short: "Manage workers",
	}
	workers.AddCommand(add)
	return workers
}

func newImportCmd(a *app) *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "import <plan.yaml>",
		Short: "Import a decomposed plan, creating a team for its goal unless --team is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			if teamID == "" {
				t, err := a.orch.CreateTeam(cmd.Context(), p.Goal)
				if err != nil {
					return err
				}
				teamID = t.ID
			}
			tasks, err := a.orch.ImportPlan(cmd.Context(), teamID, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nimported %d tasks and %d workers\n", teamID, len(tasks), len(p.Workers))
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "existing team to import into")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var width int
	cmd := &cobra.Command{
		Use:   "status <team-id>",
		Short: "Show a team's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.orch.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.RenderStatus(st, width))
			return nil
		},
	}
	cmd.Flags().IntVar(&width, "width", tui.DefaultWidth, "pane width")
	return cmd
}

func newGraphCmd(a *app) *cobra.Command {
	var width int
	cmd := &cobra.Command{
		Use:   "graph <team-id>",
		Short: "Show a team's tasks in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := a.orch.GetDependencyGraph(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.RenderGraph(g, width))
			return nil
		},
	}
	cmd.Flags().IntVar(&width, "width", tui.DefaultWidth, "pane width")
	return cmd
}

func newEscalationsCmd(a *app) *cobra.Command {
	esc := &cobra.Command{
		Use:     "escalations",
		Aliases: []string{"esc"},
		Short:   "Review and resolve escalated tasks",
	}

	var (
		teamID string
		taskID string
		all    bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List escalations, open ones only unless --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := a.orch.ListEscalations(cmd.Context(), escalation.Filter{
				TeamID:   teamID,
				TaskID:   taskID,
				OpenOnly: !all,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.RenderEscalations(found, tui.DefaultWidth))
			return nil
		},
	}
	list.Flags().StringVar(&teamID, "team", "", "only this team")
	list.Flags().StringVar(&taskID, "task", "", "only this task")
	list.Flags().BoolVar(&all, "all", false, "include closed escalations")

	var by string
	ack := &cobra.Command{
		Use:   "ack <escalation-id>",
		Short: "Acknowledge an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.orch.AcknowledgeEscalation(cmd.Context(), args[0], by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s acknowledged by %s\n", e.ID, e.AssignedTo)
			return nil
		},
	}
	ack.Flags().StringVar(&by, "by", "", "who is handling it")
	ack.MarkFlagRequired("by")

	var (
		notes string
		retry bool
	)
	resolve := &cobra.Command{
		Use:   "resolve <escalation-id>",
		Short: "Resolve an escalation, optionally sending the task back for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.orch.ResolveEscalation(cmd.Context(), args[0], notes, retry)
			if err != nil {
				return err
			}
			outcome := "task failed"
			if e.RetryRequested {
				outcome = "task requeued"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resolved, %s\n", e.ID, outcome)
			return nil
		},
	}
	resolve.Flags().StringVar(&notes, "notes", "", "resolution notes")
	resolve.Flags().BoolVar(&retry, "retry", false, "requeue the task from its last checkpoint")

	var cancelNotes string
	cancel := &cobra.Command{
		Use:   "cancel <escalation-id>",
		Short: "Close an escalation and fail its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.orch.CancelEscalation(cmd.Context(), args[0], cancelNotes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", e.ID)
			return nil
		},
	}
	cancel.Flags().StringVar(&cancelNotes, "notes", "", "why the task is abandoned")

	esc.AddCommand(list, ack, resolve, cancel)
	return esc
}
