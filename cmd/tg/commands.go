package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgraph/internal/app"
	"taskgraph/internal/capacity"
	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
	"taskgraph/internal/proposal"
	"taskgraph/internal/schedule"
)

func graphCmd() *cobra.Command {
	g := &cobra.Command{Use: "graph", Short: "Load and inspect the whole graph"}
	g.AddCommand(graphImportCmd())
	g.AddCommand(graphShowCmd())
	g.AddCommand(graphOverviewCmd())
	return g
}

func graphImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace the graph with a YAML or JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			g, err := decodeGraph(args[0], data)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v, err := ws.Engine.LoadGraph(ctx, g, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printVersion(v)
				}
				fmt.Printf("imported %d tasks, %d users, %d projects at version %d\n", len(g.Tasks), len(g.Users), len(g.Projects), v)
				return nil
			})
		},
	}
}

func graphShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List tasks with their derived status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Graph(expectedVersion())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"version":      snap.Version(),
						"projects":     snap.Projects(),
						"users":        snap.Users(),
						"tasks":        snap.Tasks(),
						"dependencies": snap.Edges(),
					})
				}
				all, _, err := ws.Engine.ClassifyAll(snap.Version())
				if err != nil {
					return err
				}
				classes := map[string]domain.Status{}
				for _, c := range all {
					classes[c.TaskID] = c.Status
				}
				fmt.Printf("version %d\n", snap.Version())
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Derived", "Owner", "Persona", "Duration", "Depends on"})
				for _, t := range snap.Tasks() {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, classes[t.ID], t.OwnerID, t.PersonaID, t.Duration, strings.Join(t.DependencyIDs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func graphOverviewCmd() *cobra.Command {
	var periods int
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Classification, schedule and team load in one report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				ov, err := ws.Engine.Overview(ctx, periods, expectedVersion())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ov)
				}
				fmt.Printf("version %d, finish %d, critical path %s, ready %s\n",
					ov.Version, ov.Schedule.Finish, strings.Join(ov.CriticalPath, " -> "), strings.Join(ov.Ready, ","))
				tw := newTable()
				tw.AppendHeader(table.Row{"User", "Period", "Hours", "Capacity", "Load", "Flag"})
				for _, u := range sortedKeys(ov.Load) {
					for _, l := range ov.Load[u] {
						tw.AppendRow(loadRow(l))
					}
				}
				tw.Render()
				for _, o := range ov.Overcommit {
					fmt.Printf("overcommitted: %s personas %.0f > base %.0f\n", o.UserID, o.PersonaTotal, o.BaseCapacity)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&periods, "periods", 4, "number of periods of load to report")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskUpsertCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskDeleteCmd())
	t.AddCommand(taskClassifyCmd())
	t.AddCommand(taskSlackCmd())
	return t
}

func taskUpsertCmd() *cobra.Command {
	var in domain.Task
	var status, priority string
	cmd := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Create a task or update the given fields of an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, _, err := ws.Engine.Task(args[0], 0)
				if err != nil && !errors.Is(err, graph.ErrUnknownTask) {
					return err
				}
				t.ID = args[0]
				// Unchanged flags keep the stored value; nil dependencies keep
				// the stored edges.
				t.DependencyIDs = nil
				flags := cmd.Flags()
				if flags.Changed("title") {
					t.Title = in.Title
				}
				if flags.Changed("project") {
					t.ProjectID = in.ProjectID
				}
				if flags.Changed("owner") {
					t.OwnerID = in.OwnerID
				}
				if flags.Changed("persona") {
					t.PersonaID = in.PersonaID
				}
				if flags.Changed("start") {
					t.StartDate = in.StartDate
				}
				if flags.Changed("duration") {
					t.Duration = in.Duration
				}
				if flags.Changed("planned") {
					t.PlannedDuration = in.PlannedDuration
				}
				if flags.Changed("progress") {
					t.Progress = in.Progress
				}
				if flags.Changed("milestone") {
					t.IsMilestone = in.IsMilestone
				}
				if flags.Changed("depends-on") {
					t.DependencyIDs = append([]string{}, in.DependencyIDs...)
				}
				if flags.Changed("status") {
					s, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					t.Status = s
				}
				if flags.Changed("priority") {
					t.Priority = domain.Priority(priority)
				}
				v, err := ws.Engine.UpsertTask(ctx, t, actor())
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.Title, "title", "", "title")
	f.StringVar(&in.ProjectID, "project", "", "project id")
	f.StringVar(&in.OwnerID, "owner", "", "owner user id")
	f.StringVar(&in.PersonaID, "persona", "", "persona id")
	f.IntVar(&in.StartDate, "start", 0, "start day")
	f.IntVar(&in.Duration, "duration", 0, "duration in days")
	f.IntVar(&in.PlannedDuration, "planned", 0, "planned duration in days")
	f.IntVar(&in.Progress, "progress", 0, "progress percent")
	f.BoolVar(&in.IsMilestone, "milestone", false, "zero-length milestone")
	f.StringSliceVar(&in.DependencyIDs, "depends-on", nil, "blocking task ids (replaces existing)")
	f.StringVar(&status, "status", "", "recorded status")
	f.StringVar(&priority, "priority", "", "High, Medium or Low")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task and its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, v, err := ws.Engine.Task(args[0], expectedVersion())
				if err != nil {
					return err
				}
				deps, _, err := ws.Engine.Dependencies(args[0], v)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v, "task": t, "dependencies": deps})
				}
				fmt.Printf("%s  %s\nstatus %s  priority %s  owner %s/%s\nstart %d  duration %d  planned %d  progress %d%%\n",
					t.ID, t.Title, t.Status, t.Priority, t.OwnerID, t.PersonaID, t.StartDate, t.Duration, t.PlannedDuration, t.Progress)
				tw := newTable()
				tw.AppendHeader(table.Row{"Direction", "Task", "Type", "Note"})
				for _, d := range deps.BlockedBy {
					tw.AppendRow(table.Row{"blocked by", d.ToID, d.Type, d.Note})
				}
				for _, d := range deps.Blocking {
					tw.AppendRow(table.Row{"blocking", d.FromID, d.Type, d.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v, err := ws.Engine.DeleteTask(ctx, args[0], cascade, actor())
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also drop edges from dependent tasks")
	return cmd
}

func taskClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <id>",
		Short: "Derive a task's status from its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				c, v, err := ws.Engine.Classify(args[0], expectedVersion())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v, "classification": c})
				}
				fmt.Printf("%s: %s (recorded %s)\n", c.TaskID, c.Status, c.Recorded)
				if len(c.Blockers) > 0 {
					fmt.Println("blocked by", strings.Join(c.Blockers, ", "))
				}
				return nil
			})
		},
	}
}

func taskSlackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slack <id>",
		Short: "Days the task can slip without moving the finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				s, v, err := ws.Engine.Slack(args[0], expectedVersion())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v, "taskId": args[0], "slack": s})
				}
				fmt.Println(s)
				return nil
			})
		},
	}
}

func depCmd() *cobra.Command {
	d := &cobra.Command{Use: "dep", Short: "Manage dependencies"}
	var typ, note string
	add := &cobra.Command{
		Use:   "add <from> <to>",
		Short: "Make <from> depend on <to>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				dep := domain.Dependency{FromID: args[0], ToID: args[1], Type: domain.DependencyType(typ), Note: note}
				v, err := ws.Engine.AddDependency(ctx, dep, actor())
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}
	add.Flags().StringVar(&typ, "type", string(domain.BlockedBy), "blocked_by, waiting_on or helpful_if_done_first")
	add.Flags().StringVar(&note, "note", "", "free-form note")
	rm := &cobra.Command{
		Use:   "rm <from> <to>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v, err := ws.Engine.RemoveDependency(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}
	d.AddCommand(add, rm)
	return d
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users and personas"}
	var name string
	var base float64
	var personas []string
	upsert := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Create or replace a user",
		Long:  "Personas are given as id=capacity[:role], e.g. --persona dev=30:engineer.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := domain.User{ID: args[0], Name: name, BaseCapacity: base}
			for _, spec := range personas {
				p, err := parsePersona(args[0], spec)
				if err != nil {
					return err
				}
				user.Personas = append(user.Personas, p)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v, err := ws.Engine.UpsertUser(ctx, user, actor())
				if err != nil {
					return err
				}
				return printVersion(v)
			})
		},
	}
	upsert.Flags().StringVar(&name, "name", "", "display name")
	upsert.Flags().Float64Var(&base, "base-capacity", 0, "hours per period across all personas")
	upsert.Flags().StringArrayVar(&personas, "persona", nil, "persona as id=capacity[:role]; repeatable")
	u.AddCommand(upsert)
	return u
}

func parsePersona(userID, spec string) (domain.Persona, error) {
	id, rest, ok := strings.Cut(spec, "=")
	if !ok || id == "" {
		return domain.Persona{}, fmt.Errorf("persona %q: want id=capacity[:role]", spec)
	}
	capStr, role, _ := strings.Cut(rest, ":")
	var c float64
	if _, err := fmt.Sscanf(capStr, "%g", &c); err != nil {
		return domain.Persona{}, fmt.Errorf("persona %q: capacity: %w", spec, err)
	}
	return domain.Persona{ID: id, UserID: userID, Name: id, Role: role, Capacity: c}, nil
}

func scheduleCmd() *cobra.Command {
	var waves bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Earliest and latest start/finish and slack per task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				s, err := ws.Engine.Schedule(expectedVersion())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if waves {
						return printJSON(map[string]any{"version": s.Version, "finish": s.Finish, "waves": s.Waves()})
					}
					return printJSON(s)
				}
				fmt.Printf("version %d, finish day %d\n", s.Version, s.Finish)
				tw := newTable()
				if waves {
					tw.AppendHeader(table.Row{"Wave", "Start", "Tasks", "Critical"})
					for _, w := range s.Waves() {
						tw.AppendRow(table.Row{w.Index, w.Start, strings.Join(w.TaskIDs, ","), w.Critical})
					}
				} else {
					tw.AppendHeader(table.Row{"Task", "Dur", "ES", "EF", "LS", "LF", "Slack", "Critical"})
					for _, r := range s.Rows() {
						tw.AppendRow(table.Row{r.TaskID, r.Duration, r.ES, r.EF, r.LS, r.LF, r.Slack, r.Critical})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&waves, "waves", false, "group tasks into start waves")
	return cmd
}

func criticalPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "critical-path",
		Short: "Zero-slack tasks in schedule order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				s, err := ws.Engine.Schedule(expectedVersion())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": s.Version, "taskIds": s.CriticalPath(), "chains": s.Chains()})
				}
				for _, chain := range s.Chains() {
					fmt.Println(strings.Join(chain, " -> "))
				}
				return nil
			})
		},
	}
}

func impactCmd() *cobra.Command {
	var duration int
	cmd := &cobra.Command{
		Use:   "impact <task>",
		Short: "Downstream shift caused by a task's slippage",
		Long:  "Without --duration the recorded slippage (duration over plan) is propagated; with it, the task is re-scheduled at that duration as a what-if.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var (
					imp *schedule.Impact
					err error
				)
				if cmd.Flags().Changed("duration") {
					imp, err = ws.Engine.WhatIf(args[0], duration, expectedVersion())
				} else {
					imp, err = ws.Engine.Impact(args[0], expectedVersion())
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(imp)
				}
				fmt.Printf("%s slips %d day(s); project finish moves %d day(s)\n", imp.TaskID, imp.Slippage, imp.FinishDelay)
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "Start shift", "Finish shift", "Slack"})
				for _, s := range imp.Shifts {
					tw.AppendRow(table.Row{s.TaskID, s.ESShift, s.EFShift, s.Slack})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&duration, "duration", 0, "hypothetical duration")
	return cmd
}

func loadCmd() *cobra.Command {
	var period, periods int
	cmd := &cobra.Command{
		Use:   "load [user] [persona]",
		Short: "Workload against capacity",
		Long:  "With no arguments every persona is listed for the period (or the team series with --periods).",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.Graph(expectedVersion())
				if err != nil {
					return err
				}
				agg := ws.Engine.Capacity
				var loads []capacity.Load
				switch {
				case len(args) == 2:
					l, err := agg.LoadFor(snap, args[0], args[1], period)
					if err != nil {
						return err
					}
					loads = append(loads, l)
				case len(args) == 1:
					l, err := agg.UserLoad(snap, args[0], period)
					if err != nil {
						return err
					}
					loads = append(loads, l)
				case periods > 0:
					for _, series := range agg.TeamLoadSeries(snap, periods) {
						loads = append(loads, series...)
					}
				default:
					loads = agg.PersonaLoads(snap, period)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": snap.Version(), "loads": loads})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"User", "Persona", "Period", "Hours", "Capacity", "Load", "Flag"})
				for _, l := range loads {
					row := loadRow(l)
					tw.AppendRow(append(table.Row{row[0], l.PersonaID}, row[1:]...))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&period, "period", 0, "period index")
	cmd.Flags().IntVar(&periods, "periods", 0, "team series over this many periods")
	return cmd
}

func loadRow(l capacity.Load) table.Row {
	flag := ""
	switch {
	case l.Overloaded:
		flag = "OVERLOADED"
	case l.AtRisk:
		flag = "at risk"
	}
	return table.Row{l.UserID, l.Period, fmt.Sprintf("%.1f", l.Hours), fmt.Sprintf("%.1f", l.Capacity), formatPercent(l), flag}
}

func nextCmd() *cobra.Command {
	var persona string
	cmd := &cobra.Command{
		Use:   "next [user]",
		Short: "Executable tasks for a user, least slack first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := actor()
			if len(args) == 1 {
				user = args[0]
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, v, err := ws.Engine.Next(user, persona, expectedVersion())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v, "items": items})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "Title", "Priority", "Persona", "Slack"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Task.ID, it.Task.Title, it.Task.Priority, it.Task.PersonaID, it.Slack})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&persona, "persona", "", "only tasks under this persona")
	return cmd
}

func suggestCmd() *cobra.Command {
	var period int
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Rebalancing proposals for overloaded personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				props, v, err := ws.Engine.Suggest(period, expectedVersion())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": v, "proposals": props})
				}
				fmt.Printf("version %d\n", v)
				tw := newTable()
				tw.AppendHeader(table.Row{"Kind", "Task", "Detail"})
				for _, p := range props {
					tw.AppendRow(table.Row{p.Kind(), p.Target(), describeProposal(p)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&period, "period", 0, "period index")
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{Use: "proposal", Short: "Review and apply proposals"}
	p.AddCommand(&cobra.Command{
		Use:   "apply <file|->",
		Short: "Apply one proposal computed at --version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			prop, err := decodeProposal(data)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				v, err := ws.Engine.ApplyProposal(ctx, prop, expectedVersion(), actor())
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Fprintf(os.Stderr, "applied %s to %s\n", prop.Kind(), prop.Target())
				}
				return printVersion(v)
			})
		},
	})
	return p
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func describeProposal(p proposal.Proposal) string {
	switch p := p.(type) {
	case proposal.FieldChange:
		return fmt.Sprintf("%s -> %s", p.Field, string(p.SuggestedValue))
	case proposal.Decomposition:
		titles := make([]string, 0, len(p.Subtasks))
		for _, s := range p.Subtasks {
			titles = append(titles, fmt.Sprintf("%s (%dd)", s.Title, s.Duration))
		}
		return "split into " + strings.Join(titles, ", ")
	case proposal.Handoff:
		to := p.ToUserID
		if p.ToPersonaID != "" {
			to += "/" + p.ToPersonaID
		}
		return "hand off to " + to
	}
	return ""
}
