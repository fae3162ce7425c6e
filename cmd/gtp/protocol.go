package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"govtech/internal/app"
	"govtech/internal/domain"
	"govtech/internal/engine"
	"govtech/internal/events"
	"govtech/internal/query"
)

func protocolCmd() *cobra.Command {
	p := &cobra.Command{Use: "protocol", Aliases: []string{"p"}, Short: "Manage protocols"}
	p.AddCommand(protocolCreateCmd())
	p.AddCommand(protocolApplyCmd())
	p.AddCommand(protocolAssignCmd())
	p.AddCommand(protocolShowCmd())
	p.AddCommand(protocolListCmd())
	p.AddCommand(protocolRespondCmd())
	p.AddCommand(protocolAttachCmd())
	p.AddCommand(protocolRateCmd())
	return p
}

func protocolCreateCmd() *cobra.Command {
	var c domain.Create
	var priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a protocol for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, err := domain.ParsePriority(priority)
			if err != nil {
				return err
			}
			c.Priority = pr
			if c.RequesterID == "" {
				c.RequesterID = actorID()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Create(ctx, c, actorID())
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	cmd.Flags().StringVar(&c.ServiceCode, "service", "", "service code")
	cmd.Flags().StringVar(&c.RequesterID, "requester", "", "requester id (defaults to --actor-id)")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low|normal|high|urgent|critical")
	cmd.Flags().StringVar(&c.Subject, "subject", "", "subject")
	cmd.Flags().StringVar(&c.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func protocolApplyCmd() *cobra.Command {
	var args domain.CommandArgs
	cmd := &cobra.Command{
		Use:   "apply <protocol-id> <command>",
		Short: "Apply a command (begin_analysis, advance, complete_step, forward, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, pos []string) error {
			c, err := domain.ParseCommand(pos[1], args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Apply(ctx, pos[0], c, actorID())
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	cmd.Flags().StringVar(&args.Department, "department", "", "target department (forward)")
	cmd.Flags().StringVar(&args.Reason, "reason", "", "reason")
	cmd.Flags().StringVar(&args.Note, "note", "", "note")
	return cmd
}

func protocolAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <protocol-id> <step-index> <assignee-id>",
		Short: "Assign a step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, pos []string) error {
			idx, err := strconv.Atoi(pos[1])
			if err != nil {
				return fmt.Errorf("invalid step index %q", pos[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Assign(ctx, pos[0], idx, pos[2], actorID())
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	return cmd
}

func protocolShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <protocol-id>",
		Short: "Show a protocol with its steps and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Query.ProtocolDetail(ctx, pos[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printProtocol(d.Protocol)
				tw := newTable()
				tw.AppendHeader(table.Row{"Step", "Name", "Status", "Assigned", "Deadline", "Escalated"})
				for _, ts := range d.Template.Steps {
					row := table.Row{ts.Index, ts.Name, domain.StepPending, "", "", ""}
					for _, inst := range d.Steps {
						if inst.StepIndex == ts.Index {
							row = table.Row{ts.Index, ts.Name, inst.Status, inst.AssignedTo, shortTime(inst.DeadlineAt), shortTime(inst.EscalatedAt)}
						}
					}
					tw.AppendRow(row)
				}
				tw.Render()
				printEvents(d.Events)
				return nil
			})
		},
	}
	return cmd
}

func protocolListCmd() *cobra.Command {
	var f query.Filter
	var status, priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List protocols",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			f.Priority = domain.Priority(priority)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Query.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Number", "Service", "Status", "Priority", "Step", "Requester", "Deadline"})
				for _, p := range items {
					tw.AppendRow(table.Row{domain.FormatNumber(p.Number), p.ServiceCode, colorStatus(p.Status), p.Priority, p.CurrentStepIndex, p.RequesterID, shortTime(p.DeadlineAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.ServiceCode, "service", "", "service code filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&f.Department, "department", "", "department filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func protocolRespondCmd() *cobra.Command {
	var public bool
	cmd := &cobra.Command{
		Use:   "respond <protocol-id> <message>",
		Short: "Add a response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.AddResponse(ctx, pos[0], actorID(), pos[1], public)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().BoolVar(&public, "public", false, "visible in public tracking")
	return cmd
}

func protocolAttachCmd() *cobra.Command {
	var doc domain.Document
	cmd := &cobra.Command{
		Use:   "attach <protocol-id>",
		Short: "Attach a document reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.AttachDocument(ctx, pos[0], actorID(), doc)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&doc.Name, "name", "", "document name")
	cmd.Flags().StringVar(&doc.Ref, "ref", "", "external reference (URL or storage key)")
	cmd.Flags().StringVar(&doc.ContentType, "content-type", "", "MIME type")
	cmd.Flags().Int64Var(&doc.Size, "size", 0, "size in bytes")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func protocolRateCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "rate <protocol-id> <score>",
		Short: "Rate a resolved or closed protocol (1-5, requester only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, pos []string) error {
			score, err := strconv.Atoi(pos[1])
			if err != nil {
				return fmt.Errorf("invalid score %q", pos[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.Rate(ctx, pos[0], actorID(), score, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}

func trackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track <number>",
		Short: "Public tracking view of a protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			if !domain.ValidNumber(pos[0], time.Now()) {
				return fmt.Errorf("invalid protocol number %q", pos[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Query.TrackByNumber(ctx, pos[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s  %s  %s\n", t.Number, t.ServiceName, colorStatus(t.Status))
				if t.CurrentStep != "" {
					fmt.Printf("current step: %s\n", t.CurrentStep)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Step", "Status", "Completed"})
				for _, s := range t.Steps {
					tw.AppendRow(table.Row{s.Index, s.Name, s.Status, shortTime(s.CompletedAt)})
				}
				tw.Render()
				for _, r := range t.Responses {
					fmt.Printf("[%s] %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Message)
				}
				return nil
			})
		},
	}
	return cmd
}

func dashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Protocol counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Query.Dashboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{colorStatus(s), counts.ByStatus[s]})
				}
				tw.AppendFooter(table.Row{"total", counts.Total})
				tw.Render()
				fmt.Printf("overdue: %d\n", counts.Overdue)
				return nil
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Escalate overdue steps once",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, ran, err := a.Scheduler.RunAt(ctx, now)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ran": ran, "escalations": out})
				}
				if !ran {
					fmt.Println("sweep skipped: another sweep holds the lock")
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Number", "Step", "Assigned", "Department", "Deadline"})
				for _, e := range out {
					tw.AppendRow(table.Row{domain.FormatNumber(e.Number), e.StepName, e.AssignedTo, e.Department, shortTime(&e.DeadlineAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate deadlines at this RFC3339 instant")
	return cmd
}

func printState(st events.State) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"protocol": st.Protocol,
			"steps":    st.Steps,
			"allowed":  engine.Allowed(st.Protocol.Status),
		})
	}
	printProtocol(st.Protocol)
	fmt.Printf("next: %v\n", engine.Allowed(st.Protocol.Status))
	return nil
}

func printProtocol(p domain.Protocol) {
	fmt.Printf("%s  %s  %s  (%s)\n", domain.FormatNumber(p.Number), p.ServiceCode, colorStatus(p.Status), p.Priority)
	fmt.Printf("id: %s  requester: %s  step: %d", p.ID, p.RequesterID, p.CurrentStepIndex)
	if p.DeadlineAt != nil {
		fmt.Printf("  deadline: %s", shortTime(p.DeadlineAt))
	}
	fmt.Println()
	if p.Subject != "" {
		fmt.Printf("subject: %s\n", p.Subject)
	}
	if p.Rating != nil {
		fmt.Printf("rating: %d/%d %s\n", p.Rating.Score, domain.MaxRating, p.Rating.Comment)
	}
}

func printEvents(evts []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Pos", "Seq", "Kind", "Actor", "At"})
	for _, e := range evts {
		ts := e.Timestamp
		tw.AppendRow(table.Row{e.Position, e.Sequence, e.Kind, e.ActorID, shortTime(&ts)})
	}
	tw.Render()
}
