package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dmecoord/internal/app"
	"dmecoord/internal/compliance"
	"dmecoord/internal/domain"
	"dmecoord/internal/engine"
	"dmecoord/internal/events"
	"dmecoord/internal/tasks"
	"dmecoord/internal/webhooks"
)

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskAckCmd())
	t.AddCommand(taskStatusCmd())
	t.AddCommand(taskAssignCmd())
	t.AddCommand(taskCompleteCmd())
	t.AddCommand(taskIngestCmd())
	t.AddCommand(taskPatientActionCmd())
	return t
}

func printTasks(items []domain.Task) error {
	return printJSONOrTable(items, func() {
		tw := newTable(table.Row{"ID", "Type", "Priority", "Status", "Owner", "Due", "Title"})
		for _, t := range items {
			tw.AppendRow(table.Row{t.ID, t.TaskType, t.Priority, t.Status, deref(t.Owner), deref(t.DueAt), t.Title})
		}
		tw.Render()
	})
}

func taskListCmd() *cobra.Command {
	var f tasks.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Tasks.List(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&f.TaskType, "type", "", "task type")
	cmd.Flags().StringVar(&f.OrderID, "order", "", "order id")
	cmd.Flags().BoolVar(&f.SLABreach, "sla-breach", false, "only open sla_breach tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskAckCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "ack <task-id>",
		Short: "Acknowledge a task (open -> in_progress)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.AcknowledgeTask(ctx, args[0], owner)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner to record")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "status <task-id> <open|in_progress|closed>",
		Short: "Set task status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.SetTaskStatus(ctx, args[0], args[1], owner)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner to record")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <owner>",
		Short: "Assign a task owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.AssignTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var in engine.CompleteInput
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Provider completion: close the task and its order's tasks, approve the order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CompleteTask(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.Owner, "owner", "", "completing provider")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "provider notes")
	cmd.Flags().StringVar(&in.ESignEnvelope, "esign-envelope", "", "e-sign envelope id")
	return cmd
}

func taskIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-holds",
		Short: "Create hold tasks for portal orders awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.Engine.IngestPortalHolds(ctx)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
}

func taskPatientActionCmd() *cobra.Command {
	var in engine.PatientActionInput
	cmd := &cobra.Command{
		Use:   "patient-action <confirm_delivery|reschedule|needs_help>",
		Short: "Record a patient action and open its follow-up task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Action = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.RecordPatientAction(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.PatientID, "patient", "", "patient id")
	cmd.Flags().StringVar(&in.OrderID, "order", "", "order id")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	return cmd
}

func slaCmd() *cobra.Command {
	s := &cobra.Command{Use: "sla", Short: "SLA policy and scoring"}
	var emit bool
	evaluate := &cobra.Command{
		Use:   "evaluate <order-id>",
		Short: "Score an order against the active policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				score, err := a.SLA.Score(ctx, args[0], emit)
				if err != nil {
					return err
				}
				return printJSONOrTable(score, func() {
					tw := newTable(table.Row{"Spec", "Metric", "Observed", "Threshold", "Passed", "Credits"})
					for _, m := range score.Metrics {
						observed := "-"
						if m.Observed != nil {
							observed = fmt.Sprintf("%.2f", *m.Observed)
						}
						tw.AppendRow(table.Row{m.SpecName, m.Metric, observed, m.Threshold, m.Passed, m.Credits})
					}
					tw.AppendFooter(table.Row{"", "", "", "tier " + score.VolumeTier, fmt.Sprintf("%d/%d", score.Passed(), len(score.Metrics)), score.TotalCredits})
					tw.Render()
				})
			})
		},
	}
	evaluate.Flags().BoolVar(&emit, "emit", false, "publish sla.updated and sync breach tasks")
	s.AddCommand(evaluate)
	s.AddCommand(&cobra.Command{
		Use:   "policy",
		Short: "Show the active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSON(a.SLA.Policy())
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "credits <order-id>",
		Short: "Credit memos for the current breaches of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				memos, _, err := a.SLA.Credits(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(memos, func() {
					tw := newTable(table.Row{"Spec", "Amount", "Currency", "Reason"})
					for _, m := range memos {
						tw.AppendRow(table.Row{m.SpecName, m.Amount, m.Currency, m.Reason})
					}
					tw.Render()
				})
			})
		},
	})
	return s
}

func printEvents(items []domain.Event) error {
	return printJSONOrTable(items, func() {
		tw := newTable(table.Row{"Timestamp", "Topic", "Order", "Payload"})
		for _, e := range items {
			payload, _ := json.Marshal(e.Payload)
			tw.AppendRow(table.Row{e.Timestamp, e.Topic, e.OrderID(), string(payload)})
		}
		tw.Render()
	})
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Query and publish events"}

	var n int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Log.Recent(n)
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	recent.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	ev.AddCommand(recent)

	var since, until, orderID string
	var topics []string
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Replay events by time range, topic and order",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := events.ParseBound("since", since)
			if err != nil {
				return err
			}
			u, err := events.ParseBound("until", until)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Log.Replay(events.ReplayFilter{Since: s, Until: u, Topics: topics, OrderID: orderID})
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	replay.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound")
	replay.Flags().StringVar(&until, "until", "", "RFC 3339 upper bound")
	replay.Flags().StringSliceVar(&topics, "topic", nil, "topic pattern (repeatable)")
	replay.Flags().StringVar(&orderID, "order", "", "order id")
	ev.AddCommand(replay)

	ev.AddCommand(&cobra.Command{
		Use:   "timeline <order-id>",
		Short: "Every event recorded for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Log.ForOrder(args[0])
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	})

	var payload string
	publish := &cobra.Command{
		Use:   "publish <topic>",
		Short: "Publish an event (e.g. shipment.delivered)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if strings.TrimSpace(payload) != "" {
				if err := json.Unmarshal([]byte(payload), &body); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evt, err := a.Log.Publish(ctx, args[0], body)
				if err != nil {
					return err
				}
				return printJSON(evt)
			})
		},
	}
	publish.Flags().StringVar(&payload, "payload", "", "JSON object payload")
	ev.AddCommand(publish)
	return ev
}

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{Use: "webhook", Short: "Manage webhook subscriptions and deliveries"}

	wh.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Registry.List()
				return printJSONOrTable(items, func() {
					tw := newTable(table.Row{"ID", "URL", "Topics", "Signed", "Created"})
					for _, h := range items {
						tw.AppendRow(table.Row{h.ID, h.URL, strings.Join(h.Topics, ","), h.Secret != "", h.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	})

	var in webhooks.AddInput
	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.URL = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hook, err := a.Registry.Add(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(hook)
			})
		},
	}
	add.Flags().StringSliceVar(&in.Topics, "topic", nil, "topic pattern (repeatable)")
	add.Flags().StringVar(&in.Secret, "secret", "", "HMAC signing secret")
	add.Flags().StringVar(&in.Description, "description", "", "description")
	wh.AddCommand(add)

	wh.AddCommand(&cobra.Command{
		Use:   "remove <webhook-id>",
		Short: "Remove a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Registry.Remove(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("removed", args[0])
				return nil
			})
		},
	})

	var limit int
	var status string
	outbox := &cobra.Command{
		Use:   "outbox",
		Short: "Show recent delivery records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Outbox.ListRecent(ctx, limit, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					tw := newTable(table.Row{"ID", "Webhook", "Topic", "Status", "Attempts", "Queued", "Error"})
					for _, d := range items {
						tw.AppendRow(table.Row{d.ID, d.WebhookID, d.Topic, d.Status, d.Attempts, d.QueuedAt, deref(d.Error)})
					}
					tw.Render()
				})
			})
		},
	}
	outbox.Flags().IntVar(&limit, "limit", 50, "max rows")
	outbox.Flags().StringVar(&status, "status", "", "comma separated statuses")
	wh.AddCommand(outbox)

	wh.AddCommand(&cobra.Command{
		Use:   "retry <delivery-id>",
		Short: "Requeue a failed delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Outbox.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	})

	wh.AddCommand(&cobra.Command{
		Use:   "deliver",
		Short: "Attempt every pending delivery once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Worker.ProcessPending(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("attempted %d deliveries\n", n)
				return nil
			})
		},
	})
	return wh
}

func complianceCmd() *cobra.Command {
	c := &cobra.Command{Use: "compliance", Short: "Compliance radar"}
	var asOf string
	scan := &cobra.Command{
		Use:   "scan",
		Short: "Scan compliance_status.csv for documentation gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				when := a.Engine.Now()
				if asOf != "" {
					parsed, err := compliance.ParseAsOf(asOf)
					if err != nil {
						return err
					}
					when = parsed
				}
				summary, err := a.Scanner.Scan(ctx, when)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary, func() {
					tw := newTable(table.Row{"Patient", "SKU", "Due", "Severity", "Notes"})
					for _, al := range summary.Alerts {
						tw.AppendRow(table.Row{al.PatientID, al.SupplySKU, deref(al.DueDate), al.Severity, al.Notes})
					}
					tw.AppendFooter(table.Row{"", "", "", "tasks created", summary.TotalTasksCreated})
					tw.Render()
				})
			})
		},
	}
	scan.Flags().StringVar(&asOf, "as-of", "", "scan date (2006-01-02, 2006/01/02 or 01/02/2006)")
	c.AddCommand(scan)
	return c
}

func orderCmd() *cobra.Command {
	o := &cobra.Command{Use: "order", Short: "Portal orders"}

	var in engine.PortalOrderInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Submit a portal order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CreatePortalOrder(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	create.Flags().StringVar(&in.PatientID, "patient", "", "patient id")
	create.Flags().StringVar(&in.SupplySKU, "sku", "", "supply sku")
	create.Flags().IntVar(&in.Quantity, "quantity", 1, "quantity")
	create.Flags().StringVar(&in.Priority, "priority", "", "priority")
	create.Flags().StringVar(&in.Disposition, "disposition", "", "intake disposition (approved skips review)")
	create.Flags().StringVar(&in.Notes, "notes", "", "notes")
	o.AddCommand(create)

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List portal orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListPortalOrders(ctx, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					tw := newTable(table.Row{"ID", "Patient", "SKU", "Qty", "Status", "Disposition", "Created"})
					for _, ord := range items {
						tw.AppendRow(table.Row{ord.ID, ord.PatientID, ord.SupplySKU, ord.Quantity, ord.Status, ord.AIDisposition, ord.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "comma separated statuses")
	o.AddCommand(list)

	o.AddCommand(&cobra.Command{
		Use:   "get <order-id>",
		Short: "Show a portal order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ord, err := a.Engine.GetPortalOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ord)
			})
		},
	})

	var actor, note string
	approve := &cobra.Command{
		Use:   "approve <order-id>",
		Short: "Approve a portal order and close its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ord, err := a.Engine.ApprovePortalOrder(ctx, args[0], actor, note)
				if err != nil {
					return err
				}
				return printJSON(ord)
			})
		},
	}
	approve.Flags().StringVar(&actor, "actor", "", "approving staff member")
	approve.Flags().StringVar(&note, "note", "", "approval note")
	o.AddCommand(approve)
	return o
}

func archiveCmd() *cobra.Command {
	ar := &cobra.Command{Use: "archive", Short: "Cold storage of the event log"}
	var since, until string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write events to parquet and upload them to object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := events.ParseBound("since", since)
			if err != nil {
				return err
			}
			u, err := events.ParseBound("until", until)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				res, err := a.Archive.Export(ctx, s, u)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	export.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound")
	export.Flags().StringVar(&until, "until", "", "RFC 3339 upper bound")
	ar.AddCommand(export)
	return ar
}
