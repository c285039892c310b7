package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/gate"
	"fieldline/internal/notify"
	"fieldline/internal/repo"
)

func bucketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bucket", Short: "Manage buckets"}
	var id string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBucket(ctx, id, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "bucket id (generated when empty)")
	list := &cobra.Command{
		Use:   "list",
		Short: "List buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				buckets, err := e.Repo.ListBuckets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(buckets)
				}
				tw := newTable("ID", "Name", "Created")
				for _, b := range buckets {
					tw.AppendRow(table.Row{b.ID, b.Name, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(create, list)
	return cmd
}

func callfileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "callfile", Short: "Manage callfiles"}

	var opts engine.CallfileCreateOptions
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create callfile in a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Name = args[0]
				opts.ActorID = viper.GetString("actor-id")
				c, err := e.CreateCallfile(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "callfile id")
	create.Flags().StringVar(&opts.BucketID, "bucket", "", "bucket id")
	create.Flags().BoolVar(&opts.Active, "active", true, "active")
	create.Flags().BoolVar(&opts.Approved, "approved", false, "approved")
	_ = create.MarkFlagRequired("bucket")

	var bucketID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List callfiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCallfiles(ctx, bucketID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Bucket", "Name", "Active", "Approved")
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.BucketID, c.Name, c.Active, c.Approved})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&bucketID, "bucket", "", "bucket filter")

	var active, approved bool
	flags := &cobra.Command{
		Use:   "flags <callfile-id>",
		Short: "Set active and approved flags; tasks of a hidden callfile leave field views",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetCallfileFlags(ctx, args[0], active, approved, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	flags.Flags().BoolVar(&active, "active", true, "active")
	flags.Flags().BoolVar(&approved, "approved", true, "approved")

	cmd.AddCommand(create, list, flags)
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agents"}
	var a domain.Agent
	upsert := &cobra.Command{
		Use:   "upsert <agent-id>",
		Short: "Create or update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a.ID = args[0]
				stored, err := e.UpsertAgent(ctx, a, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(stored)
			})
		},
	}
	upsert.Flags().StringVar(&a.Name, "name", "", "display name")
	upsert.Flags().StringVar(&a.Role, "role", domain.RoleAgent, "agent, team_lead, supervisor or admin")

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable("ID", "Name", "Role")
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "role filter")
	cmd.AddCommand(upsert, list)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage field tasks",
		Long: `Tasks move UNASSIGNED -> ASSIGNED -> STARTED -> FINISHED.
Start and finish act on behalf of an agent working from a scope (--agent, --scope).`,
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskBoardCmd())
	cmd.AddCommand(taskGetCmd())
	cmd.AddCommand(taskAssignCmd())
	cmd.AddCommand(taskReorderCmd())
	cmd.AddCommand(taskStartCmd())
	cmd.AddCommand(taskFinishCmd())
	cmd.AddCommand(taskAbandonCmd())
	cmd.AddCommand(taskPendingCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var balance string
	cmd := &cobra.Command{
		Use:   "create <account-ref>",
		Short: "Put an account into field mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if balance != "" {
				cents, err := gate.ParseAmount(balance)
				if err != nil {
					return fmt.Errorf("balance: %w", err)
				}
				opts.Balance = cents
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.AccountRef = args[0]
				opts.ActorID = viper.GetString("actor-id")
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id")
	cmd.Flags().StringVar(&opts.CallfileID, "callfile", "", "callfile id")
	cmd.Flags().StringVar(&opts.CustomerName, "customer", "", "customer name")
	cmd.Flags().StringVar(&balance, "balance", "", "outstanding balance in major units (1500.50)")
	_ = cmd.MarkFlagRequired("callfile")
	return cmd
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable("ID", "Order", "Account", "Customer", "State", "Assignee", "Scope", "Balance")
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Order, t.AccountRef, t.CustomerName, t.State, deref(t.AssigneeID), deref(t.StartedScope), formatMinor(t.Balance)})
	}
	tw.Render()
	return nil
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first, regardless of callfile flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.BucketID, "bucket", "", "bucket filter")
	cmd.Flags().StringVar(&f.CallfileID, "callfile", "", "callfile filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func taskBoardCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "board <bucket-id>",
		Short: "Workable tasks of a bucket in field order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListWorkable(ctx, args[0], assignee)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "agent view; omit for the whole bucket")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var req engine.AssignRequest
	cmd := &cobra.Command{
		Use:   "assign <task-id>...",
		Short: "Assign tasks to an agent in the given order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req.TaskIDs = args
				if req.AssignerID == "" {
					req.AssignerID = viper.GetString("actor-id")
				}
				res, err := e.Assign(ctx, req)
				if err != nil && res.Attempted == 0 {
					return err
				}
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&req.AssigneeID, "to", "", "assignee agent id")
	cmd.Flags().StringVar(&req.AssignerID, "by", "", "assigning agent id (defaults to --actor-id)")
	cmd.Flags().StringVar(&req.BucketID, "bucket", "", "restrict the batch to one bucket")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskReorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <bucket-id> <task-id>...",
		Short: "Re-stamp the bucket's field order; list every ASSIGNED and STARTED task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reorder(ctx, engine.ReorderRequest{
					BucketID: args[0],
					TaskIDs:  args[1:],
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil && res.Attempted == 0 {
					return err
				}
				if perr := printJSON(res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

type scopeFlags struct {
	agent string
	scope string
}

func (s *scopeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.agent, "agent", "", "agent id")
	cmd.Flags().StringVar(&s.scope, "scope", "", "scope (device session) id")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("scope")
}

func (s scopeFlags) value() domain.Scope {
	return domain.Scope{ID: s.scope, AgentID: s.agent}
}

func taskStartCmd() *cobra.Command {
	var sf scopeFlags
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start or continue a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Start(ctx, sf.value(), args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	sf.bind(cmd)
	return cmd
}

func taskFinishCmd() *cobra.Command {
	var sf scopeFlags
	var in domain.DispositionInput
	cmd := &cobra.Command{
		Use:   "finish <task-id>",
		Short: "Record the disposition and finish a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if violations, required := e.CheckDisposition(in); len(violations) > 0 {
					missing := make([]string, 0, len(violations))
					for _, v := range violations {
						missing = append(missing, v.String())
					}
					return fmt.Errorf("disposition incomplete (%s); required: %s", strings.Join(missing, ", "), strings.Join(required, ", "))
				}
				res, err := e.Finish(ctx, sf.value(), args[0], in)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	sf.bind(cmd)
	bindDisposition(cmd, &in)
	return cmd
}

func bindDisposition(cmd *cobra.Command, in *domain.DispositionInput) {
	cmd.Flags().StringVar(&in.Code, "code", "", "disposition code")
	cmd.Flags().StringVar(&in.Comment, "comment", "", "visit comment")
	cmd.Flags().StringVar(&in.PaymentMethod, "method", "", "payment method (CASH, GCASH, BANK...)")
	cmd.Flags().StringVar(&in.PaymentType, "type", "", "payment type")
	cmd.Flags().StringVar(&in.PaymentDate, "date", "", "payment date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.Amount, "amount", "", "amount in major units")
	cmd.Flags().StringVar(&in.Reference, "reference", "", "payment reference")
	cmd.Flags().StringVar(&in.ReasonNonPayment, "reason", "", "reason for non-payment")
	cmd.Flags().StringVar(&in.SourceOfFunds, "source", "", "source of funds")
}

func taskAbandonCmd() *cobra.Command {
	var sf scopeFlags
	cmd := &cobra.Command{
		Use:   "abandon",
		Short: "Release the scope's lease; the task stays STARTED for that scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				released, err := e.Abandon(ctx, sf.value())
				if err != nil {
					return err
				}
				return printJSON(map[string]bool{"released": released})
			})
		},
	}
	sf.bind(cmd)
	return cmd
}

func taskPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <task-id>",
		Short: "Show a disposition stored by an interrupted finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, ok, err := e.PendingFinish(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("no pending finish")
					return nil
				}
				return printJSON(d)
			})
		},
	}
}

func leaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lease", Short: "Inspect and expire leases"}
	var agent string
	list := &cobra.Command{
		Use:   "list",
		Short: "List held leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				leases, err := e.Repo.ListLeases(ctx, agent)
				if err != nil {
					return err
				}
				return printLeases(leases)
			})
		},
	}
	list.Flags().StringVar(&agent, "agent", "", "agent filter")

	var olderThan time.Duration
	expire := &cobra.Command{
		Use:   "expire",
		Short: "Release leases acquired longer ago than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				leases, err := e.ExpireLeases(ctx, olderThan, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printLeases(leases)
			})
		},
	}
	expire.Flags().DurationVar(&olderThan, "older-than", 12*time.Hour, "minimum lease age")
	cmd.AddCommand(list, expire)
	return cmd
}

func printLeases(leases []domain.Lease) error {
	if viper.GetBool("json") {
		return printJSON(leases)
	}
	tw := newTable("Scope", "Task", "Agent", "Acquired")
	for _, l := range leases {
		tw.AppendRow(table.Row{l.ScopeID, l.TaskID, l.AgentID, l.AcquiredAt})
	}
	tw.Render()
	return nil
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notify", Short: "Notifications"}
	var f notify.Filter
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.Notify.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Kind", "Actor", "Assignee", "Bucket", "Count", "Created")
				for _, n := range page.Items {
					tw.AppendRow(table.Row{n.ID, n.Kind, n.ActorID, deref(n.AssigneeID), deref(n.BucketID), n.Count, n.CreatedAt})
				}
				tw.Render()
				if page.NextCursor != 0 {
					fmt.Printf("more: --cursor %d\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	list.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	list.Flags().StringVar(&f.BucketID, "bucket", "", "bucket filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	list.Flags().Int64Var(&f.Cursor, "cursor", 0, "continue before this id")
	cmd.AddCommand(list)
	return cmd
}

func dispositionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "disposition", Short: "Disposition catalog and rules"}
	var fieldOnly bool
	types := &cobra.Command{
		Use:   "types",
		Short: "List disposition types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDispositionTypes(ctx, fieldOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Code", "Name", "Field")
				for _, dt := range items {
					tw.AppendRow(table.Row{dt.Code, dt.Name, dt.FieldCapable})
				}
				tw.Render()
				return nil
			})
		},
	}
	types.Flags().BoolVar(&fieldOnly, "field-only", false, "only field-capable codes")

	var in domain.DispositionInput
	check := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a disposition form without finishing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				violations, required := e.CheckDisposition(in)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"can_finish": len(violations) == 0,
						"violations": violations,
						"required":   required,
					})
				}
				fmt.Printf("required: %s\n", strings.Join(required, ", "))
				if len(violations) == 0 {
					fmt.Println("can finish")
					return nil
				}
				tw := newTable("Field", "Rule")
				for _, v := range violations {
					tw.AppendRow(table.Row{v.Field, v.Rule})
				}
				tw.Render()
				return nil
			})
		},
	}
	bindDisposition(check, &in)
	cmd.AddCommand(types, check)
	return cmd
}

func formatMinor(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
