package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"nagbot/internal/app"
	"nagbot/internal/nag/escalation"
	"nagbot/internal/nag/recurrence"
	"nagbot/internal/nag/reminder"
	"nagbot/internal/notifier"
	"nagbot/internal/storage"
	logx "nagbot/pkg/logx"

	"github.com/spf13/cobra"
)

const dueLayout = "2006-01-02 15:04"

type taskOptions struct {
	*options
	userID int64
}

func newTaskCmd(opts *options) *cobra.Command {
	to := &taskOptions{options: opts}
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage a user's reminders directly in the store",
	}
	cmd.PersistentFlags().Int64VarP(&to.userID, "user", "u", 0, "Telegram user id (the user must have sent /start)")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(
		newTaskAddCmd(to),
		newTaskListCmd(to),
		newTaskDoneCmd(to),
		newTaskSnoozeCmd(to),
	)
	return cmd
}

// withLocal opens the store for one command and resolves the user.
func (to *taskOptions) withLocal(cmd *cobra.Command, fn func(ctx context.Context, l *app.Local, u reminder.User) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	l, err := app.OpenLocal(to.configPath, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer l.Close()

	u, err := l.Store.User(ctx, to.userID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("user %d is not registered; send /start to the bot first", to.userID)
	}
	if err != nil {
		return err
	}
	return fn(ctx, l, u)
}

func newTaskAddCmd(to *taskOptions) *cobra.Command {
	var (
		due     string
		rrule   string
		profile string
		desc    string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a reminder",
		Example: `  nagbot task add -u 42 --due "2026-11-01 09:00" Pay rent --rrule FREQ=MONTHLY
  nagbot task add -u 42 --due "2026-10-20 18:00" --profile aggressive Submit report`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return to.withLocal(cmd, func(ctx context.Context, l *app.Local, u reminder.User) error {
				loc := u.Location()
				at, err := time.ParseInLocation(dueLayout, strings.TrimSpace(due), loc)
				if err != nil {
					return fmt.Errorf("--due: want %q in %s: %w", dueLayout, loc, err)
				}
				rule, err := recurrence.Parse(rrule)
				if err != nil {
					return fmt.Errorf("--rrule: %w", err)
				}
				d := reminder.Draft{
					UserID:      u.ID,
					Title:       strings.Join(args, " "),
					Description: desc,
					DueAt:       at,
					Rule:        rule,
				}
				if profile != "" {
					if _, ok := l.Profiles.Lookup(profile); !ok {
						return fmt.Errorf("--profile: unknown profile %q", profile)
					}
					d.Profile = escalation.Named(profile)
				}
				t, err := l.Tasks.Create(ctx, d)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s, first nag %s\n", t.ShortID(), formatWhen(t.NextFireAt, loc))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&due, "due", "", `due time "YYYY-MM-DD HH:MM" in the user's timezone`)
	cmd.Flags().StringVar(&rrule, "rrule", "", "recurrence rule, e.g. FREQ=WEEKLY;BYDAY=MO")
	cmd.Flags().StringVar(&profile, "profile", "", "escalation profile (default: the user's)")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func newTaskListCmd(to *taskOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open reminders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return to.withLocal(cmd, func(ctx context.Context, l *app.Local, u reminder.User) error {
				f := storage.TaskFilter{UserID: u.ID}
				if !all {
					f.Statuses = []reminder.Status{reminder.StatusActive, reminder.StatusSnoozed}
				}
				list, err := l.Store.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return writeTasks(cmd.OutOrStdout(), list, u.Location(), l.Clock.Now())
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include done, skipped and archived reminders")
	return cmd
}

func writeTasks(w io.Writer, list []reminder.Task, loc *time.Location, now time.Time) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no reminders")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tDUE\tNEXT NAG\tNAGS\tTITLE")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s (%s)\t%s\t%d\t%s\n",
			t.ShortID(), t.Status,
			t.DueAt.In(loc).Format(dueLayout), notifier.FormatRelative(t.DueAt, now),
			formatWhen(t.NextFireAt, loc), t.NagCount, t.Title)
	}
	return tw.Flush()
}

func formatWhen(at *time.Time, loc *time.Location) string {
	if at == nil {
		return "-"
	}
	return at.In(loc).Format(dueLayout)
}

func newTaskDoneCmd(to *taskOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a reminder done (recurring ones roll forward)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return to.withLocal(cmd, func(ctx context.Context, l *app.Local, u reminder.User) error {
				res, err := l.Tasks.Done(ctx, u.ID, args[0], 0)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Task.Status.Scheduled() {
					fmt.Fprintf(out, "done %s, next due %s\n", res.Task.ShortID(), res.Task.DueAt.In(u.Location()).Format(dueLayout))
					return nil
				}
				fmt.Fprintf(out, "done %s\n", res.Task.ShortID())
				return nil
			})
		},
	}
}

func newTaskSnoozeCmd(to *taskOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snooze <id> [duration]",
		Short: "Silence a reminder for a while (default 1h)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) == 2 {
				var err error
				if d, err = time.ParseDuration(args[1]); err != nil {
					return fmt.Errorf("duration: %w", err)
				}
			}
			return to.withLocal(cmd, func(ctx context.Context, l *app.Local, u reminder.User) error {
				res, err := l.Tasks.Snooze(ctx, u.ID, args[0], d, 0)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snoozed %s for %s, next nag %s\n",
					res.Task.ShortID(), notifier.FormatDuration(d), formatWhen(res.Task.NextFireAt, u.Location()))
				return nil
			})
		},
	}
}
