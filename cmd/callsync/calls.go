package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
	"github.com/MarcoPoloResearchLab/callsync/internal/queue"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLogCallCommand() *cobra.Command {
	var (
		leadID   int64
		userID   int64
		duration int
		outcome  string
		notes    string
		reminder string
		callDate string
		noSync   bool
	)
	cmd := &cobra.Command{
		Use:   "log-call",
		Short: "Queue a finished call and flush it when the CRM is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			details := calls.Details{
				LeadID: calls.LeadID(leadID),
				UserID: calls.UserID(userID),
			}
			if callDate != "" {
				parsed, err := time.Parse(time.RFC3339, callDate)
				if err != nil {
					return fmt.Errorf("invalid --call-date: %w", err)
				}
				details.CallDate = parsed
			} else {
				details.CallDate = time.Now().UTC()
			}
			if cmd.Flags().Changed("duration") {
				details.DurationSeconds = &duration
			}
			if outcome != "" {
				details.Outcome = &outcome
			}
			if notes != "" {
				details.Notes = &notes
			}
			if reminder != "" {
				parsed, err := time.Parse(time.RFC3339, reminder)
				if err != nil {
					return fmt.Errorf("invalid --reminder: %w", err)
				}
				details.ReminderDate = &parsed
			}

			runtime, err := openAgentRuntime()
			if err != nil {
				return err
			}
			defer runtime.logger.Sync() //nolint:errcheck
			defer runtime.Close()

			if !noSync {
				claimed, err := runtime.claimSync()
				if err != nil {
					return err
				}
				if claimed {
					runtime.prober.Probe(cmd.Context())
				} else {
					runtime.logger.Info("sync agent is running, leaving delivery to it")
				}
			}
			record, err := runtime.producer.RecordCall(cmd.Context(), details)
			if err != nil {
				return err
			}
			runtime.orchestrator.Wait()

			stored, err := runtime.store.Get(cmd.Context(), record.LocalID)
			switch {
			case errors.Is(err, queue.ErrRecordNotFound):
				fmt.Fprintf(cmd.OutOrStdout(), "call %s synced\n", record.IdempotencyKey)
			case err != nil:
				return err
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "call %s queued as #%d (%s)\n", stored.IdempotencyKey, stored.LocalID, stored.SyncStatus)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&leadID, "lead-id", 0, "Lead the call was made to")
	cmd.Flags().Int64Var(&userID, "user-id", 0, "User who made the call")
	cmd.Flags().IntVar(&duration, "duration", 0, "Call duration in seconds")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Call outcome")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form call notes")
	cmd.Flags().StringVar(&reminder, "reminder", "", "Follow-up reminder (RFC3339)")
	cmd.Flags().StringVar(&callDate, "call-date", "", "When the call started (RFC3339, defaults to now)")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Only queue the call, skip the flush attempt (implied while an agent runs)")
	_ = cmd.MarkFlagRequired("lead-id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and dead records",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openAgentRuntime()
			if err != nil {
				return err
			}
			defer runtime.logger.Sync() //nolint:errcheck
			defer runtime.Close()

			stats, err := runtime.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			dead, err := runtime.store.ListDead(cmd.Context())
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), stats, dead, time.Now())
			return nil
		},
	}
}

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	statusLabelStyle = lipgloss.NewStyle().Width(12)
	statusDeadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusMutedStyle = lipgloss.NewStyle().Faint(true)
)

func renderStatus(out io.Writer, stats queue.Stats, dead []queue.OfflineCallRecord, now time.Time) {
	lines := []string{statusTitleStyle.Render("Call queue")}
	counts := []struct {
		label string
		value int64
	}{
		{"pending", stats.Pending},
		{"syncing", stats.Syncing},
		{"failed", stats.Failed},
		{"dead", stats.Dead},
		{"completed", stats.Completed},
	}
	for _, count := range counts {
		lines = append(lines, statusLabelStyle.Render(count.label)+strconv.FormatInt(count.value, 10))
	}
	if stats.OldestOutstanding != nil {
		lines = append(lines, statusLabelStyle.Render("oldest")+humanize.RelTime(*stats.OldestOutstanding, now, "ago", "from now"))
	} else {
		lines = append(lines, statusMutedStyle.Render("nothing outstanding"))
	}

	if len(dead) > 0 {
		lines = append(lines, "", statusDeadStyle.Render("Dead records (requeue with `callsync requeue`)"))
		for _, record := range dead {
			message := ""
			if record.ErrorMessage != nil {
				message = *record.ErrorMessage
			}
			lines = append(lines, fmt.Sprintf("#%d lead=%d retries=%d %s",
				record.LocalID, record.LeadID, record.RetryCount, message))
		}
	}
	fmt.Fprintln(out, strings.Join(lines, "\n"))
}

func newRequeueCommand() *cobra.Command {
	var allDead bool
	cmd := &cobra.Command{
		Use:   "requeue [local-id...]",
		Short: "Move dead records back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !allDead && len(args) == 0 {
				return errors.New("pass local ids or --all-dead")
			}
			localIDs := make([]int64, 0, len(args))
			for _, arg := range args {
				localID, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid local id %q: %w", arg, err)
				}
				localIDs = append(localIDs, localID)
			}

			runtime, err := openAgentRuntime()
			if err != nil {
				return err
			}
			defer runtime.logger.Sync() //nolint:errcheck
			defer runtime.Close()

			if allDead {
				dead, err := runtime.store.ListDead(cmd.Context())
				if err != nil {
					return err
				}
				for _, record := range dead {
					localIDs = append(localIDs, record.LocalID)
				}
			}

			requeued := 0
			for _, localID := range localIDs {
				if err := runtime.store.Requeue(cmd.Context(), localID); err != nil {
					runtime.logger.Warn("requeue refused", zap.Int64("local_id", localID), zap.Error(err))
					fmt.Fprintf(cmd.ErrOrStderr(), "#%d: %v\n", localID, err)
					continue
				}
				requeued++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d record(s)\n", requeued)
			return nil
		},
	}
	cmd.Flags().BoolVar(&allDead, "all-dead", false, "Requeue every dead record")
	return cmd
}
