package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/repeated-alarm/internal/config"
	"github.com/t77yq/repeated-alarm/internal/model"
	"github.com/t77yq/repeated-alarm/internal/scheduler"
	"github.com/t77yq/repeated-alarm/internal/storage"
)

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec"},
	Short:   "Inspect and stop repeated notification loops",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loop executions",
	RunE:  runExecutionsList,
}

var executionsStopCmd = &cobra.Command{
	Use:   "stop <execution-id>",
	Short: "Stop a running loop execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutionsStop,
}

func init() {
	rootCmd.AddCommand(executionsCmd)
	executionsCmd.AddCommand(executionsListCmd)
	executionsCmd.AddCommand(executionsStopCmd)

	executionsListCmd.Flags().StringSlice("phase", nil, "Filter by phase (waiting, checking, terminated)")
	executionsListCmd.Flags().String("alarm", "", "Filter by alarm name")
	executionsListCmd.Flags().Int("limit", 50, "Maximum number of executions")
}

// newOfflineScheduler returns a scheduler for operator commands. It is never
// started, so it only reads and writes the execution store.
func newOfflineScheduler(store storage.ExecutionStore, cfg *config.Config) *scheduler.LoopScheduler {
	return scheduler.NewLoopScheduler(store, nil, nil, cfg, zap.NewNop())
}

func runExecutionsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	phases, _ := cmd.Flags().GetStringSlice("phase")
	alarm, _ := cmd.Flags().GetString("alarm")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := storage.ExecutionFilter{AlarmName: alarm, Limit: limit}
	for _, p := range phases {
		phase := model.Phase(p)
		switch phase {
		case model.PhaseWaiting, model.PhaseChecking, model.PhaseTerminated:
			filter.Phases = append(filter.Phases, phase)
		default:
			return fmt.Errorf("unknown phase %q", p)
		}
	}

	store, err := openStore(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	loops := newOfflineScheduler(store, cfg)

	execs, err := loops.ListExecutions(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}

	if len(execs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No loop executions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tALARM\tPHASE\tREASON\tITERATIONS\tNOTIFIED\tWAKE AT")
	for _, e := range execs {
		wakeAt := "-"
		if !e.Terminated() {
			wakeAt = e.WakeAt.Local().Format(time.RFC3339)
		}
		reason := string(e.Reason)
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.AlarmName, e.Phase, reason, e.Iterations, e.Notifications, wakeAt)
	}
	return w.Flush()
}

func runExecutionsStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	loops := newOfflineScheduler(store, cfg)

	exec, err := loops.StopExecution(cmd.Context(), args[0])
	if errors.Is(err, scheduler.ErrAlreadyTerminated) {
		fmt.Fprintf(cmd.OutOrStdout(), "Execution %s already terminated (%s)\n", exec.ID, exec.Reason)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stop execution: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stopped execution %s for alarm %s after %d notifications\n",
		exec.ID, exec.AlarmName, exec.Notifications)
	return nil
}
