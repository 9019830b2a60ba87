package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sorotask/internal/events"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Watch for new and executed tasks",
	GroupID: "tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		once, _ := cmd.Flags().GetBool("once")
		creator, _ := cmd.Flags().GetString("creator")
		filter := model.TaskFilter{Creator: model.Identity(creator)}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		w := cmd.OutOrStdout()
		seen := make(map[model.TaskID]uint64)
		if err := queryAndPrint(ctx, w, filter, seen); err != nil {
			return err
		}
		if once {
			return nil
		}

		natsURL := os.Getenv("SOROTASK_NATS_URL")
		if natsURL == "" {
			natsURL = activeRemoteNATSURL()
		}
		if natsURL != "" {
			return watchNATS(ctx, w, natsURL, filter, seen, interval)
		}
		return watchPoll(ctx, w, interval, filter, seen)
	},
}

// watchNATS re-queries on every bus event with debounce. Executions publish
// nothing, so a slow poll keeps last_run changes visible too.
func watchNATS(ctx context.Context, w io.Writer, natsURL string, filter model.TaskFilter, seen map[model.TaskID]uint64, interval time.Duration) error {
	reconnectCh := make(chan struct{}, 1)

	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("nats: reconnected")
			select {
			case reconnectCh <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(events.TopicAll)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	defer cancel()

	debounce := time.NewTimer(0)
	debounce.Stop()
	select {
	case <-debounce.C:
	default:
	}
	ticker := time.NewTicker(max(interval, time.Second) * 6)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			debounce.Reset(200 * time.Millisecond)
		case <-reconnectCh:
			debounce.Reset(0)
		case <-ticker.C:
			debounce.Reset(0)
		case <-debounce.C:
			if err := queryAndPrint(ctx, w, filter, seen); err != nil {
				return err
			}
		}
	}
}

func watchPoll(ctx context.Context, w io.Writer, interval time.Duration, filter model.TaskFilter, seen map[model.TaskID]uint64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		if err := queryAndPrint(ctx, w, filter, seen); err != nil {
			return err
		}
	}
}

func queryAndPrint(ctx context.Context, w io.Writer, filter model.TaskFilter, seen map[model.TaskID]uint64) error {
	tasks, err := taskClient.ListTasks(ctx, filter)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listing tasks: %w", err)
	}
	changed := diffTasks(tasks, seen)
	if len(changed) == 0 {
		return nil
	}
	if jsonOutput {
		return printJSON(w, changed)
	}
	printTaskListTable(w, changed)
	return nil
}

// diffTasks returns tasks that are new or have run since last seen, and
// updates seen in place.
func diffTasks(tasks []*model.Task, seen map[model.TaskID]uint64) []*model.Task {
	var changed []*model.Task
	for _, t := range tasks {
		prev, ok := seen[t.ID]
		if !ok || prev != t.Config.LastRun {
			changed = append(changed, t)
		}
		seen[t.ID] = t.Config.LastRun
	}
	return changed
}

func init() {
	watchCmd.Flags().Duration("interval", 5*time.Second, "polling interval")
	watchCmd.Flags().Bool("once", false, "exit after first query")
	watchCmd.Flags().String("creator", "", "only tasks by this creator")
}
