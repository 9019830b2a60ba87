package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/client"
	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/ui"
)

// gasWarnBelow colors balances under this value as a warning.
const gasWarnBelow = 500

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatRun(ts uint64) string {
	if ts == 0 {
		return ui.RenderMuted("never")
	}
	return fmt.Sprintf("%d (%s)", ts, time.Unix(int64(ts), 0).UTC().Format("2006-01-02 15:04:05"))
}

func printTaskTable(w io.Writer, id model.TaskID, cfg *model.TaskConfig) {
	fmt.Fprintf(w, "ID:          %s\n", ui.RenderAccent(id.String()))
	fmt.Fprintf(w, "Creator:     %s\n", cfg.Creator)
	fmt.Fprintf(w, "Target:      %s\n", cfg.Target)
	fmt.Fprintf(w, "Function:    %s\n", cfg.Function)
	if len(cfg.Args) > 0 {
		args, _ := json.Marshal(cfg.Args)
		fmt.Fprintf(w, "Args:        %s\n", args)
	}
	if cfg.HasResolver() {
		fmt.Fprintf(w, "Resolver:    %s\n", *cfg.Resolver)
	}
	fmt.Fprintf(w, "Interval:    %ds\n", cfg.Interval)
	fmt.Fprintf(w, "Last Run:    %s\n", formatRun(cfg.LastRun))
	fmt.Fprintf(w, "Next Run:    %s\n", formatRun(cfg.NextRun()))
	fmt.Fprintf(w, "Gas Balance: %s\n", ui.RenderGas(cfg.GasBalance, gasWarnBelow))
}

func printTaskListTable(w io.Writer, tasks []*model.Task) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tFUNCTION\tINTERVAL\tLAST RUN\tGAS\tCREATOR")
	for _, t := range tasks {
		c := t.Config
		creator := string(c.Creator)
		if len(creator) > 16 {
			creator = creator[:13] + "..."
		}
		lastRun := "never"
		if !c.NeverRun() {
			lastRun = fmt.Sprint(c.LastRun)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			t.ID, c.Target, c.Function, c.Interval, lastRun, c.GasBalance, creator)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d tasks\n", len(tasks))
}

func printExecuteResult(w io.Writer, res *client.ExecuteResult) {
	fmt.Fprintf(w, "Task %s: %s", res.TaskID, ui.RenderOutcome(res.Fired))
	if res.Fired {
		fmt.Fprintf(w, " at %d", res.LastRun)
	}
	fmt.Fprintln(w)
}

func printEventsTable(w io.Writer, evts []*model.Event) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tTASK\tACTOR\tCREATED")
	for _, e := range evts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.Topic, e.TaskID, e.Actor, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}
