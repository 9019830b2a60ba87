package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sorotask/internal/auth"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

func parseIDArg(s string) (model.TaskID, error) {
	id, err := model.ParseTaskID(s)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

// parseLookupIDArg accepts 0, which never names a task but is a valid
// lookup.
func parseLookupIDArg(s string) (model.TaskID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return model.TaskID(n), nil
}

// buildConfig assembles a TaskConfig from --config or the individual flags.
// Flags that were set explicitly override fields from the file.
func buildConfig(cmd *cobra.Command) (*model.TaskConfig, error) {
	cfg := &model.TaskConfig{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("creator") {
		v, _ := flags.GetString("creator")
		cfg.Creator = model.Identity(v)
	}
	if flags.Changed("target") {
		v, _ := flags.GetString("target")
		cfg.Target = model.Identity(v)
	}
	if flags.Changed("function") {
		cfg.Function, _ = flags.GetString("function")
	}
	if flags.Changed("args") {
		v, _ := flags.GetString("args")
		var args []model.Value
		if err := json.Unmarshal([]byte(v), &args); err != nil {
			return nil, fmt.Errorf("--args must be a JSON array: %w", err)
		}
		cfg.Args = args
	}
	if flags.Changed("resolver") {
		v, _ := flags.GetString("resolver")
		r := model.Identity(v)
		cfg.Resolver = &r
	}
	if flags.Changed("interval") {
		cfg.Interval, _ = flags.GetUint64("interval")
	}
	if flags.Changed("gas") {
		cfg.GasBalance, _ = flags.GetInt64("gas")
	}
	if cfg.Args == nil {
		cfg.Args = []model.Value{}
	}
	return cfg, nil
}

var registerCmd = &cobra.Command{
	Use:     "register",
	Short:   "Register a new task",
	GroupID: "tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		proof, _ := cmd.Flags().GetString("proof")
		if keyFile, _ := cmd.Flags().GetString("key"); keyFile != "" {
			priv, err := readPrivateKey(keyFile)
			if err != nil {
				return err
			}
			if cfg.Creator == "" {
				cfg.Creator = creatorOf(priv)
			}
			proof, err = auth.IssueProof(priv, cfg, time.Now(), auth.DefaultMaxAge)
			if err != nil {
				return err
			}
		}

		id, err := taskClient.Register(context.Background(), cfg, proof)
		if err != nil {
			return fmt.Errorf("registering task: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"task_id": id})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered task %s\n", id)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <id>",
	Aliases: []string{"show"},
	Short:   "Show a task",
	GroupID: "tasks",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseLookupIDArg(args[0])
		if err != nil {
			return err
		}
		cfg, err := taskClient.GetTask(context.Background(), id)
		if err != nil {
			return fmt.Errorf("getting task: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"task_id": id, "task": cfg})
		}
		if cfg == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is not registered\n", id)
			return nil
		}
		printTaskTable(cmd.OutOrStdout(), id, cfg)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List registered tasks",
	GroupID: "tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		creator, _ := cmd.Flags().GetString("creator")
		after, _ := cmd.Flags().GetUint64("after")
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := taskClient.ListTasks(context.Background(), model.TaskFilter{
			Creator: model.Identity(creator),
			AfterID: model.TaskID(after),
			Limit:   limit,
		})
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), tasks)
		}
		printTaskListTable(cmd.OutOrStdout(), tasks)
		return nil
	},
}

var executeCmd = &cobra.Command{
	Use:     "execute <id>",
	Short:   "Execute a task now",
	GroupID: "tasks",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseIDArg(args[0])
		if err != nil {
			return err
		}
		res, err := taskClient.Execute(context.Background(), id)
		if err != nil {
			return fmt.Errorf("executing task: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printExecuteResult(cmd.OutOrStdout(), res)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:     "events <id>",
	Short:   "List recorded events for a task",
	GroupID: "tasks",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseIDArg(args[0])
		if err != nil {
			return err
		}
		evts, err := taskClient.ListEvents(context.Background(), id)
		if err != nil {
			return fmt.Errorf("listing events: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), evts)
		}
		printEventsTable(cmd.OutOrStdout(), evts)
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Short:   "Call the monitor operation",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskClient.Monitor(context.Background()); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the sorotask service",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := taskClient.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), map[string]string{"status": status}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Health: %s\n", status)
		}

		if status != "ok" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}

func init() {
	f := registerCmd.Flags()
	f.String("config", "", "JSON file holding a task config")
	f.String("creator", "", "creator identity (defaults to the --key identity)")
	f.String("target", "", "target capability, e.g. http:payroll")
	f.String("function", "", "function to call on the target")
	f.String("args", "[]", "JSON array of call arguments")
	f.String("resolver", "", "optional resolver capability")
	f.Uint64("interval", 0, "seconds between runs")
	f.Int64("gas", 0, "advisory gas balance")
	f.String("proof", "", "pre-signed registration proof")
	f.String("key", "", "creator key file; signs a fresh proof")

	listCmd.Flags().String("creator", "", "only tasks by this creator")
	listCmd.Flags().Uint64("after", 0, "only tasks with an ID above this")
	listCmd.Flags().Int("limit", 0, "maximum tasks to return (0 = all)")
}
