// Command taskline is the administrative CLI for the taskline job queue:
// enqueue jobs, inspect queues, retry dead-lettered jobs and run a worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	taskline "github.com/Taskline/taskline-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var redisAddr string

func main() {
	root := &cobra.Command{
		Use:           "taskline",
		Short:         "Priority job queue over Redis",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&redisAddr, "redis",
		getEnv("TASKLINE_REDIS_ADDR", "localhost:6379"), "redis server address")

	root.AddCommand(enqueueCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(listCmd())
	root.AddCommand(getCmd())
	root.AddCommand(retryCmd())
	root.AddCommand(clearCmd())
	root.AddCommand(workerCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newManager connects to Redis and builds a manager; the cleanup closes the
// connection.
func newManager() (*taskline.Manager, func(), error) {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis unreachable at %s: %w", redisAddr, err)
	}
	m := taskline.NewManager(taskline.NewRedisStore(rdb), taskline.ManagerConfig{})
	return m, func() { _ = rdb.Close() }, nil
}

func enqueueCmd() *cobra.Command {
	var (
		priority    string
		delay       time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <payload-json>",
		Short: "Add a job to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			p, err := taskline.ParsePriority(priority)
			if err != nil {
				return err
			}
			m, done, err := newManager()
			if err != nil {
				return err
			}
			defer done()
			job, err := m.Enqueue(cmd.Context(), args[0], json.RawMessage(args[1]),
				taskline.WithPriority(p),
				taskline.WithDelay(delay),
				taskline.WithMaxAttempts(maxAttempts))
			if err != nil {
				return err
			}
			fmt.Printf("enqueued %s\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "critical|high|normal|low")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes claimable")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "processing attempts before dead-lettering")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <queue>",
		Short: "Show queue counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := newManager()
			if err != nil {
				return err
			}
			defer done()
			stats, err := m.GetQueueStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("pending=%d processing=%d completed=%d failed=%d\n",
				stats.Pending, stats.Processing, stats.Completed, stats.Failed)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List jobs in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st taskline.Status
			if status != "" {
				parsed, err := taskline.ParseStatus(status)
				if err != nil {
					return err
				}
				st = parsed
			}
			m, done, err := newManager()
			if err != nil {
				return err
			}
			defer done()
			jobs, err := m.ListJobs(cmd.Context(), args[0], st, limit)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-10s  %-8s  attempts=%d/%d", j.ID, j.Status, j.Priority, j.Attempts, j.MaxAttempts)
				if j.Error != "" {
					fmt.Printf("  err=%q", j.Error)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter: pending|processing|completed|failed|retrying")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := newManager()
			if err != nil {
				return err
			}
			defer done()
			job, err := m.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a dead-lettered job back into its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := newManager()
			if err != nil {
				return err
			}
			defer done()
			if err := m.RetryJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("job requeued")
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	var includeDead bool
	cmd := &cobra.Command{
		Use:   "clear <queue>",
		Short: "Purge a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := newManager()
			if err != nil {
				return err
			}
			defer done()
			if err := m.ClearQueue(cmd.Context(), args[0], includeDead); err != nil {
				return err
			}
			fmt.Println("queue cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeDead, "dead", false, "also purge the dead-letter set")
	return cmd
}

// commandPayload is the payload shape the CLI worker understands.
type commandPayload struct {
	Command string `json:"command"`
}

func workerCmd() *cobra.Command {
	var (
		batch int
		poll  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker <queue>",
		Short: "Run a worker that executes job payload commands via the shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := newManager()
			if err != nil {
				return err
			}
			defer done()

			proc := func(ctx context.Context, job *taskline.Job) (any, error) {
				var p commandPayload
				if err := json.Unmarshal(job.Payload, &p); err != nil {
					return nil, fmt.Errorf("invalid payload: %w", err)
				}
				if p.Command == "" {
					return nil, fmt.Errorf("payload has no command")
				}
				out, err := exec.CommandContext(ctx, "sh", "-c", p.Command).CombinedOutput()
				if err != nil {
					return nil, fmt.Errorf("%w: %s", err, out)
				}
				return map[string]string{"output": string(out)}, nil
			}

			err = m.StartConsumer(args[0], proc, taskline.ConsumerConfig{
				BatchSize:    batch,
				PollInterval: poll,
			})
			if err != nil {
				return err
			}
			fmt.Printf("worker running on queue %q, ctrl-c to stop\n", args[0])

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			m.Stop()
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 1, "jobs claimed per poll cycle")
	cmd.Flags().DurationVar(&poll, "poll", 5*time.Second, "poll interval")
	return cmd
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
