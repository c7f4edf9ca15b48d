package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/outreachflow/outreachflow/llm"
	"github.com/outreachflow/outreachflow/log"
	"github.com/outreachflow/outreachflow/precheck"
	"github.com/outreachflow/outreachflow/scheduler"
	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
	"github.com/outreachflow/outreachflow/store/memory"
	"github.com/outreachflow/outreachflow/store/postgres"
	"github.com/outreachflow/outreachflow/store/redis"
	"github.com/outreachflow/outreachflow/store/sqlite"
	"github.com/outreachflow/outreachflow/tool"
	"github.com/outreachflow/outreachflow/workflow"
)

func newRunCmd() *cobra.Command {
	var dbPath string
	var recordsPath string
	var metricsAddr string
	var once bool

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow's scheduler loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(args[0])
			if err != nil {
				return err
			}
			logger := log.GetDefaultLogger()

			st, closeStore, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer closeStore()

			model, err := llm.NewOpenAI(def.Model, os.Getenv("OPENAI_API_KEY"))
			if err != nil {
				return err
			}

			executor := tool.NewExecutor(logger)
			// Channel capabilities (SMTP relay, dialer, system of record)
			// attach here; a nil capability leaves its tools reporting
			// failure so the model reacts in conversation.
			if err := tool.RegisterOutreachTools(executor, nil, nil, nil); err != nil {
				return err
			}

			modelName, temperature, systemPrompt, allowedTools := def.LLMConfig()
			invoker := llm.NewInvoker(model, executor, llm.Config{
				Model:        modelName,
				Temperature:  temperature,
				SystemPrompt: systemPrompt,
				AllowedTools: allowedTools,
			}, logger)

			rt, err := def.Build(workflow.Deps{
				LLM:    invoker,
				Tools:  executor,
				Store:  st,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			rules := precheck.DefaultRules()
			if def.Scheduler != nil && def.Scheduler.BatchSize > 0 {
				rules.BatchSize = def.Scheduler.BatchSize
			}

			metrics := scheduler.NewMetrics(prometheus.DefaultRegisterer)
			sched := scheduler.New(
				&fileSource{path: recordsPath},
				&scheduler.GraphRunner{Runtime: rt},
				rules,
				scheduler.WithMetrics(metrics),
				scheduler.WithLogger(logger),
			)

			name := def.ID
			if name == "" {
				name = def.Name
			}

			if once {
				report, err := sched.Tick(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records in %s (%v)\n",
					name, report.Total, report.Duration.Round(time.Millisecond), report.Counts)
				return nil
			}

			if def.Scheduler == nil || def.Scheduler.Cron == "" {
				return fmt.Errorf("workflow %s declares no scheduler.cron, use --once for a single tick", name)
			}
			if err := sched.Register(name, def.Scheduler.Cron); err != nil {
				return err
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Error("metrics listener: %v", err)
					}
				}()
			}

			sched.Start()
			logger.Info("workflow %s scheduled (%s)", name, def.Scheduler.Cron)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return sched.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "outreachflow.db", "path to the sqlite checkpoint database")
	cmd.Flags().StringVar(&recordsPath, "records", "records.yaml", "path to the candidate records file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on")
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

// openStore picks the checkpoint backend from the environment: DEV_MODE
// keeps everything in memory, DATABASE_URL selects postgres, REDIS_URL
// selects redis, and the sqlite file is the default.
func openStore(ctx context.Context, dbPath string) (store.Store, func(), error) {
	if os.Getenv("DEV_MODE") != "" {
		return memory.NewMemoryStore(), func() {}, nil
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		st, err := postgres.NewPostgresStore(ctx, postgres.PostgresOptions{ConnString: dsn})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		st := redis.NewRedisStore(redis.RedisOptions{Addr: addr})
		return st, func() { st.Close() }, nil
	}
	st, err := sqlite.NewSqliteStore(sqlite.SqliteOptions{Path: dbPath})
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}

// candidateSpec is one record in the candidate file. The optional
// timestamps feed the static pre-check; absent ones count as infinitely
// old.
type candidateSpec struct {
	ThreadID     string         `yaml:"threadId,omitempty"`
	Record       *state.Record  `yaml:"record"`
	Contact      *state.Contact `yaml:"contact,omitempty"`
	CreatedAt    *time.Time     `yaml:"createdAt,omitempty"`
	UpdatedAt    *time.Time     `yaml:"updatedAt,omitempty"`
	ActionCount  int            `yaml:"actionCount,omitempty"`
	LastActionAt *time.Time     `yaml:"lastActionAt,omitempty"`
}

// fileSource serves scheduler candidates from a YAML file, re-read on
// every tick so edits take effect without a restart.
type fileSource struct {
	path string
}

func (s *fileSource) ListEligible(_ context.Context, statuses []state.RecordStatus, limit int) ([]scheduler.Candidate, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading records file: %w", err)
	}
	return parseCandidates(data, statuses, limit, time.Now())
}

func parseCandidates(data []byte, statuses []state.RecordStatus, limit int, now time.Time) ([]scheduler.Candidate, error) {
	var file struct {
		Records []candidateSpec `yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing records file: %w", err)
	}

	enabled := make(map[state.RecordStatus]bool, len(statuses))
	for _, st := range statuses {
		enabled[st] = true
	}

	var out []scheduler.Candidate
	for i, c := range file.Records {
		if c.Record == nil || c.Record.ID == "" {
			return nil, fmt.Errorf("records[%d]: record id is required", i)
		}
		if !enabled[c.Record.Status] {
			continue
		}
		if c.CreatedAt != nil {
			c.Record.CreatedAt = *c.CreatedAt
		}
		if c.UpdatedAt != nil {
			c.Record.UpdatedAt = *c.UpdatedAt
		}
		threadID := c.ThreadID
		if threadID == "" {
			threadID = "thread-" + c.Record.ID
		}
		out = append(out, scheduler.Candidate{
			ThreadID: threadID,
			Record:   c.Record,
			Contact:  c.Contact,
			Stats:    precheck.NewSnapshot(c.Record, c.ActionCount, c.LastActionAt, now),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
