package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	nc "github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/orchestra/squadcore/internal/config"
	"github.com/orchestra/squadcore/internal/gateway"
	"github.com/orchestra/squadcore/internal/lock"
	"github.com/orchestra/squadcore/internal/notifications"
	"github.com/orchestra/squadcore/internal/orchestration/agents"
	"github.com/orchestra/squadcore/internal/orchestration/backup"
	"github.com/orchestra/squadcore/internal/orchestration/bridge"
	"github.com/orchestra/squadcore/internal/orchestration/reservations"
	"github.com/orchestra/squadcore/internal/orchestration/scheduler"
	"github.com/orchestra/squadcore/internal/orchestration/signals"
	"github.com/orchestra/squadcore/internal/orchestration/supervisor"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/terminal"
)

var serveFlags struct {
	addr         string
	rulesPath    string
	agentsPath   string
	backupCron   string
	purgeCronDay int
	natsURL      string
	natsSubject  string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task store, supervisor, channel bridge, and HTTP/stream gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveFlags.rulesPath, "rules", "", "review rules file (default <project-dir>/review-rules.json)")
	serveCmd.Flags().StringVar(&serveFlags.agentsPath, "agents", "", "YAML agent dictionary to pre-register at startup")
	serveCmd.Flags().StringVar(&serveFlags.backupCron, "backup-cron", "0 */6 * * *", "cron schedule for automatic backups")
	serveCmd.Flags().IntVar(&serveFlags.purgeCronDay, "purge-stale-agents-days", 30, "purge agents idle longer than this many days, nightly")
	serveCmd.Flags().StringVar(&serveFlags.natsURL, "nats-url", "", "external NATS server to bridge chat through (default: start an embedded broker)")
	serveCmd.Flags().StringVar(&serveFlags.natsSubject, "nats-subject", "orchestrad.chat", "subject the NATS channel ingests tasks from")
}

func runServe(ctx context.Context) error {
	rt := config.LoadRuntime("SQUAD", projectDir, "review", 10*time.Minute)
	projectDir = rt.InstallDir

	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}

	guard, err := lock.Acquire(filepath.Join(projectDir, "orchestrad.lock"))
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer guard.Release()

	db, err := sql.Open("sqlite", resolveDBPath())
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer db.Close()

	ts := tasks.NewStore(db)
	if err := ts.Init(); err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	reg := agents.NewRegistry(db)
	if err := reg.Init(); err != nil {
		return fmt.Errorf("init agent registry: %w", err)
	}
	ledger := reservations.NewLedger(db)
	if err := ledger.Init(); err != nil {
		return fmt.Errorf("init reservation ledger: %w", err)
	}
	sigStore, err := signals.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("init signal store: %w", err)
	}
	bus := signals.NewBus(sigStore)
	sched := scheduler.New(ts, ledger)

	var rules *scheduler.RulesFile
	rulesPath := serveFlags.rulesPath
	if rulesPath == "" {
		rulesPath = filepath.Join(projectDir, "review-rules.json")
	}
	if _, statErr := os.Stat(rulesPath); statErr == nil {
		rules, err = scheduler.LoadRulesFile(rulesPath)
		if err != nil {
			return fmt.Errorf("load review rules: %w", err)
		}
	}

	var backend terminal.Backend = terminal.NoBackend{}
	if tmux, err := terminal.NewTmuxBackend(); err != nil {
		log.Printf("[orchestrad] terminal backend unavailable, spawns will fail: %v", err)
	} else {
		backend = tmux
	}

	sup := supervisor.New(supervisor.Config{
		SessionPrefix: "squad-",
		StaleTimeout:  rt.StaleTimeout,
		HeartbeatTick: 30 * time.Second,
	}, backend, ts, reg, ledger, bus, sched, rules)

	supCtx, cancelSup := context.WithCancel(ctx)
	defer cancelSup()
	sup.Start(supCtx)
	defer sup.Close()

	if serveFlags.agentsPath != "" {
		dict, err := config.LoadAgentDictionary(serveFlags.agentsPath)
		if err != nil {
			return fmt.Errorf("load agent dictionary: %w", err)
		}
		for _, preset := range dict.Agents {
			if _, err := reg.Register(preset.Name, preset.Program, preset.Model); err != nil {
				log.Printf("[orchestrad] pre-register agent %s failed: %v", preset.Name, err)
			}
		}
	}

	br := bridge.New(ts, sup, bus, 3*time.Second)

	var embeddedBroker *bridge.EmbeddedBroker
	natsConn, err := connectNATS(serveFlags.natsURL, &embeddedBroker)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	if embeddedBroker != nil {
		defer embeddedBroker.Shutdown()
	}
	if natsConn != nil {
		defer natsConn.Close()
		natsCh, err := bridge.NewNATSChannel("nats", natsConn, serveFlags.natsSubject)
		if err != nil {
			return fmt.Errorf("register nats channel: %w", err)
		}
		br.RegisterChannel(natsCh, true)
	}

	br.Start(supCtx)
	defer br.Close()

	notifyMgr := notifications.NewDefaultManager("http://localhost" + serveFlags.addr)
	notifyMgr.Subscribe(supCtx, bus)

	backupMgr := backup.New(db, resolveDBPath(), projectDir, sup)

	c := cron.New()
	if _, err := c.AddFunc(serveFlags.backupCron, func() {
		if dir, err := backupMgr.Backup("scheduled"); err != nil {
			log.Printf("[orchestrad] scheduled backup failed: %v", err)
		} else {
			log.Printf("[orchestrad] scheduled backup: %s", dir)
		}
	}); err != nil {
		return fmt.Errorf("schedule backup cron: %w", err)
	}
	if _, err := c.AddFunc("0 3 * * *", func() {
		n, err := reg.Purge(serveFlags.purgeCronDay)
		if err != nil {
			log.Printf("[orchestrad] agent purge failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[orchestrad] purged %d stale agent(s)", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule agent purge cron: %w", err)
	}
	c.Start()
	defer c.Stop()

	gw := gateway.New(ts, sup, bus, br, ledger)
	srv := &http.Server{Addr: serveFlags.addr, Handler: gw.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[orchestrad] listening on %s", serveFlags.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// connectNATS dials url if set, otherwise starts and dials an embedded
// broker; *embedded is populated so the caller can shut it down on
// exit. Returns a nil connection (and no error) if url is empty and the
// embedded broker fails to start, so a chat-less serve still runs.
func connectNATS(url string, embedded **bridge.EmbeddedBroker) (*nc.Conn, error) {
	if url != "" {
		return nc.Connect(url)
	}

	b, err := bridge.StartEmbeddedBroker()
	if err != nil {
		log.Printf("[orchestrad] embedded nats broker unavailable, chat bridge disabled: %v", err)
		return nil, nil
	}
	*embedded = b

	conn, err := b.Connect()
	if err != nil {
		b.Shutdown()
		return nil, fmt.Errorf("connect to embedded broker: %w", err)
	}
	return conn, nil
}
