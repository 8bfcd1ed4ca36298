package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nbaertsch/squadron/internal/envscrub"
	"github.com/nbaertsch/squadron/internal/manager"
	"github.com/nbaertsch/squadron/internal/obslog"
	"github.com/nbaertsch/squadron/internal/reconcile"
	"github.com/nbaertsch/squadron/internal/recovery"
	"github.com/nbaertsch/squadron/internal/router"
	"github.com/nbaertsch/squadron/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver, event router, agent manager, and reconciliation loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.reg.Close()

	agentCommand := strings.Fields(envOr("SQUADRON_AGENT_COMMAND", "squadron-agent"))
	systemPromptURL := os.Getenv("SQUADRON_SYSTEM_PROMPT_URL")

	mgr := manager.New(manager.Config{
		Squadron:     d.cfg,
		Registry:     d.reg,
		GitHub:       d.gh,
		Log:          d.log,
		WorktreeMgr:  d.wt,
		EnvScrubber:  envscrub.New(),
		SystemPrompt: systemPromptURL,
		Command:      agentCommand,
		BaseEnv:      os.Environ(),
	})

	rtr := router.New(d.cfg.GitHub.BotLogin, d.cfg.Project.Owner, d.cfg.Project.Repo, d.reg, d.cfg.Commands, d.gh,
		256, d.log)
	mgr.Wire(rtr)

	recon := reconcile.New(reconcile.Deps{
		Config:    d.cfg,
		Registry:  d.reg,
		GitHub:    d.gh,
		Waker:     mgr,
		Lifecycle: mgr,
		Log:       d.log,
	})

	summary, err := recovery.Run(ctx, d.cfg, d.reg, d.gh, d.log)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	d.log.Info("startup recovery: %d failed, %d reconstructed, %d sleeping, %d skipped",
		summary.Failed, summary.Reconstructed, summary.Sleeping, summary.Skipped)

	recv := webhook.New(webhook.Config{
		RequireInstallationID: d.cfg.GitHub.InstallationID,
		RequireRepoFullName:   d.cfg.Project.Owner + "/" + d.cfg.Project.Repo,
		RateLimitPerMin:       d.cfg.Webhook.RateLimitPerMin,
	}, d.gh, 256, d.log)

	mux := http.NewServeMux()
	mux.Handle("/webhook", recv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: d.cfg.Webhook.ListenAddr, Handler: mux}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rtr.Run(ctx, recv.Events())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runPMQueueConsumer(ctx, mgr, rtr, d.log)
	}()

	recon.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.log.Info("squadron: listening on %s", d.cfg.Webhook.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("squadron: http server: %v", err)
		}
	}()

	waitForShutdownSignal(ctx)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.Error("squadron: http shutdown: %v", err)
	}
	recon.Stop()
	wg.Wait()

	d.log.Info("squadron: shutdown complete")
	return nil
}

// runPMQueueConsumer drains the router's PM queue, keeping the
// project-manager agent for each referenced issue spawned or awake so
// it sees every triage-worthy event as it happens rather than only on
// its own schedule. The PM agent decides what to do with the signal
// on its own next turn; this loop only keeps it alive to receive it.
func runPMQueueConsumer(ctx context.Context, mgr *manager.Manager, rtr *router.Router, log *obslog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-rtr.PMQueue():
			if !ok {
				return
			}
			if evt.IssueNumber == 0 {
				continue // PR-only event with no issue to triage against
			}
			if _, err := mgr.SpawnOrWake(ctx, "pm", evt.IssueNumber); err != nil {
				log.Error("squadron: pm_queue spawn_or_wake issue #%d: %v", evt.IssueNumber, err)
			}
		}
	}
}

// waitForShutdownSignal blocks until SIGINT/SIGTERM, or ctx is already
// done (e.g. cancelled elsewhere during startup).
func waitForShutdownSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
}
