package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/board"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/config"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/metrics"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/syncer"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/ui"
)

// redrawDelay batches bursts of store changes into one redraw.
const redrawDelay = 100 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep the sheet in sync and show the board",
	Long: `Run the synchronizer until interrupted.

The board is redrawn whenever the local copy changes and transport state
transitions (push connected, reconnecting, disabled) are printed as they
happen. Editing the config file applies a new poll interval at once.`,
	Run: func(cmd *cobra.Command, args []string) {
		noPush, _ := cmd.Flags().GetBool("no-push")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr == "" {
			metricsAddr = cfg.Metrics.Addr
		}

		ctx, cancel := signalContext()
		defer cancel()

		redraw := make(chan struct{}, 1)
		poke := func() {
			select {
			case redraw <- struct{}{}:
			default:
			}
		}

		s := openSync(ctx, !noPush, func(sc *syncer.Config) {
			sc.Transport.OnStateChange = func(from, to transport.State) {
				fmt.Printf("%s transport %s → %s\n", ui.RenderMuted(time.Now().Format(time.TimeOnly)), from, ui.RenderState(to))
			}
			sc.Orchestrator.OnPendingChange = func(string, bool) { poke() }
		})
		defer s.Stop()

		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Printf("%s metrics server: %v\n", warnMark(), err)
				}
			}()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Metrics on http://%s/metrics\n", metricsAddr)
		}

		config.Watch(vcfg, func(next *config.Config, e fsnotify.Event) {
			fmt.Printf("%s %s changed\n", ui.RenderAccent("↻"), e.Name)
			if err := s.Transport().SetPollInterval(next.Sync.PollInterval); err != nil {
				fmt.Printf("%s %v\n", warnMark(), err)
			}
		}, func(err error) {
			fmt.Printf("%s %v\n", warnMark(), err)
		})

		changes, unsubscribe := s.Store().Subscribe(64)
		defer unsubscribe()

		render(s)
		var pendingRedraw <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nStopping, flushing queued edits...")
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if pendingRedraw == nil {
					pendingRedraw = time.After(redrawDelay)
				}
			case <-redraw:
				if pendingRedraw == nil {
					pendingRedraw = time.After(redrawDelay)
				}
			case <-pendingRedraw:
				pendingRedraw = nil
				render(s)
			}
		}
	},
}

func render(s *syncer.Synchronizer) {
	st := s.Store()
	updated := "never"
	if t := st.LastUpdated(); !t.IsZero() {
		updated = t.Local().Format(time.TimeOnly)
	}
	fmt.Printf("\n%s  %d row(s), updated %s, %s\n",
		ui.RenderAccent("sheetsync"), st.Len(), updated, ui.RenderState(s.Transport().State()))
	fmt.Print(ui.RenderBoard(board.Build(st.Snapshot(), time.Now()), s.Pending))
}

func init() {
	watchCmd.Flags().Bool("no-push", false, "poll only, never open the push channel")
	watchCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(watchCmd)
}
