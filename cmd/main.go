package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirphl/bracket-trader/internal/config"
	"github.com/amirphl/bracket-trader/internal/db"
	"github.com/amirphl/bracket-trader/internal/exchange"
	"github.com/amirphl/bracket-trader/internal/group"
	"github.com/amirphl/bracket-trader/internal/notifier"
	"github.com/amirphl/bracket-trader/internal/position"
	"github.com/amirphl/bracket-trader/internal/reconcile"
	"github.com/amirphl/bracket-trader/internal/suspend"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: Postgres when configured, in-memory otherwise (dry runs).
	var storage db.Storage
	if cfg.DBConnStr != "" {
		pg, err := db.New(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			log.Fatalf("Failed to initialize Postgres storage: %v", err)
		}
		storage = pg
		log.Printf("Main | Using Postgres storage")
	} else {
		storage = db.NewMemory()
		log.Printf("Main | Using in-memory storage (state will not survive restarts)")
	}

	var n notifier.Notifier
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		n = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
	} else {
		n = notifier.NoopNotifier{}
		log.Printf("Main | Telegram credentials not set, notifications disabled")
	}

	ex := exchange.NewBinanceExchange(cfg.BinanceBaseURL, cfg.BinanceAPIKey, cfg.BinanceAPISecret, n)

	// Refuse to trade against a hedge-mode account; reduce-only semantics
	// differ and the reconciliation loop would suspend every symbol anyway.
	mode, err := ex.PositionMode(ctx)
	if err != nil {
		log.Fatalf("Failed to query position mode: %v", err)
	}
	if mode == exchange.Hedge {
		log.Printf("Main | WARNING: account is in HEDGE position mode; protective submissions will be suspended until resolved")
	}

	groups := group.NewStore(storage)
	suspensions := suspend.NewList()
	orch := position.New(cfg, ex, groups, storage, n, suspensions)

	// Resume in-flight positions before any event can arrive.
	if err := orch.Resume(ctx); err != nil {
		log.Fatalf("Failed to resume positions: %v", err)
	}

	loop := reconcile.NewLoop(cfg, ex, groups, orch, storage, n, suspensions)

	var stream exchange.Stream = exchange.NewUserDataStream(cfg.BinanceWSURL, cfg.BinanceBaseURL, cfg.BinanceAPIKey)
	events, err := stream.Subscribe("orchestrator", 256)
	if err != nil {
		log.Fatalf("Failed to subscribe to user data stream: %v", err)
	}
	stream.Start(ctx)
	defer stream.Close()

	go func() {
		for ev := range events {
			if ev.Type == exchange.EventReconnected {
				// Events may have been missed while disconnected.
				loop.Trigger()
				continue
			}
			orch.HandleEvent(ctx, ev)
		}
	}()

	go loop.Run(ctx)
	// One pass immediately: the process may have been down for a while.
	loop.Trigger()

	// Trailing stops need a price feed; only dial it when some symbol has
	// the policy enabled.
	if trailingEnabled(cfg) {
		marks := exchange.NewMarkPriceStream(cfg.BinanceWSURL, cfg.Symbols, func(symbol string, price float64) {
			orch.OnPrice(ctx, symbol, price)
		})
		marks.Start(ctx)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			// Operator surface for clearing a symbol suspension after the
			// underlying condition (e.g. hedge mode) has been resolved.
			mux.HandleFunc("/acknowledge", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "POST only", http.StatusMethodNotAllowed)
					return
				}
				symbol := r.URL.Query().Get("symbol")
				if symbol == "" {
					http.Error(w, "symbol required", http.StatusBadRequest)
					return
				}
				loop.Acknowledge(symbol)
				w.WriteHeader(http.StatusNoContent)
			})
			log.Printf("Main | Metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("Main | Metrics server stopped: %v", err)
			}
		}()
	}

	log.Printf("Main | Started for symbols %v on %s", cfg.Symbols, ex.Name())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Main | Shutting down")
	cancel()
}

// trailingEnabled reports whether any configured symbol uses a trailing stop.
func trailingEnabled(cfg config.Config) bool {
	if cfg.RiskParams.TrailingStopPercent > 0 {
		return true
	}
	for _, p := range cfg.RiskMap {
		if p.TrailingStopPercent > 0 {
			return true
		}
	}
	return false
}
