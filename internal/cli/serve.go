package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/parleyd/parley/internal/agent"
	"github.com/parleyd/parley/internal/config"
	"github.com/parleyd/parley/internal/events"
	"github.com/parleyd/parley/internal/match"
	"github.com/parleyd/parley/internal/negotiation"
	"github.com/parleyd/parley/internal/registry"
	"github.com/parleyd/parley/internal/store"
)

var (
	serveListings int
	serveDemo     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the negotiation session daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveListings, "listings", 8, "number of landlord listings available for matching")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "use scripted agents that negotiate to agreement")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	pub := events.NewPublisher(cfg.Events.SubscriberBuffer)
	var mirror *events.KafkaMirror
	if len(cfg.Events.Kafka.Brokers) > 0 {
		mirror = events.NewKafkaMirror(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
		pub.AddSink(mirror)
		defer mirror.Close()
		slog.Info("Kafka event mirror enabled", "brokers", cfg.Events.Kafka.Brokers, "topic", cfg.Events.Kafka.Topic)
	}

	gw := &gatewayServer{
		cfg:     cfg,
		st:      st,
		pub:     pub,
		reg:     registry.New(),
		matcher: buildRoster(serveListings),
		agents:  buildAgents(cfg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	gw.baseCtx = ctx

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: gw.handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	color.Green("parley gateway listening on %s", addr)
	slog.Info("Gateway started", "addr", addr, "agents", cfg.Agents.Provider)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	slog.Info("Shutting down")
	gw.reg.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildRoster(listings int) *match.Roster {
	entries := make([]match.Listing, 0, listings)
	for i := 0; i < listings; i++ {
		entries = append(entries, match.Listing{
			LandlordID:  fmt.Sprintf("landlord-%03d", i+1),
			PropertyRef: fmt.Sprintf("PROP-%04d", i+1),
		})
	}
	return match.NewRoster(entries...)
}

func buildAgents(cfg *config.Config) agent.Gateway {
	if cfg.Agents.Provider == "openai" && !serveDemo {
		return agent.NewLLMGateway(cfg.Agents.APIKey, cfg.Agents.BaseURL,
			cfg.Agents.Model, cfg.Agents.MaxTokens, cfg.Agents.Temperature)
	}
	return demoAgents()
}

// demoAgents is a scripted negotiation that converges on agreement: the
// tenant opens low, the landlord counters, the tenant accepts the counter
// terms verbatim. Scripts are consumed across sessions; once exhausted the
// fallback keeps answering continue until the turn cap ends the session.
func demoAgents() *agent.ScriptedGateway {
	g := agent.NewScriptedGateway()
	counter := &negotiation.Terms{PriceMonthly: 1250, DurationMonths: 12, StartDate: "2026-10-01"}
	g.Push(negotiation.PartyTenant,
		&agent.Decision{
			Message:   "I'd like to lease for 12 months at 1150 per month, starting October 1st.",
			Intent:    negotiation.IntentPropose,
			Terms:     &negotiation.Terms{PriceMonthly: 1150, DurationMonths: 12, StartDate: "2026-10-01"},
			Rationale: "open below asking to leave room",
		},
		&agent.Decision{
			Message:   "1250 works for me. Agreed: 12 months at 1250 from October 1st.",
			Intent:    negotiation.IntentAgree,
			Terms:     counter,
			Rationale: "counter is within budget",
		},
	)
	g.Push(negotiation.PartyLandlord,
		&agent.Decision{
			Message:   "1150 is below market. I can do 1250 for a 12 month term from October 1st.",
			Intent:    negotiation.IntentPropose,
			Terms:     counter,
			Rationale: "hold close to asking price",
		},
	)
	g.Fallback = &agent.Decision{
		Message: "Let me think about that.",
		Intent:  negotiation.IntentContinue,
	}
	return g
}
