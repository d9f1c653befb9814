// Command analyze runs a single analysis from the command line and
// prints the resulting trade plan as JSON. It keeps everything in
// memory, so no PostgreSQL or Redis is needed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/agents"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/consensus"
	"github.com/stockcouncil/stockcouncil/internal/critique"
	"github.com/stockcouncil/stockcouncil/internal/llm"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/orchestrator"
	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/research"
	"github.com/stockcouncil/stockcouncil/internal/store"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	query := flag.String("query", "", "Analysis question, e.g. \"should I buy AAPL\"")
	symbols := flag.String("symbols", "", "Comma-separated ticker symbols")
	verbose := flag.Bool("v", false, "Log progress events to stderr")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *query == "" || *symbols == "" {
		fmt.Fprintln(os.Stderr, "usage: analyze -query \"...\" -symbols AAPL[,MSFT]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()
	bus := progress.NewBus()
	defer bus.Close()

	if *verbose {
		go logProgress(bus)
	}

	fetcher := market.NewProviderClient(cfg.Provider)
	llmClient := llm.NewClient(cfg.LLM)

	gateway := research.NewGateway(cfg.Research)
	if err := gateway.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Research gateway connect failed")
	}
	defer gateway.Close()

	engine := orchestrator.New(cfg.Engine, orchestrator.Deps{
		Registry: agents.DefaultRegistry(agents.Deps{
			Market:   fetcher,
			LLM:      llmClient,
			Research: gateway,
		}),
		Runtime:   agents.NewRuntime(cfg.Engine, bus),
		Market:    fetcher,
		Consensus: consensus.NewEngine(consensus.WithBaseWeights(cfg.Consensus.BaseWeights)),
		Synthesis: synthesis.NewStage(cfg.Synthesis),
		Critique:  critique.NewStage(cfg.Synthesis),
		Store:     store.NewMemory(),
		Bus:       bus,
	})

	rec, err := engine.Submit(ctx, *query, strings.Split(*symbols, ","))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to submit analysis")
	}

	rec, err = engine.Wait(ctx, rec.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Analysis did not finish")
	}
	if rec.ErrorMessage != "" {
		log.Fatal().Str("error", rec.ErrorMessage).Msg("Analysis failed")
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(rec.FinalArtifact, &pretty); err != nil {
		log.Fatal().Err(err).Msg("Malformed artifact")
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

// logProgress echoes the event firehose to stderr while the run is live
func logProgress(bus *progress.Bus) {
	sub := bus.SubscribeAll()
	defer sub.Unsubscribe()
	for evt := range sub.Events() {
		log.Info().
			Str("kind", evt.Kind).
			Str("analysis_id", evt.AnalysisID).
			Fields(map[string]interface{}{"payload": evt.Payload}).
			Msg("progress")
	}
}
