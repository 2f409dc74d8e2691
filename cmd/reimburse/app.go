package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/reimburse-agent/internal/agent"
	"github.com/nugget/reimburse-agent/internal/config"
	"github.com/nugget/reimburse-agent/internal/email"
	"github.com/nugget/reimburse-agent/internal/embeddings"
	"github.com/nugget/reimburse-agent/internal/employees"
	"github.com/nugget/reimburse-agent/internal/geo"
	"github.com/nugget/reimburse-agent/internal/llm"
	"github.com/nugget/reimburse-agent/internal/orchestrator"
	"github.com/nugget/reimburse-agent/internal/receipts"
	"github.com/nugget/reimburse-agent/internal/rules"
	"github.com/nugget/reimburse-agent/internal/stages"
	"github.com/nugget/reimburse-agent/internal/store"
	"github.com/nugget/reimburse-agent/internal/tools"
	defaultrules "github.com/nugget/reimburse-agent/rules"
)

// app holds the long-lived components shared by the subcommands. The
// store-backed parts are always present; the processing pipeline is
// only built by [app.startPipeline].
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	employees *employees.Repository
	stageLog  *stages.StoreRecorder
	receipts  *receipts.Matcher

	publisher    *stages.MQTTPublisher
	orchestrator *orchestrator.Orchestrator
}

// openApp opens the data directory and the store.
func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	s, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	logger.Debug("store opened", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	var embedder embeddings.Embedder
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		employees: employees.NewRepository(s),
		stageLog:  stages.NewStoreRecorder(s),
		receipts:  receipts.NewMatcher(s, embedder, cfg.Embeddings.SimilarityThreshold, logger),
	}, nil
}

// startPipeline builds the model clients, tools, stage recorders, agent
// loop and orchestrator.
func (a *app) startPipeline(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	client := createLLMClient(cfg, logger)
	opts := llm.Options{
		Temperature: cfg.Agent.Temperature,
		Seed:        cfg.Agent.Seed,
		MaxTokens:   cfg.Agent.MaxTokens,
	}

	policy, err := receipts.ParsePolicy(cfg.Embeddings.DuplicatePolicy)
	if err != nil {
		return err
	}
	deps := tools.Deps{
		Employees:  a.employees,
		Comparator: receipts.NewComparator(client, cfg.Models.Compare, opts, logger),
		Policy:     policy,
		Threshold:  cfg.Embeddings.SimilarityThreshold,
		Logger:     logger,
	}

	if cfg.Geocoding.Configured() {
		geocoder := geo.NewGoogle(cfg.Geocoding.BaseURL, cfg.Geocoding.APIKey)
		fallback := geo.Point{Lat: cfg.Geocoding.OfficeLat, Lng: cfg.Geocoding.OfficeLng}
		deps.Proximity = geo.NewOfficeLocator(ctx, geocoder, cfg.Geocoding.OfficeAddress, fallback, cfg.Geocoding.RadiusKm, logger)
	} else {
		logger.Warn("geocoding not configured, travel proximity checks will fail")
	}

	if cfg.SMTP.Configured() {
		deps.Mailer = email.NewMailer(cfg.SMTP, logger)
	} else {
		logger.Warn("smtp not configured, notifications will not be delivered")
	}

	recorders := stages.Multi{a.stageLog}
	if cfg.MQTT.Configured() {
		clientID, err := stages.LoadOrCreateClientID(cfg.DataDir)
		if err != nil {
			return err
		}
		pub := stages.NewMQTTPublisher(cfg.MQTT, clientID, logger)
		if err := pub.Start(ctx); err != nil {
			logger.Warn("mqtt publisher unavailable, stages are only kept in the store", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			a.publisher = pub
			recorders = append(recorders, pub)
		}
	}

	loop := agent.NewLoop(agent.Config{
		Model:       cfg.Models.Default,
		Options:     opts,
		CallTimeout: cfg.Agent.CallTimeout,
	}, client, tools.NewRegistry(deps), recorders, logger)

	od := orchestrator.Deps{
		Classifier: receipts.NewClassifier(client, cfg.Models.Vision, opts, logger),
		Rules:      rules.NewLoader(cfg.RulesDir, defaultrules.Files),
		Runner:     loop,
		Recorder:   recorders,
	}
	if cfg.Embeddings.Enabled {
		od.Duplicates = a.receipts
	}
	a.orchestrator = orchestrator.New(orchestrator.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		Workers:       cfg.Workers,
	}, od, logger)

	logger.Info("pipeline ready",
		"agent_model", cfg.Models.Default,
		"vision_model", cfg.Models.Vision,
		"embeddings", cfg.Embeddings.Enabled,
		"duplicate_policy", policy,
		"workers", cfg.Workers,
	)
	return nil
}

// Close stops the MQTT publisher and closes the store.
func (a *app) Close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Stop(ctx); err != nil {
			a.logger.Warn("mqtt disconnect failed", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

// createLLMClient builds a multi-provider client. Models not listed
// under models.available fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.OpenAI.Configured() {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, logger))
		logger.Debug("openai-compatible provider configured", "base_url", cfg.OpenAI.BaseURL)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Debug("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", cfg.ProviderFor(cfg.Models.Default),
		"vision_provider", cfg.ProviderFor(cfg.Models.Vision),
	)
	return multi
}
