package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/config"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/emails"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/emails/gemini"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/harvest"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/store"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/schema"
)

// Sink is an extra destination for enriched rows.
type Sink struct {
	Kind schema.SinkKind
	Sink core.Sink[listing.Enriched]
}

// HarvestDeps are the collaborators of the harvest stage. Nil Fallback and Verifier
// disable those steps.
type HarvestDeps struct {
	Fetcher  harvest.Fetcher
	Fallback harvest.Fallback
	Verifier harvest.Verifier
	Sinks    []Sink

	closers []io.Closer
}

// Close releases every opened sink.
func (d HarvestDeps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i].Close())
	}
	return errors.Join(errs...)
}

// NewHarvestDeps builds the fetcher, the optional fallback and verifier, and opens the
// configured extra sinks. Callers must Close the result.
func NewHarvestDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (HarvestDeps, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deps := HarvestDeps{
		Fetcher: harvest.NewHTTPFetcher(cfg.Harvest.UserAgent, cfg.Harvest.MaxBodyBytes),
	}
	if cfg.Harvest.VerifyMX {
		deps.Verifier = emails.NewMXVerifier(cfg.Harvest.Resolvers, cfg.Harvest.MXTimeout)
	}
	if cfg.Harvest.Fallback {
		r, err := gemini.New(ctx, gemini.Config{
			APIKey:  cfg.Gemini.APIKey,
			Model:   cfg.Gemini.Model,
			BaseURL: cfg.Gemini.BaseURL,
		})
		if err != nil {
			return HarvestDeps{}, fmt.Errorf("gemini fallback: %w", err)
		}
		deps.Fallback = r
		logger.Info("gemini fallback enabled", slog.String("model", cfg.Gemini.Model))
	}

	kinds, err := cfg.Sinks.SinkKinds()
	if err != nil {
		return HarvestDeps{}, err
	}
	for _, k := range kinds {
		s, err := openSink(ctx, k, cfg.Sinks)
		if err != nil {
			_ = deps.Close()
			return HarvestDeps{}, fmt.Errorf("open %s sink: %w", k, err)
		}
		deps.Sinks = append(deps.Sinks, Sink{Kind: k, Sink: s})
		deps.closers = append(deps.closers, s)
		logger.Info("sink opened", slog.String("sink", string(k)))
	}
	return deps, nil
}

type closingSink interface {
	core.Sink[listing.Enriched]
	io.Closer
}

func openSink(ctx context.Context, kind schema.SinkKind, cfg config.Sinks) (closingSink, error) {
	switch kind {
	case schema.SinkMySQL:
		return store.OpenMySQL(ctx, cfg.MySQL.DSN, cfg.MySQL.Table)
	case schema.SinkPostgres:
		return store.OpenPostgres(ctx, store.PostgresOptions{
			DSN:        cfg.Postgres.DSN,
			Schema:     cfg.Postgres.Schema,
			Table:      cfg.Postgres.Table,
			MaxConns:   cfg.Postgres.MaxConns,
			ViaBouncer: cfg.Postgres.ViaBouncer,
		})
	case schema.SinkNATS:
		return store.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject)
	default:
		return nil, fmt.Errorf("unsupported sink %q", kind)
	}
}

// NewLogger builds the process logger from the log settings.
func NewLogger(w io.Writer, cfg config.Log) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
