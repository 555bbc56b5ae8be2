// Package app wires the collect and harvest stages to their inputs, outputs and sinks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/browser"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/collector"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/config"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/harvest"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/store"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/redact"
)

var tracer = otel.Tracer("github.com/shpitdev/gmaps-lead-pipeline/internal/app")

// RunLogger returns logger tagged with a fresh run identifier.
func RunLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("run", uuid.NewString()))
}

// RunCollect drives b through one collection and streams accepted listings to the
// configured listings file. On failure the file keeps every listing accepted so far.
func RunCollect(ctx context.Context, cfg config.Config, b collector.Browser, logger *slog.Logger) (collector.Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cc := cfg.Collect
	target := cc.Target(browser.SearchURL)

	ctx, span := tracer.Start(ctx, "collect")
	defer span.End()
	span.SetAttributes(attribute.String("target", target), attribute.Int("limit", cc.Limit))

	if cc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cc.Timeout)
		defer cancel()
	}

	var prior []listing.Record
	if cc.Resume {
		recs, err := store.ListingsFile{Path: cc.Output}.Load(ctx)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return collector.Result{}, fmt.Errorf("resume from %s: %w", cc.Output, err)
		default:
			prior = recs
		}
	} else if err := os.Remove(cc.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return collector.Result{}, fmt.Errorf("reset %s: %w", cc.Output, err)
	}

	out, err := store.OpenListingAppender(cc.Output)
	if err != nil {
		return collector.Result{}, fmt.Errorf("open listings output: %w", err)
	}
	defer func() { _ = out.Close() }()

	opts := collector.Options{
		Limit:           cc.Limit,
		MaxNavAttempts:  cc.MaxNavAttempts,
		MaxStallRetries: cc.MaxStallRetries,
		ScrollPause:     cc.ScrollPause,
		StallWait:       cc.StallWait,
		Prior:           prior,
		OnRecord:        out.Append,
		OnState: func(s collector.State) {
			logger.Debug("collector state", slog.String("state", s.String()))
		},
		Logger: logger,
	}
	if d, ok := b.(collector.DetailFetcher); ok && cc.Details {
		opts.Details = d
	}

	logger.Info("collect start",
		slog.String("target", redact.Secrets(target)),
		slog.String("output", cc.Output),
		slog.Int("limit", cc.Limit),
		slog.Int("resumed", len(prior)),
		slog.Bool("details", opts.Details != nil),
	)
	res, runErr := collector.New(b, opts).Run(ctx, target)
	closeErr := out.Close()

	span.SetAttributes(attribute.Int("records", len(res.Records)), attribute.String("state", res.State.String()))
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "collection failed")
		return res, errors.Join(runErr, closeErr)
	}
	if closeErr != nil {
		return res, fmt.Errorf("close listings output: %w", closeErr)
	}
	return res, nil
}

// HarvestSummary counts the outcome of one harvest.
type HarvestSummary struct {
	Listings int
	URLs     int
	Emails   int
	ByStatus map[harvest.Status]int
	Rows     []listing.Enriched
}

// RunHarvest reads the listings file, harvests emails from every distinct website,
// writes the enriched file and then hands the rows to each extra sink. The enriched
// file is written before any sink runs; sink failures are reported together.
func RunHarvest(ctx context.Context, cfg config.Config, deps HarvestDeps, logger *slog.Logger) (HarvestSummary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.Harvest
	runStart := time.Now()

	ctx, span := tracer.Start(ctx, "harvest")
	defer span.End()

	records, err := store.ListingsFile{Path: hc.Input}.Load(ctx)
	if err != nil {
		return HarvestSummary{}, fmt.Errorf("load listings: %w", err)
	}

	var prior map[string][]string
	if hc.Resume {
		prior, err = store.EnrichedFile{Path: hc.Output}.KnownEmails(ctx, harvest.TargetURL)
		if err != nil {
			return HarvestSummary{}, fmt.Errorf("resume from %s: %w", hc.Output, err)
		}
	}

	urls := harvest.Targets(records)
	logger.Info("harvest run start",
		slog.String("input", hc.Input),
		slog.String("output", hc.Output),
		slog.Int("listings", len(records)),
		slog.Int("urls", len(urls)),
		slog.Int("resumed", len(prior)),
		slog.Bool("fallback", deps.Fallback != nil),
		slog.Bool("verify_mx", deps.Verifier != nil),
	)

	completed := 0
	h := harvest.New(deps.Fetcher, harvest.Options{
		Concurrency:     hc.Concurrency,
		RequestTimeout:  hc.RequestTimeout,
		GlobalTimeout:   hc.GlobalTimeout,
		MaxRetries:      hc.MaxRetries,
		RateLimitRPS:    hc.RateLimitRPS,
		Fallback:        deps.Fallback,
		FallbackTimeout: cfg.Gemini.Timeout,
		Verifier:        deps.Verifier,
		Prior:           prior,
		OnResult: func(e harvest.Enrichment) {
			completed++
			logger.Debug("website harvested",
				slog.String("url", e.URL),
				slog.String("status", string(e.Status)),
				slog.Int("emails", len(e.Emails)),
				slog.String("err", e.Err),
				slog.String("completed", fmt.Sprintf("%d/%d", completed, len(urls))),
			)
		},
		Logger: logger,
	})
	results := h.Harvest(ctx, urls)
	rows := harvest.Merge(records, results)

	sum := HarvestSummary{Listings: len(records), URLs: len(urls), ByStatus: map[harvest.Status]int{}, Rows: rows}
	for _, e := range results {
		sum.ByStatus[e.Status]++
		sum.Emails += len(e.Emails)
	}
	span.SetAttributes(attribute.Int("urls", sum.URLs), attribute.Int("emails", sum.Emails))

	writeStart := time.Now()
	if err := (store.EnrichedFile{Path: hc.Output}).Store(ctx, rows); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write enriched output")
		return sum, fmt.Errorf("write enriched output: %w", err)
	}

	var sinkErrs []error
	for _, s := range deps.Sinks {
		start := time.Now()
		if err := s.Sink.Store(ctx, rows); err != nil {
			logger.Error("sink store failed", slog.String("sink", string(s.Kind)), slog.String("err", redact.Secrets(err.Error())))
			sinkErrs = append(sinkErrs, fmt.Errorf("%s sink: %w", s.Kind, err))
			continue
		}
		logger.Info("sink stored rows",
			slog.String("sink", string(s.Kind)),
			slog.Int("rows", len(rows)),
			slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
		)
	}

	logger.Info("harvest run complete",
		slog.Int("rows", len(rows)),
		slog.Int("emails", sum.Emails),
		slog.Int("success", sum.ByStatus[harvest.StatusSuccess]),
		slog.Int("timeout", sum.ByStatus[harvest.StatusTimeout]),
		slog.Int("error", sum.ByStatus[harvest.StatusError]),
		slog.Int("skipped", sum.ByStatus[harvest.StatusSkipped]),
		slog.Duration("write_duration", time.Since(writeStart).Round(time.Millisecond)),
		slog.Duration("total_duration", time.Since(runStart).Round(time.Millisecond)),
	)
	if err := errors.Join(sinkErrs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink failure")
		return sum, err
	}
	return sum, nil
}

// RunPipeline collects into the listings file and harvests from it. A failed collection
// that still produced listings is harvested before its error is returned; a canceled
// one is not.
func RunPipeline(ctx context.Context, cfg config.Config, b collector.Browser, deps HarvestDeps, logger *slog.Logger) (HarvestSummary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Harvest.Input = cfg.Collect.Output

	res, collectErr := RunCollect(ctx, cfg, b, logger)
	if collectErr != nil {
		if ctx.Err() != nil {
			return HarvestSummary{}, collectErr
		}
		if len(res.Records) == 0 && !cfg.Collect.Resume {
			return HarvestSummary{}, collectErr
		}
		logger.Warn("harvesting partial collection", slog.Int("records", len(res.Records)))
	}

	sum, err := RunHarvest(ctx, cfg, deps, logger)
	return sum, errors.Join(collectErr, err)
}
