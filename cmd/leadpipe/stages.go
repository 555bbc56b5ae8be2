package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/app"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/browser"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/config"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/harvest"
)

func newCollectCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect listings from a Google Maps search",
		Long: `Opens a Google Maps search for --query (or the page at --url), scrolls the
results list until it ends, the limit is reached or the list stops growing, and
writes one CSV row per distinct listing. Rows are written as they are accepted,
so a failed run keeps everything collected before the failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyCollectFlags(cmd.Flags(), &s.cfg.Collect, "output")
			if err := s.cfg.ValidateCollect(); err != nil {
				return err
			}
			return s.collect(cmd)
		},
	}
	initCollectFlags(cmd.Flags(), "output")
	return cmd
}

func newHarvestCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest emails from the websites of collected listings",
		Long: `Reads the listings CSV, fetches every distinct website once with bounded
concurrency and writes the listings again with the emails found on each site.
Every website ends as success, timeout, error or skipped; the run only fails
when the input cannot be read, the output cannot be written or a sink fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyHarvestFlags(cmd.Flags(), &s.cfg, "input", "output")
			if err := s.cfg.ValidateHarvest(); err != nil {
				return err
			}
			return s.harvest(cmd)
		},
	}
	cmd.Flags().StringP("input", "i", "", "listings CSV to read (env: LISTINGS_FILE)")
	initHarvestFlags(cmd.Flags(), "output")
	return cmd
}

func newRunCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect listings, then harvest their emails",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyCollectFlags(cmd.Flags(), &s.cfg.Collect, "listings")
			applyHarvestFlags(cmd.Flags(), &s.cfg, "", "enriched")
			s.cfg.Harvest.Input = s.cfg.Collect.Output
			if err := s.cfg.ValidateCollect(); err != nil {
				return err
			}
			if err := s.cfg.ValidateHarvest(); err != nil {
				return err
			}
			return s.run(cmd)
		},
	}
	initCollectFlags(cmd.Flags(), "listings")
	initHarvestFlags(cmd.Flags(), "enriched")
	return cmd
}

func initCollectFlags(fs *pflag.FlagSet, outputFlag string) {
	fs.StringP("query", "q", "", "search terms, e.g. \"bakeries in Brooklyn\" (env: QUERY)")
	fs.String("url", "", "Google Maps URL to open instead of a search (env: MAPS_URL)")
	fs.StringP(outputFlag, "o", "", "listings CSV to write (env: LISTINGS_FILE, default gmaps_data.csv)")
	fs.IntP("limit", "n", 0, "stop after this many listings, 0 for no limit (env: RESULT_LIMIT)")
	fs.Bool("headless", true, "run Chrome without a window (env: HEADLESS)")
	fs.String("chrome-path", "", "Chrome executable (env: CHROME_PATH)")
	fs.Bool("details", false, "open place pages to fill missing website and phone (env: DETAILS)")
	fs.Bool("resume", false, "append to an existing listings CSV and skip listings already in it")
	fs.Duration("collect-timeout", 0, "bound the whole collection, 0 disables (env: COLLECT_TIMEOUT)")
	fs.Duration("scroll-pause", 0, "wait after each scroll (env: SCROLL_PAUSE)")
	fs.Int("max-nav-attempts", 0, "navigation attempts before failing (env: MAX_NAV_ATTEMPTS)")
	fs.Int("max-stall-retries", 0, "scrolls without growth before finishing (env: MAX_STALL_RETRIES)")
}

func applyCollectFlags(fs *pflag.FlagSet, c *config.Collect, outputFlag string) {
	o := overlay{fs}
	o.str("query", &c.Query)
	o.str("url", &c.URL)
	// A target flag replaces a target from lower layers; both flags together stay an error.
	switch querySet, urlSet := fs.Changed("query"), fs.Changed("url"); {
	case querySet && !urlSet:
		c.URL = ""
	case urlSet && !querySet:
		c.Query = ""
	}
	o.str(outputFlag, &c.Output)
	o.num("limit", &c.Limit)
	o.flag("headless", &c.Headless)
	o.str("chrome-path", &c.ChromePath)
	o.flag("details", &c.Details)
	o.flag("resume", &c.Resume)
	o.duration("collect-timeout", &c.Timeout)
	o.duration("scroll-pause", &c.ScrollPause)
	o.num("max-nav-attempts", &c.MaxNavAttempts)
	o.num("max-stall-retries", &c.MaxStallRetries)
}

func initHarvestFlags(fs *pflag.FlagSet, outputFlag string) {
	short := "o"
	if outputFlag != "output" {
		short = "e"
	}
	fs.StringP(outputFlag, short, "", "enriched CSV to write (env: ENRICHED_FILE, default gmaps_data_with_emails.csv)")
	fs.IntP("concurrency", "c", 0, "websites fetched at once (env: CONCURRENCY, default 10)")
	fs.Duration("request-timeout", 0, "per-website timeout (env: REQUEST_TIMEOUT, default 10s)")
	fs.Duration("global-timeout", 0, "bound the whole harvest, 0 disables (env: GLOBAL_TIMEOUT)")
	fs.Int("max-retries", 0, "extra attempts for transient fetch failures (env: MAX_RETRIES)")
	fs.Float64("rate-limit-rps", 0, "global fetch rate limit, 0 disables (env: RATE_LIMIT_RPS)")
	fs.Bool("harvest-resume", false, "reuse emails from an existing enriched CSV")
	fs.Bool("verify-mx", false, "drop addresses whose domain has no mail exchanger (env: VERIFY_MX)")
	fs.Bool("fallback", false, "ask Gemini for obfuscated addresses when none are found (env: GEMINI_FALLBACK)")
	fs.StringSlice("sinks", nil, "extra sinks: mysql, postgres, nats (env: SINKS)")
}

// applyHarvestFlags skips the input flag when inputFlag is empty.
func applyHarvestFlags(fs *pflag.FlagSet, cfg *config.Config, inputFlag, outputFlag string) {
	o := overlay{fs}
	h := &cfg.Harvest
	if inputFlag != "" {
		o.str(inputFlag, &h.Input)
	}
	o.str(outputFlag, &h.Output)
	o.num("concurrency", &h.Concurrency)
	o.duration("request-timeout", &h.RequestTimeout)
	o.duration("global-timeout", &h.GlobalTimeout)
	o.num("max-retries", &h.MaxRetries)
	o.float("rate-limit-rps", &h.RateLimitRPS)
	o.flag("harvest-resume", &h.Resume)
	o.flag("verify-mx", &h.VerifyMX)
	o.flag("fallback", &h.Fallback)
	o.list("sinks", &cfg.Sinks.Kinds)
}

func (s *session) browserOptions() browser.Options {
	c := s.cfg.Collect
	return browser.Options{
		Headless:      c.Headless,
		UserAgent:     c.UserAgent,
		ExecPath:      c.ChromePath,
		NavTimeout:    c.NavTimeout,
		DetailTimeout: c.DetailTimeout,
		Settle:        c.Settle,
	}
}

func (s *session) collect(cmd *cobra.Command) error {
	ctx := cmd.Context()
	b, err := browser.NewSession(ctx, s.browserOptions())
	if err != nil {
		return &runError{stage: "collect", err: err}
	}
	defer b.Close()

	res, err := app.RunCollect(ctx, s.cfg, b, s.logger)
	_, _ = fmt.Fprintf(s.stdout, "collected %d listings (%s) -> %s\n", len(res.Records), res.State, s.cfg.Collect.Output)
	if err != nil {
		return &runError{stage: "collect", err: err}
	}
	return nil
}

func (s *session) harvest(cmd *cobra.Command) error {
	ctx := cmd.Context()
	deps, err := app.NewHarvestDeps(ctx, s.cfg, s.logger)
	if err != nil {
		return &runError{stage: "harvest", err: err}
	}
	defer func() { _ = deps.Close() }()

	sum, err := app.RunHarvest(ctx, s.cfg, deps, s.logger)
	s.printHarvest(sum)
	if err != nil {
		return &runError{stage: "harvest", err: err}
	}
	return nil
}

func (s *session) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	deps, err := app.NewHarvestDeps(ctx, s.cfg, s.logger)
	if err != nil {
		return &runError{stage: "run", err: err}
	}
	defer func() { _ = deps.Close() }()

	b, err := browser.NewSession(ctx, s.browserOptions())
	if err != nil {
		return &runError{stage: "run", err: err}
	}
	defer b.Close()

	sum, err := app.RunPipeline(ctx, s.cfg, b, deps, s.logger)
	s.printHarvest(sum)
	if err != nil {
		return &runError{stage: "run", err: err}
	}
	return nil
}

func (s *session) printHarvest(sum app.HarvestSummary) {
	if sum.ByStatus == nil {
		return
	}
	_, _ = fmt.Fprintf(s.stdout, "harvested %d websites for %d listings: %d emails, %d success, %d timeout, %d error, %d skipped -> %s\n",
		sum.URLs, sum.Listings, sum.Emails,
		sum.ByStatus[harvest.StatusSuccess], sum.ByStatus[harvest.StatusTimeout],
		sum.ByStatus[harvest.StatusError], sum.ByStatus[harvest.StatusSkipped],
		s.cfg.Harvest.Output,
	)
}
