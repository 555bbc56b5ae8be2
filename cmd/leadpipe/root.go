package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/app"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/config"
	"github.com/shpitdev/gmaps-lead-pipeline/internal/version"
)

const appName = "leadpipe"

// session is the state shared by the subcommands of one invocation.
type session struct {
	configPath string
	envFile    string

	cfg    config.Config
	logger *slog.Logger

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	s := &session{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   appName,
		Short: "Collect Google Maps listings and harvest contact emails from their websites",
		Long: `leadpipe runs two stages that can be used separately or together:

  collect  scrolls a Google Maps search and writes the listings CSV
  harvest  fetches each listing's website and writes the listings CSV with emails
  run      collect, then harvest

Settings come from defaults, then --config (YAML), then .env, then environment
variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.load(cmd.Flags())
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return err })

	pf := root.PersistentFlags()
	pf.StringVar(&s.configPath, "config", "", "YAML config file")
	pf.StringVar(&s.envFile, "env-file", ".env", "dotenv file loaded when present")
	pf.String("log-level", "", "debug, info, warn or error (env: LOG_LEVEL)")
	pf.String("log-format", "", "text or json (env: LOG_FORMAT)")

	root.AddCommand(
		newCollectCmd(s),
		newHarvestCmd(s),
		newRunCmd(s),
		newVersionCmd(s),
	)
	return root
}

func (s *session) load(fs *pflag.FlagSet) error {
	cfg, err := config.Load(s.configPath, s.envFile)
	if err != nil {
		return err
	}
	o := overlay{fs}
	o.str("log-level", &cfg.Log.Level)
	o.str("log-format", &cfg.Log.Format)
	s.cfg = cfg
	s.logger = app.RunLogger(app.NewLogger(s.stderr, cfg.Log))
	return nil
}

func newVersionCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(s.stdout, "%s %s\n", appName, version.Current)
			return err
		},
	}
}

// overlay copies flags the user set onto config fields.
type overlay struct {
	fs *pflag.FlagSet
}

func (o overlay) str(name string, dst *string) {
	if o.fs.Changed(name) {
		*dst, _ = o.fs.GetString(name)
	}
}

func (o overlay) num(name string, dst *int) {
	if o.fs.Changed(name) {
		*dst, _ = o.fs.GetInt(name)
	}
}

func (o overlay) flag(name string, dst *bool) {
	if o.fs.Changed(name) {
		*dst, _ = o.fs.GetBool(name)
	}
}

func (o overlay) float(name string, dst *float64) {
	if o.fs.Changed(name) {
		*dst, _ = o.fs.GetFloat64(name)
	}
}

func (o overlay) duration(name string, dst *time.Duration) {
	if o.fs.Changed(name) {
		*dst, _ = o.fs.GetDuration(name)
	}
}

func (o overlay) list(name string, dst *[]string) {
	if o.fs.Changed(name) {
		*dst, _ = o.fs.GetStringSlice(name)
	}
}
