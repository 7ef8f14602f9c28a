package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/dan-strohschein/recordkit/batch"
	"github.com/dan-strohschein/recordkit/client"
	"github.com/dan-strohschein/recordkit/config"
	"github.com/dan-strohschein/recordkit/metrics"
	"github.com/dan-strohschein/recordkit/transport"
)

// cliLogLevel is used unless a flag, the config file or the environment
// picks another level.
const cliLogLevel = "WARN"

// app holds the state shared by every command.
type app struct {
	version   string
	lookupEnv func(string) (string, bool)
	transport transport.Factory

	configPath      string
	connStr         string
	logLevel        string
	batchSize       int
	concurrency     int
	continueOnError bool
	progress        bool
	debug           bool
	output          string

	cfg      *config.Config
	out      *printer
	registry *prometheus.Registry
}

func newApp(version string, lookupEnv func(string) (string, bool)) *app {
	return &app{version: version, lookupEnv: lookupEnv}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "recordkit",
		Short:         "Batch record operations against a recordkit service",
		Long:          "recordkit runs chunked create, update, delete and retrieve batches with retries, and inspects tables.",
		Version:       a.version,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.dumpMetrics(cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file (env: RECORDKIT_CONFIG)")
	flags.StringVarP(&a.connStr, "address", "a", "", "connection string, recordkit://host:port/tenant (env: RECORDKIT_CONNECTION)")
	flags.StringVar(&a.logLevel, "log-level", cliLogLevel, "log level: DEBUG, INFO, WARN, ERROR")
	flags.IntVar(&a.batchSize, "batch-size", 0, "records per compound request (0 = config default)")
	flags.IntVar(&a.concurrency, "concurrency", 0, "chunks in flight (0 = config default)")
	flags.BoolVar(&a.continueOnError, "continue-on-error", true, "keep dispatching after a chunk fails as a whole")
	flags.BoolVar(&a.progress, "progress", false, "print progress while a batch runs")
	flags.BoolVar(&a.debug, "debug", false, "verbose errors with cause chains")
	flags.StringVarP(&a.output, "output", "o", "text", "output format: text or json")

	cmd.AddCommand(
		newPingCmd(a),
		newBatchCmd(a, batch.KindCreate),
		newBatchCmd(a, batch.KindUpdate),
		newBatchCmd(a, batch.KindDelete),
		newRetrieveCmd(a),
		newQueryCmd(a),
		newTablesCmd(a),
		newDescribeCmd(a),
		newCreateTableCmd(a),
		newDropTableCmd(a),
		newSchemaDiffCmd(a),
		newVersionCmd(a),
	)

	return cmd
}

const rootCmdExample = `  # Check connectivity
  recordkit ping -a recordkit://records.internal:7632/acme

  # Create records from a JSON or YAML list, 200 per request, 4 requests in flight
  recordkit create --table accounts --file accounts.yaml --batch-size 200 --concurrency 4

  # Delete records listed by id, stop at the first failed chunk
  recordkit delete --table accounts --file stale.json --continue-on-error=false

  # Retrieve two columns of a few records
  recordkit retrieve --table accounts --id a1 --id a2 --columns email,balance

  # Run a templated query
  recordkit query "balance > {{min}}" --param min=100`

// setup loads the configuration and applies explicitly set flags on top.
func (a *app) setup(cmd *cobra.Command) error {
	a.out = newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), a.lookupEnv)

	path := a.configPath
	if path == "" {
		path, _ = a.lookupEnv("RECORDKIT_CONFIG")
	}

	cfg, err := config.NewLoader().WithConfigPath(path).WithEnvLookup(a.lookupEnv).Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Connection = a.connStr
	}
	if flags.Changed("log-level") || cfg.Log.Level == config.DefaultConfig().Log.Level {
		cfg.Log.Level = strings.ToUpper(a.logLevel)
	}
	if flags.Changed("batch-size") {
		cfg.Batch.Size = a.batchSize
	}
	if flags.Changed("concurrency") {
		cfg.Batch.Concurrency = a.concurrency
	}
	if flags.Changed("continue-on-error") {
		cfg.Batch.ContinueOnError = a.continueOnError
	}
	if flags.Changed("debug") {
		cfg.Client.Debug = a.debug
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if a.output != "text" && a.output != "json" {
		return fmt.Errorf("unknown output format %q", a.output)
	}

	a.cfg = cfg
	return nil
}

// connect opens a client using the loaded configuration.
func (a *app) connect(ctx context.Context) (*client.Client, error) {
	if a.cfg.Connection == "" {
		return nil, fmt.Errorf("no connection string: pass --address or set RECORDKIT_CONNECTION")
	}

	opts := a.cfg.ClientOptions()
	if a.cfg.Log.File == "" {
		opts.Logger = client.NewLogger(a.cfg.Log.Level, a.out.err)
	}
	if a.transport != nil {
		opts.TransportFactory = a.transport
	}

	var collector *metrics.Collector
	if a.cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		collector = metrics.NewCollector(a.registry, a.cfg.Metrics.Namespace, opts.Logger.Zap())
		opts.Metrics = collector
	}

	c := client.New(&opts)
	if collector != nil {
		c.RegisterHook(collector.Hook())
	}
	if err := c.Connect(ctx, a.cfg.Connection); err != nil {
		return nil, fmt.Errorf("connect: %s", client.FormatError(err, a.cfg.Client.Debug))
	}
	return c, nil
}

// runConfig builds the per-run batch settings.
func (a *app) runConfig() *batch.Config {
	cfg := a.cfg.RunConfig()
	if a.progress {
		cfg.ReportProgress = true
		cfg.OnProgress = func(p batch.Progress) {
			fmt.Fprintf(a.out.err, "%s %d/%d records, chunk %d/%d, %.0f rec/s\n",
				a.out.cyan(fmt.Sprintf("[%5.1f%%]", p.Percent())),
				p.Processed, p.Total, p.CurrentBatch, p.TotalBatches, p.Rate)
		}
	}
	return cfg
}

// dumpMetrics writes the collected metrics in the Prometheus text format.
func (a *app) dumpMetrics(w io.Writer) error {
	if a.registry == nil {
		return nil
	}
	families, err := a.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "recordkit v%s\n", a.version)
			return nil
		},
	}
}
