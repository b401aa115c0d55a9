package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"slices"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/csvw/internal/config"
	"github.com/JonMunkholm/csvw/internal/core"
	"github.com/JonMunkholm/csvw/internal/datapackage"
	"github.com/JonMunkholm/csvw/internal/dbexport"
	"github.com/JonMunkholm/csvw/internal/dialect"
	"github.com/JonMunkholm/csvw/internal/fetch"
	"github.com/JonMunkholm/csvw/internal/jsonout"
	"github.com/JonMunkholm/csvw/internal/logging"
	"github.com/JonMunkholm/csvw/internal/metadata"
	"github.com/JonMunkholm/csvw/internal/web"
)

func addCommands(root *cobra.Command) {
	// Tables
	cmd := &cobra.Command{
		Use:   "json metadata",
		Short: "Convert the tables described by metadata to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  toJSON}
	cmd.Flags().Bool("minimal", false, "emit minimal mode (rows only)")
	cmd.Flags().String("indent", "  ", "indentation, empty for compact output")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "validate metadata",
		Short: "Validate the tables described by metadata",
		Long: "Validate the tables described by metadata.\n\n" +
			"Exit status is 0 when valid, 1 when violations were found and 2 when\n" +
			"the metadata, dialect or data could not be read.",
		Args: cobra.ExactArgs(1),
		RunE: validate}
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "describe file",
		Short: "Infer minimal metadata for a delimited file",
		Args:  cobra.ExactArgs(1),
		RunE:  describe}
	cmd.Flags().StringP("delimiter", "d", ",", "cell delimiter")
	cmd.Flags().String("quote-char", `"`, "quote character, empty for none")
	cmd.Flags().String("encoding", core.DefaultEncoding, "file encoding")
	cmd.Flags().Int("skip-rows", 0, "rows to skip before the header")
	cmd.Flags().Bool("no-header", false, "the file has no header row")
	cmd.Flags().String("url", "", "table url in the metadata (default: file name)")
	cmd.Flags().StringP("output", "o", "", "write the metadata to this location instead of stdout")
	root.AddCommand(cmd)

	// Metadata
	cmd = &cobra.Command{
		Use:   "datapackage descriptor",
		Short: "Convert a data package descriptor to metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  convertDataPackage}
	cmd.Flags().StringP("output", "o", "", "output location, - for stdout (default: "+datapackage.MetadataName+" next to the descriptor)")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "jsonschema",
		Short: "Print a JSON Schema of the metadata document format",
		Args:  cobra.NoArgs,
		RunE:  printJSONSchema}
	root.AddCommand(cmd)

	// Database
	cmd = &cobra.Command{
		Use:   "load-db metadata",
		Short: "Create PostgreSQL tables for metadata and load their rows",
		Args:  cobra.ExactArgs(1),
		RunE:  loadDB}
	cmd.Flags().String("database-url", "", "PostgreSQL connection url (default: DATABASE_URL)")
	cmd.Flags().Bool("ddl-only", false, "print the CREATE TABLE statements and exit")
	root.AddCommand(cmd)

	// Server
	cmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  serve}
	cmd.Flags().String("host", "", "interface to bind (default: SERVER_HOST)")
	cmd.Flags().Int("port", 0, "port to listen on (default: SERVER_PORT)")
	root.AddCommand(cmd)
}

// Action holds what every command needs: configuration with flag overrides
// applied, a logger writing to stderr and a fetcher for locations.
type Action struct {
	cmd     *cobra.Command
	cfg     *config.Config
	logger  *slog.Logger
	fetcher *fetch.Fetcher
}

func newAction(cmd *cobra.Command) (*Action, error) {
	a := &Action{cmd: cmd}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	a.override("log-level", &cfg.Logging.Level)
	a.override("log-format", &cfg.Logging.Format)
	a.override("mode", &cfg.Validation.Mode)
	a.override("database-url", &cfg.Database.URL)
	a.override("host", &cfg.Server.Host)
	if a.changed("port") {
		cfg.Server.Port = a.getInt("port")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a.logger = logging.Setup(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	a.fetcher = fetch.New(cfg.Fetch.FetchConfig(), "", fetch.WithLogger(a.logger))
	return a, nil
}

func (a *Action) Context() context.Context {
	return a.cmd.Context()
}

func (a *Action) Close() {
	if err := a.fetcher.Close(); err != nil {
		a.logger.Warn("closing fetcher", "error", err)
	}
}

func (a *Action) changed(name string) bool {
	f := a.cmd.Flags().Lookup(name)
	return f != nil && f.Changed
}

// override replaces *dst with the named flag when it was given.
func (a *Action) override(name string, dst *string) {
	if a.changed(name) {
		*dst = a.getString(name)
	}
}

func (a *Action) getBool(name string) bool {
	result, _ := a.cmd.Flags().GetBool(name)
	return result
}

func (a *Action) getInt(name string) int {
	result, _ := a.cmd.Flags().GetInt(name)
	return result
}

func (a *Action) getString(name string) string {
	result, _ := a.cmd.Flags().GetString(name)
	return result
}

func (a *Action) out() io.Writer {
	return a.cmd.OutOrStdout()
}

func (a *Action) mode() (core.Mode, error) {
	return core.ParseMode(a.cfg.Validation.Mode)
}

// loadGroup reads a metadata document, or converts a data package
// descriptor when the name says it is one.
func (a *Action) loadGroup(name string) (*metadata.TableGroup, error) {
	if strings.HasSuffix(path.Base(name), "datapackage.json") {
		return datapackage.Load(a.Context(), a.fetcher, name)
	}
	return metadata.Load(a.Context(), a.fetcher, name)
}

func toJSON(cmd *cobra.Command, args []string) error {
	a, err := newAction(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	mode, err := a.mode()
	if err != nil {
		return err
	}
	g, err := a.loadGroup(args[0])
	if err != nil {
		return err
	}
	opts := jsonout.Options{Mode: jsonout.Standard, Collector: core.NewCollector(mode), Logger: a.logger}
	if a.getBool("minimal") {
		opts.Mode = jsonout.Minimal
	}
	if err := jsonout.Write(a.Context(), a.out(), g, opts, a.getString("indent")); err != nil {
		return err
	}

	if n := opts.Collector.Len(); n > 0 {
		for _, v := range opts.Collector.Violations() {
			a.logger.Warn("row dropped", "violation", v.Error())
		}
		return &exitError{exitViolations, errors.Newf("%d rows dropped", n)}
	}
	return nil
}

func validate(cmd *cobra.Command, args []string) error {
	a, err := newAction(cmd)
	if err != nil {
		return &exitError{exitFatal, err}
	}
	defer a.Close()

	mode, err := a.mode()
	if err != nil {
		return &exitError{exitFatal, err}
	}
	g, err := a.loadGroup(args[0])
	if err != nil {
		return &exitError{exitFatal, err}
	}
	vs, err := g.Validate(a.Context(), mode, a.logger)
	if err != nil {
		return &exitError{exitFatal, err}
	}
	if len(vs) == 0 {
		fmt.Fprintln(a.out(), "OK")
		return nil
	}
	for _, v := range vs {
		fmt.Fprintln(a.out(), v.Error())
	}
	return &exitError{exitViolations, errors.Newf("%d violations found", len(vs))}
}

func describe(cmd *cobra.Command, args []string) error {
	a, err := newAction(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	d := dialect.Default()
	d.Delimiter = a.getString("delimiter")
	d.Encoding = a.getString("encoding")
	d.SkipRows = a.getInt("skip-rows")
	if q := a.getString("quote-char"); q != "" {
		d.QuoteChar = null.StringFrom(q)
	} else {
		d.QuoteChar = null.String{}
	}
	if a.getBool("no-header") {
		d.Header = false
	}
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}

	name := args[0]
	url := a.getString("url")
	if url == "" {
		url = path.Base(name)
	}
	rc, err := a.fetcher.Open(a.Context(), name)
	if err != nil {
		return err
	}
	defer rc.Close()
	g, err := metadata.Describe(a.Context(), rc, url, d)
	if err != nil {
		return err
	}

	if out := a.getString("output"); out != "" {
		return g.Save(a.Context(), a.fetcher, out)
	}
	return writeIndented(a.out(), g)
}

func convertDataPackage(cmd *cobra.Command, args []string) error {
	a, err := newAction(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := datapackage.Load(a.Context(), a.fetcher, args[0])
	if err != nil {
		return err
	}
	out := a.getString("output")
	switch out {
	case "-":
		return writeIndented(a.out(), g)
	case "":
		out = datapackage.ResolveMetadataName(args[0])
	}
	if err := g.Save(a.Context(), a.fetcher, out); err != nil {
		return err
	}
	a.logger.Info("metadata written", "location", out, "tables", len(g.Tables))
	return nil
}

func printJSONSchema(cmd *cobra.Command, _ []string) error {
	return writeIndented(cmd.OutOrStdout(), metadataSchema())
}

func loadDB(cmd *cobra.Command, args []string) error {
	a, err := newAction(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := a.loadGroup(args[0])
	if err != nil {
		return err
	}
	if a.getBool("ddl-only") {
		specs, err := dbexport.Plan(g)
		if err != nil {
			return err
		}
		_, err = io.WriteString(a.out(), dbexport.DDL(specs))
		return err
	}

	if a.cfg.Database.URL == "" {
		return errors.New("database url is not set (use --database-url or DATABASE_URL)")
	}
	pool, err := dbexport.Connect(a.Context(), a.cfg.Database.PoolConfig())
	if err != nil {
		return err
	}
	defer pool.Close()

	stats, err := dbexport.New(pool, a.logger).Export(a.Context(), g)
	if err != nil {
		return err
	}
	names := lo.Keys(stats.Rows)
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(a.out(), "%s\t%d\n", name, stats.Rows[name])
	}
	return nil
}

func serve(cmd *cobra.Command, _ []string) error {
	a, err := newAction(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("configuration loaded",
		"addr", a.cfg.Server.Addr(),
		"max_concurrent", a.cfg.Server.MaxConcurrent,
		"validation_mode", a.cfg.Validation.Mode,
		"require_api_key", a.cfg.Security.RequireAPIKey,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	server := web.NewServer(a.cfg, a.fetcher, registry)

	ctx, stop := signal.NotifyContext(a.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func writeIndented(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encoding json")
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
