package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	harvesterrors "github.com/PentesterFlow/ParamHarvest/internal/errors"
	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/output"
	"github.com/PentesterFlow/ParamHarvest/internal/server"
	"github.com/PentesterFlow/ParamHarvest/internal/shutdown"
	"github.com/PentesterFlow/ParamHarvest/pkg/harvester"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	stateDir   string
	backend    string
	verbose    bool
	debug      bool

	// Engine flags
	workers     int
	targetHosts []string
	enableAST   bool

	// Output flags
	outputFile    string
	outputFormat  string
	pretty        bool
	includeFP     bool
	collection    string
	noProgress    bool
	scanExtension []string

	// Serve flags
	listenAddr string
	ingestRPS  float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "paramharvest",
		Short: "ParamHarvest - endpoint and parameter harvester",
		Long: `ParamHarvest - harvests endpoint strings and parameter names from JavaScript
and HTTP traffic for security testing.

Bodies are fingerprinted once, scanned with a layered pattern set and folded into
a deduplicated store that survives restarts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	scanCmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Harvest from files on disk",
		Long:  "Walk files and directories, extract endpoints and parameters from every script and page found, and save the results.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runScan,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest and query API",
		Long:  "Serve the HTTP API: submit bodies and traffic, query records and follow new endpoints over a websocket.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	mergeCmd := &cobra.Command{
		Use:   "merge [files...]",
		Short: "Merge snapshots or jsluice output",
		Long:  "Merge snapshot files from another run, or jsluice NDJSON output (.ndjson, .jsonl), into the saved state.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMerge,
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the saved records",
		Long:  "Write the saved records as a report (json, ndjson, text) or as one raw snapshot collection.",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show saved state",
		Long:  "Show record counts and log sizes for a state directory.",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	configCmd := &cobra.Command{
		Use:   "config [path]",
		Short: "Write the default configuration",
		Long:  "Write the effective configuration (defaults, file and environment) to path, or to stdout as YAML.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (yaml or json)")
	rootCmd.PersistentFlags().StringVarP(&stateDir, "state-dir", "s", "", "State directory (empty keeps everything in memory)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Snapshot backend (file, bolt, memory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")

	// Engine flags
	for _, cmd := range []*cobra.Command{scanCmd, serveCmd} {
		cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of extraction workers")
		cmd.Flags().StringArrayVar(&targetHosts, "target", nil, "Target host for scope (repeatable)")
		cmd.Flags().BoolVar(&enableAST, "ast", false, "Enable the jsluice AST producer")
	}

	// Output flags
	for _, cmd := range []*cobra.Command{scanCmd, exportCmd} {
		cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
		cmd.Flags().StringVarP(&outputFormat, "format", "f", "", "Report format (json, ndjson, text)")
		cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent JSON output")
		cmd.Flags().BoolVar(&includeFP, "include-false-positives", false, "Include records flagged as false positives")
	}
	exportCmd.Flags().StringVar(&collection, "collection", "", "Write one raw snapshot collection (endpoints, parameters, code_urls, ignored_values)")

	// Scan flags
	scanCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	scanCmd.Flags().StringSliceVar(&scanExtension, "ext", defaultExtensions, "File extensions to scan")

	// Serve flags
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address")
	serveCmd.Flags().Float64Var(&ingestRPS, "ingest-rps", 0, "Ingest requests per second per client")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if harvesterrors.IsPersist(err) {
			fmt.Fprintln(os.Stderr, "State was not fully saved; records since the last save may be lost.")
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status. Only failures the
// engine reports as persistence errors get the state exit code; a missing
// input file is a plain failure.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if harvesterrors.IsPersist(err) {
		return 3
	}
	switch harvesterrors.Categorize(err, "paramharvest").Type {
	case harvesterrors.Config:
		return 2
	case harvesterrors.Cancelled:
		return 130
	default:
		return 1
	}
}

// loadConfig layers the config file, environment and command-line flags.
func loadConfig(cmd *cobra.Command) (*harvester.Config, error) {
	config, err := harvester.Load(configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("state-dir") {
		config.State.Dir = stateDir
	}
	if flags.Changed("backend") {
		config.State.Backend = backend
	}
	if flags.Changed("workers") {
		config.Workers = workers
	}
	if flags.Changed("ast") {
		config.AST.Enabled = enableAST
	}
	if flags.Changed("listen") {
		config.Server.ListenAddr = listenAddr
	}
	if flags.Changed("ingest-rps") {
		config.Server.IngestRPS = ingestRPS
	}

	switch {
	case debug:
		config.Log.Level = "debug"
	case verbose:
		config.Log.Level = "info"
	case cmd.Name() != "serve" && configFile == "" && os.Getenv(harvester.EnvPrefix+"LOG_LEVEL") == "":
		// One-shot commands stay quiet unless asked.
		config.Log.Level = "warn"
	}
	return config, nil
}

func openEngine(cmd *cobra.Command) (*harvester.Engine, error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	engine, err := harvester.New(config, harvester.WithTargetHosts(targetHosts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	logger.SetGlobal(engine.Logger())
	return engine, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	engine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	log := engine.Logger()

	h := shutdown.New(shutdown.Config{
		OnShutdownStart: func() { log.Info("Shutting down") },
	})
	// Callbacks run in reverse: the listener stops before the engine saves.
	h.RegisterServer("engine", engine)

	if err := engine.Start(context.Background()); err != nil {
		engine.Close()
		return err
	}

	srv := server.New(engine)
	h.RegisterServer("http", srv)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.WithError(err).Error("HTTP server failed")
			h.Trigger()
		}
	}()

	result := h.Wait(context.Background())
	for _, err := range result.Errors {
		log.WithError(err).Error("Shutdown step failed")
	}
	log.Infof("Stopped after %v", result.Elapsed.Round(time.Millisecond))
	if result.HasErrors() {
		return fmt.Errorf("shutdown finished with %d errors", len(result.Errors))
	}
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	engine, err := openEngine(cmd)
	if err != nil {
		return err
	}

	var failed int
	for _, path := range args {
		res, err := engine.MergeFile(path)
		if err != nil {
			logger.Global().WithOrigin(path).WithError(err).Warn("Merge failed")
			failed++
			continue
		}
		fmt.Printf("%s: %d endpoints, %d parameters, %d code URLs merged\n",
			path, res.Endpoints, res.Parameters, res.CodeURLs)
	}

	if err := engine.Close(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	engine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()

	w, err := openOutput()
	if err != nil {
		return err
	}
	defer w.Close()

	if collection != "" {
		data, err := engine.Encode(collection)
		if err != nil {
			return err
		}
		_, err = w.Write(append(data, '\n'))
		return err
	}
	return writeReport(w, engine)
}

func runStatus(cmd *cobra.Command, args []string) error {
	engine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()

	config := engine.Config()
	stats := engine.Stats()

	dir := config.State.Dir
	if dir == "" {
		dir = "(memory)"
	}
	fmt.Println()
	fmt.Printf("State:          %s (%s)\n", dir, config.State.Backend)
	fmt.Printf("Endpoints:      %d\n", stats.Counts.Endpoints)
	fmt.Printf("Uncertain:      %d\n", stats.Counts.Uncertain)
	fmt.Printf("False pos.:     %d\n", stats.Counts.FalsePositives)
	fmt.Printf("Parameters:     %d\n", stats.Counts.Parameters)
	fmt.Printf("Code URLs:      %d\n", stats.Counts.CodeURLs)
	fmt.Printf("Ignored values: %d\n", stats.Counts.Ignored)
	fmt.Printf("Fingerprints:   %d\n", stats.Fingerprints)
	fmt.Printf("Referers:       %d\n", stats.Referers)
	if stats.AST != nil {
		fmt.Printf("AST scanned:    %d\n", stats.AST.Scanned)
	}
	fmt.Println()

	if verbose {
		summary := stats.Metrics.Summary()
		keys := make([]string, 0, len(summary))
		for k := range summary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-22s %v\n", k, summary[k])
		}
		fmt.Println()
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if err := config.SaveToFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Configuration written to %s\n", args[0])
		return nil
	}
	return config.Write(os.Stdout)
}

// openOutput returns the --output file or stdout.
func openOutput() (io.WriteCloser, error) {
	if outputFile == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(outputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

func writeReport(w io.Writer, engine *harvester.Engine) error {
	format := outputFormat
	if format == "" && outputFile == "" {
		format = output.FormatText
	}
	ow, err := output.NewWriter(w, output.Config{Format: format, Pretty: pretty})
	if err != nil {
		return err
	}
	report := output.NewReport(engine.Store(), includeFP)
	report.Summary = engine.Metrics().Snapshot().Summary()
	if err := ow.WriteReport(report); err != nil {
		return err
	}
	return ow.Flush()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
