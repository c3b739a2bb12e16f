// Command histdata is the thin driver around the ingestion pipeline and the
// query builder: ingest, query, list-jobs, status, init-db.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"histdata/internal/canon"
	"histdata/internal/config"
	"histdata/internal/data"
	"histdata/internal/databento"
	"histdata/internal/logging"
	"histdata/internal/mapping"
	"histdata/internal/pipeline"
	"histdata/internal/progress"
	"histdata/internal/query"
	"histdata/internal/store"
)

// Exit codes per command contract.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
	exitEnv    = 3
)

type command struct {
	usage       string
	description string
	run         func(args []string) int
}

func main() {
	commands := map[string]command{
		"ingest": {
			usage:       "ingest --api <name> (--job <name> | --dataset ... --schema ... --symbols ... --start-date ... --end-date ...)",
			description: "Run one ingestion job",
			run:         runIngest,
		},
		"query": {
			usage:       "query --symbols <syms> --start-date <d> --end-date <d> [--schema ohlcv-1d]",
			description: "Query stored data by symbol and date range",
			run:         runQuery,
		},
		"list-jobs": {
			usage:       "list-jobs [--api <name>]",
			description: "List configured ingestion jobs",
			run:         runListJobs,
		},
		"status": {
			usage:       "status",
			description: "Probe database, credentials and directories",
			run:         runStatus,
		},
		"init-db": {
			usage:       "init-db",
			description: "Create hypertables and supporting tables",
			run:         runInitDB,
		},
	}

	if len(os.Args) < 2 {
		printUsage(commands)
		os.Exit(exitUsage)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage(commands)
		os.Exit(exitUsage)
	}
	os.Exit(cmd.run(os.Args[2:]))
}

func printUsage(commands map[string]command) {
	fmt.Fprintln(os.Stderr, "usage: histdata <command> [flags]")
	fmt.Fprintln(os.Stderr)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, commands[name].description)
		fmt.Fprintf(os.Stderr, "             %s\n", commands[name].usage)
	}
}

// symbolsFlag accepts both comma-separated and repeated-flag forms.
type symbolsFlag []string

func (s *symbolsFlag) String() string { return strings.Join(*s, ",") }

func (s *symbolsFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

// env bundles everything a command needs after startup.
type env struct {
	sys     *config.System
	log     *zap.Logger
	conn    *data.Conn
	cleanup func()
}

func setup(configPath string, verbose bool) (*env, error) {
	sys, err := config.LoadSystem(configPath)
	if err != nil {
		return nil, err
	}
	lcfg := sys.Logging
	if verbose {
		lcfg.Level = "debug"
	}
	log, err := logging.New(lcfg)
	if err != nil {
		return nil, err
	}
	conn, cleanup, err := data.Connect(context.Background(), sys.Database, sys.Redis, log)
	if err != nil {
		return nil, err
	}
	return &env{sys: sys, log: log, conn: conn, cleanup: cleanup}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	configPath := fs.String("config", "configs/histdata.yaml", "system config file")
	apiName := fs.String("api", "databento", "API to ingest from")
	jobName := fs.String("job", "", "declared job name")
	dataset := fs.String("dataset", "", "vendor dataset")
	schema := fs.String("schema", "", "schema to ingest")
	var symbols symbolsFlag
	fs.Var(&symbols, "symbols", "symbols (comma-separated or repeated)")
	startDate := fs.String("start-date", "", "start date YYYY-MM-DD")
	endDate := fs.String("end-date", "", "end date YYYY-MM-DD")
	stypeIn := fs.String("stype-in", "", "symbol type: continuous|parent|native")
	chunkDays := fs.Int("chunk-days", 0, "days per chunk (0 = one chunk)")
	batchSize := fs.Int("batch-size", 0, "records per batch")
	verbose := fs.Bool("verbose", false, "debug logging")
	dryRun := fs.Bool("dry-run", false, "fetch, transform and validate without storing")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	e, err := setup(*configPath, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return exitEnv
	}
	defer e.cleanup()

	api, err := config.LoadAPI(filepath.Join(e.sys.Paths.APIDir, *apiName+".yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "api config: %v\n", err)
		return exitEnv
	}

	var job config.Job
	if *jobName != "" {
		job, err = api.JobByName(*jobName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitUsage
		}
	} else {
		if *dataset == "" || *schema == "" || len(symbols) == 0 || *startDate == "" || *endDate == "" {
			fmt.Fprintln(os.Stderr, "either --job or all of --dataset --schema --symbols --start-date --end-date are required")
			return exitUsage
		}
		job = config.Job{
			Name:      "adhoc",
			Dataset:   *dataset,
			Schema:    *schema,
			Symbols:   symbols,
			STypeIn:   *stypeIn,
			StartDate: *startDate,
			EndDate:   *endDate,
		}
	}
	if *stypeIn != "" {
		job.STypeIn = *stypeIn
	}
	if *chunkDays > 0 {
		job.ChunkDays = *chunkDays
	}
	if *batchSize > 0 {
		job.BatchSize = *batchSize
	}

	keyEnv := api.KeyEnv
	if keyEnv == "" {
		keyEnv = strings.ToUpper(api.Name) + "_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "missing credentials: %s is not set\n", keyEnv)
		return exitEnv
	}

	doc, err := mapping.Load(filepath.Join(e.sys.Paths.MappingDir, api.Name+".yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mapping config: %v\n", err)
		return exitEnv
	}
	engine := mapping.NewEngine(doc, e.log)

	ctx, cancel := signalContext()
	defer cancel()

	loader, err := store.Open(ctx, e.conn.DB, api.Retry, e.log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		return exitEnv
	}
	defer loader.Close()

	client := databento.NewHistClient(apiKey, 0)
	adapter := databento.NewAdapter(client, api.Retry, e.log)
	tracker := progress.NewTracker(e.conn.DB, e.log)

	orch := pipeline.NewOrchestrator(e.sys, api, engine, adapter, loader, tracker, e.log)
	orch.DryRun = *dryRun

	stats, err := orch.ExecuteIngestion(ctx, job)
	printStats(stats)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestion failed: %v\n", err)
		return exitFailed
	}
	if stats.ChunksFailed > 0 {
		return exitFailed
	}
	return exitOK
}

func printStats(stats *pipeline.Stats) {
	fmt.Printf("fetched=%d transformed=%d validated=%d stored=%d skipped_as_duplicate=%d quarantined=%d\n",
		stats.Fetched, stats.Transformed, stats.Validated, stats.Stored, stats.Skipped, stats.Quarantined)
	fmt.Printf("chunks: done=%d failed=%d skipped=%d | stages: fetch=%v transform=%v validate=%v store=%v\n",
		stats.ChunksDone, stats.ChunksFailed, stats.ChunksSkipped,
		stats.FetchTime().Truncate(time.Millisecond),
		stats.TransformTime().Truncate(time.Millisecond),
		stats.ValidateTime().Truncate(time.Millisecond),
		stats.StoreTime().Truncate(time.Millisecond))
	if reasons := stats.TopReasons(5); len(reasons) > 0 {
		fmt.Println("top failure reasons:")
		for _, r := range reasons {
			fmt.Printf("  %6d  %s\n", r.Count, r.Reason)
		}
	}
}

// highVolumeSchemas prompt for confirmation over wide ranges.
var highVolumeSchemas = map[canon.Schema]bool{
	canon.SchemaTrades: true,
	canon.SchemaTbbo:   true,
}

func runQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	configPath := fs.String("config", "configs/histdata.yaml", "system config file")
	var symbols symbolsFlag
	fs.Var(&symbols, "symbols", "symbols (comma-separated or repeated)")
	startDate := fs.String("start-date", "", "start date YYYY-MM-DD")
	endDate := fs.String("end-date", "", "end date YYYY-MM-DD")
	schemaName := fs.String("schema", "ohlcv-1d", "schema to query")
	format := fs.String("output-format", "table", "table|csv|json")
	outFile := fs.String("output-file", "", "write output to file")
	limit := fs.Int("limit", 0, "maximum rows")
	force := fs.Bool("force", false, "skip large-query confirmation")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if len(symbols) == 0 || *startDate == "" || *endDate == "" {
		fmt.Fprintln(os.Stderr, "--symbols, --start-date and --end-date are required")
		return exitUsage
	}

	schema, err := canon.ParseSchema(*schemaName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}
	start, err := time.Parse("2006-01-02", *startDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --start-date: %v\n", err)
		return exitUsage
	}
	end, err := time.Parse("2006-01-02", *endDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --end-date: %v\n", err)
		return exitUsage
	}

	if highVolumeSchemas[schema] && end.Sub(start) > 24*time.Hour && *limit == 0 && !*force {
		fmt.Fprintf(os.Stderr, "querying %s over %d days may return a very large result. Continue? [y/N] ",
			schema, int(end.Sub(start).Hours()/24)+1)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Fprintln(os.Stderr, "aborted")
			return exitOK
		}
	}

	e, err := setup(*configPath, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return exitFailed
	}
	defer e.cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	builder := query.NewBuilder(e.conn, e.log)
	records, err := builder.Collect(ctx, schema, query.Params{
		Symbols:   symbols,
		Start:     start,
		End:       end,
		Limit:     *limit,
		Ascending: true,
	})
	if err != nil {
		var unresolved *query.SymbolResolutionError
		if errors.As(err, &unresolved) {
			fmt.Fprintf(os.Stderr, "symbol resolution failed: %v\n", unresolved)
			return exitFailed
		}
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		return exitFailed
	}

	if len(records) == 0 {
		fmt.Printf("No %s data found for %s between %s and %s.\n",
			schema, strings.Join(symbols, ", "), *startDate, *endDate)
		return exitOK
	}

	table, err := query.ToTabular(schema, records)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shape results: %v\n", err)
		return exitFailed
	}
	if err := table.Write(*format, *outFile); err != nil {
		fmt.Fprintf(os.Stderr, "write results: %v\n", err)
		return exitFailed
	}
	return exitOK
}

func runListJobs(args []string) int {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	configPath := fs.String("config", "configs/histdata.yaml", "system config file")
	apiName := fs.String("api", "databento", "API whose jobs to list")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	sys, err := config.LoadSystem(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return exitEnv
	}
	api, err := config.LoadAPI(filepath.Join(sys.Paths.APIDir, *apiName+".yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "api config: %v\n", err)
		return exitEnv
	}

	table := &query.Table{Header: []string{"Name", "Dataset", "Schema", "Symbols", "Start", "End"}}
	jobs := append([]config.Job(nil), api.Jobs...)
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	for _, j := range jobs {
		table.Rows = append(table.Rows, []string{
			j.Name, j.Dataset, j.Schema, strings.Join(j.Symbols, ","), j.StartDate, j.EndDate,
		})
	}
	if err := table.WriteTable(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailed
	}
	return exitOK
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "configs/histdata.yaml", "system config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	e, err := setup(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return exitFailed
	}
	defer e.cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	report := pipeline.ProbeStatus(ctx, e.conn, e.sys, "")
	for _, c := range report.Checks {
		mark := "ok"
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Printf("%-16s %-4s %s\n", c.Name, mark, c.Detail)
	}
	if !report.Healthy() {
		return exitFailed
	}
	return exitOK
}

func runInitDB(args []string) int {
	fs := flag.NewFlagSet("init-db", flag.ContinueOnError)
	configPath := fs.String("config", "configs/histdata.yaml", "system config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	e, err := setup(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return exitEnv
	}
	defer e.cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := store.InitSchema(ctx, e.conn.DB, e.log); err != nil {
		fmt.Fprintf(os.Stderr, "init-db: %v\n", err)
		return exitFailed
	}
	fmt.Println("database schema ready")
	return exitOK
}
