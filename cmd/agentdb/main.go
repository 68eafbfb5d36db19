// Package main is the agentdb CLI entry point.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/cli"
	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/learning"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/search"
	"github.com/hyperjump/agentdb/internal/server"
	"github.com/hyperjump/agentdb/internal/snapshot"
	"github.com/hyperjump/agentdb/internal/watcher"
	"github.com/hyperjump/agentdb/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/agentdb/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory wins if it exists, so commands run from a project dir use the project's config.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				cfg, err := config.Load(fallback)
				if err != nil {
					return nil, "", err
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "init":
		runInit()
	case "server":
		runServer()
	case "insert":
		runInsert()
	case "search":
		runSearch()
	case "delete":
		runDelete()
	case "clear":
		runClear()
	case "status":
		runStatus()
	case "rebuild":
		runRebuild()
	case "export":
		runExport()
	case "import":
		runImport()
	case "version", "--version", "-v":
		fmt.Printf("agentdb version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// open loads the config and opens the components a command needs. The returned cleanup
// closes them and flushes the logger.
func open(configPath string, debug, withLearning bool) (*config.Config, *Components, *zap.Logger, func()) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	components, err := initializeComponents(context.Background(), cfg, logger, withLearning)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, components, logger, func() {
		components.Close()
		_ = logger.Sync()
	}
}

func runInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file to create")
	dimensions := fs.Int("dimensions", 384, "vector dimension (fixed for the life of the store)")
	metric := fs.String("metric", "cosine", "distance metric: cosine, euclidean or dot")
	indexType := fs.String("index-type", "hnsw", "index type: hnsw or flat")
	quantization := fs.String("quantization", "binary", "quantization: none, binary, scalar or product")
	dataDir := fs.String("data-dir", "", "directory for the database and indices (default: next to the config)")
	force := fs.Bool("force", false, "overwrite an existing config file")
	_ = fs.Parse(os.Args[2:])

	cfg, err := initConfig(*configPath, *dataDir, *dimensions, *metric, *indexType, *quantization, *force)
	if err != nil {
		fatalf("Init failed: %v", err)
	}
	logger := zap.NewNop()
	components, err := initializeComponents(context.Background(), cfg, logger, false)
	if err != nil {
		fatalf("Init failed: %v", err)
	}
	components.Close()
	fmt.Printf("Initialized %d-dimensional %s store at %s\nConfig written to %s\n",
		cfg.Vector.Dimensions, cfg.Vector.Metric, cfg.Storage.DatabasePath, *configPath)
}

// initConfig writes a fresh config file and creates the data directories it names.
func initConfig(path, dataDir string, dim int, metric, indexType, quantization string, force bool) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if dataDir == "" {
		dataDir = filepath.Dir(path)
	}
	dataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}
	cfg := &config.Config{}
	cfg.Vector.Dimensions = dim
	cfg.Vector.Metric = metric
	cfg.Vector.IndexType = indexType
	cfg.Quantization.Method = quantization
	cfg.Storage.DatabasePath = filepath.Join(dataDir, "agentdb.sqlite")
	cfg.Storage.IndexPath = filepath.Join(dataDir, "indices", "hnsw.bin")
	cfg.Storage.KeywordIndexPath = filepath.Join(dataDir, "indices", "experiences.bleve")
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(cfg.Storage.IndexPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	if err := config.Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	_, resolved, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	cfg, components, logger, cleanup := open(resolved, *debug, true)
	defer cleanup()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	cw := watcher.NewWatcher(resolved, watcher.ApplyTo(components.Engine), watcher.WithLogger(logger))
	if err := cw.Start(watchCtx); err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	}

	srv := server.NewServer(components.Engine, components.Learning, &cfg.Server,
		server.WithLogger(logger),
		server.WithMetrics(components.Metrics))
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	watchCancel()
	cw.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
	if err := components.Learning.Sessions().CheckpointAll(ctx); err != nil {
		logger.Warn("session checkpoint failed", zap.Error(err))
	}
}

func runInsert() {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	id := fs.String("id", "", "vector id (default: generated)")
	metadata := fs.String("metadata", "", "metadata as a JSON object")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() != 1 {
		fmt.Println("Usage: agentdb insert [flags] <vector-json | ->")
		fmt.Println("  <vector-json> is a JSON array such as [0.1,0.2,0.3].")
		fmt.Println("  - reads JSON lines of {\"id\",\"embedding\",\"metadata\"} from stdin.")
		os.Exit(1)
	}
	_, components, _, cleanup := open(*configPath, false, false)
	defer cleanup()
	ctx := context.Background()

	if fs.Arg(0) == "-" {
		n := 0
		err := readRecords(os.Stdin, func(rec *models.VectorRecord) error {
			if err := insertRecord(ctx, components.Engine, rec); err != nil {
				return err
			}
			n++
			return nil
		})
		if err != nil {
			fatalf("Insert failed after %d vectors: %v", n, err)
		}
		fmt.Printf("Inserted %d vectors\n", n)
		return
	}

	vec, err := parseVector(fs.Arg(0))
	if err != nil {
		fatalf("Invalid vector: %v", err)
	}
	md, err := parseObject(*metadata)
	if err != nil {
		fatalf("Invalid metadata: %v", err)
	}
	rec := &models.VectorRecord{ID: *id, Embedding: vec, Metadata: md}
	if err := insertRecord(ctx, components.Engine, rec); err != nil {
		fatalf("Insert failed: %v", err)
	}
	fmt.Printf("Inserted: %s\n", rec.ID)
}

func insertRecord(ctx context.Context, e *search.Engine, rec *models.VectorRecord) error {
	if rec.ID != "" {
		return e.InsertWithID(ctx, rec)
	}
	id, err := e.Insert(ctx, rec.Embedding, rec.Metadata)
	rec.ID = id
	return err
}

// readRecords decodes one JSON vector record per line. Blank lines are skipped.
func readRecords(r io.Reader, fn func(*models.VectorRecord) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec models.VectorRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(&rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

// parseVector accepts a JSON array or comma-separated numbers.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		s = "[" + s + "]"
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, errors.New("vector is empty")
	}
	return v, nil
}

func parseObject(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// argsReorder moves flags that appear after the positional arguments to the front, since
// the flag package stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 1 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: agentdb search [flags] <vector-json>\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Modes:
  exact      scan every stored vector
  ann        walk the HNSW graph (default)
  quantized  score compressed codes only
  two_stage  score compressed codes, rerank the best with exact distances

Recorded agent experiences are left out unless --include-experiences is set.

Examples:
  agentdb search "[0.1,0.2,0.3]"
  agentdb search --k 5 --mode two_stage "[0.1,0.2,0.3]"
  agentdb search --filter '{"group":"x"}' --output json 0.1,0.2,0.3
`)
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "", "server URL; empty opens the store directly")
	k := fs.Int("k", models.DefaultSearchK, "number of results")
	mode := fs.String("mode", string(models.SearchModeANN), "search mode: exact, ann, quantized or two_stage")
	filter := fs.String("filter", "", "metadata filter as a JSON object")
	includeExperiences := fs.Bool("include-experiences", false, "also return recorded agent experiences")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() != 1 {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	vec, err := parseVector(fs.Arg(0))
	if err != nil {
		fatalf("Invalid vector: %v", err)
	}
	f, err := parseObject(*filter)
	if err != nil {
		fatalf("Invalid filter: %v", err)
	}
	req := &models.SearchRequest{Vector: vec, K: *k, Mode: models.SearchMode(*mode), Filter: f}

	var resp *models.SearchResponse
	if *serverURL != "" {
		resp, err = searchViaHTTP(*serverURL, req, *includeExperiences)
	} else {
		if !*includeExperiences {
			learning.HideExperiences(req)
		}
		_, components, _, cleanup := open(*configPath, false, false)
		defer cleanup()
		resp, err = components.Engine.Search(context.Background(), req)
	}
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, resp, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func searchViaHTTP(serverURL string, req *models.SearchRequest, includeExperiences bool) (*models.SearchResponse, error) {
	body, err := json.Marshal(struct {
		*models.SearchRequest
		IncludeExperiences bool `json:"include_experiences,omitempty"`
	}{req, includeExperiences})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(strings.TrimSuffix(serverURL, "/")+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() < 1 {
		fmt.Println("Usage: agentdb delete [flags] <id>...")
		os.Exit(1)
	}
	_, components, _, cleanup := open(*configPath, false, false)
	defer cleanup()
	for _, id := range fs.Args() {
		if err := components.Engine.Delete(context.Background(), id); err != nil {
			fatalf("Deletion failed: %v", err)
		}
		fmt.Printf("Deleted: %s\n", id)
	}
}

func runClear() {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	yes := fs.Bool("yes", false, "confirm removal of every vector")
	_ = fs.Parse(os.Args[2:])
	if !*yes {
		fmt.Println("Usage: agentdb clear --yes [flags]")
		os.Exit(1)
	}
	_, components, _, cleanup := open(*configPath, false, false)
	defer cleanup()
	n, err := components.Engine.Clear(context.Background())
	if err != nil {
		fatalf("Clear failed: %v", err)
	}
	fmt.Printf("Removed %d vectors\n", n)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", "", "server URL; empty opens the store directly")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	var st *search.Stats
	if *serverURL != "" {
		st, err = statusViaHTTP(*serverURL)
	} else {
		_, components, _, cleanup := open(*configPath, false, false)
		defer cleanup()
		st, err = components.Engine.Stats(context.Background())
	}
	if err != nil {
		fatalf("Status failed: %v", err)
	}
	if err := cli.WriteStatus(os.Stdout, st, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func statusViaHTTP(serverURL string) (*search.Stats, error) {
	resp, err := http.Get(strings.TrimSuffix(serverURL, "/") + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out struct {
		Engine *search.Stats `json:"engine"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Engine == nil {
		return nil, errors.New("status response has no engine section")
	}
	return out.Engine, nil
}

func runRebuild() {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	train := fs.Bool("train-quantizer", false, "also retrain the quantizer on every stored vector")
	_ = fs.Parse(os.Args[2:])

	_, components, _, cleanup := open(*configPath, false, false)
	defer cleanup()
	ctx := context.Background()
	start := time.Now()
	if err := components.Engine.Rebuild(ctx); err != nil {
		fatalf("Rebuild failed: %v", err)
	}
	if *train {
		if err := components.Engine.TrainQuantizer(ctx); err != nil {
			fatalf("Quantizer training failed: %v", err)
		}
	}
	st, err := components.Engine.Stats(ctx)
	if err != nil {
		fatalf("Status failed: %v", err)
	}
	fmt.Printf("Rebuilt index with %d vectors in %s\n", st.Indexed, time.Since(start).Round(time.Millisecond))
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() != 1 {
		fmt.Println("Usage: agentdb export [flags] <file>")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	_, components, logger, cleanup := open(*configPath, false, false)
	defer cleanup()

	f, err := os.Create(fs.Arg(0))
	if err != nil {
		fatalf("Export failed: %v", err)
	}
	sum, err := snapshot.Export(context.Background(), components.Engine, f, snapshot.WithLogger(logger))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(fs.Arg(0))
		fatalf("Export failed: %v", err)
	}
	_ = cli.WriteSnapshotSummary(os.Stdout, "Exported", sum, format)
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() != 1 {
		fmt.Println("Usage: agentdb import [flags] <file>")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	_, components, logger, cleanup := open(*configPath, false, false)
	defer cleanup()

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fatalf("Import failed: %v", err)
	}
	defer f.Close()
	sum, err := snapshot.Import(context.Background(), components.Engine, f, snapshot.WithLogger(logger))
	if err != nil {
		fatalf("Import failed: %v", err)
	}
	_ = cli.WriteSnapshotSummary(os.Stdout, "Imported", sum, format)
}

func printUsage() {
	fmt.Println(`agentdb - embedded vector database with reinforcement learning for agents

Usage:
  agentdb init [flags]                 Create a config file and an empty store
  agentdb server [flags]               Start the HTTP server
  agentdb insert [flags] <vector|->    Insert a vector, or JSON lines from stdin
  agentdb search [flags] <vector>      Search nearest neighbours
  agentdb delete [flags] <id>...       Delete vectors
  agentdb clear --yes [flags]          Delete every vector
  agentdb status [flags]               Show store, index, quantizer and cache status
  agentdb rebuild [flags]              Rebuild the index from the store
  agentdb export [flags] <file>        Write a compressed snapshot
  agentdb import [flags] <file>        Load a snapshot into the store
  agentdb version                      Show version
  agentdb help                         Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/agentdb/config.yaml;
                     ./config.yaml is used instead when present)

Init Flags:
  --dimensions int      Vector dimension (default: 384)
  --metric string       cosine, euclidean or dot (default: cosine)
  --index-type string   hnsw or flat (default: hnsw)
  --quantization string none, binary, scalar or product (default: binary)
  --data-dir string     Directory for the database and indices
  --force               Overwrite an existing config

Search Flags:
  --k int            Number of results (default: 10)
  --mode string      exact, ann, quantized or two_stage (default: ann)
  --filter string    Metadata filter as JSON
  --server string    Query a running server instead of opening the store
  --output string    text or json
  --include-experiences
                     Also return recorded agent experiences

Examples:
  agentdb init --config ./config.yaml --dimensions 3
  agentdb insert --id a --metadata '{"group":"x"}' "[1,0,0]"
  agentdb search --k 2 "[1,0,0]"
  agentdb rebuild --train-quantizer
  agentdb export backup.agentdb.zst
  agentdb server --debug`)
}
