package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vauntico/vaultgate/internal/audit"
	"github.com/vauntico/vaultgate/internal/config"
	"github.com/vauntico/vaultgate/internal/db"
	"github.com/vauntico/vaultgate/internal/doctor"
	"github.com/vauntico/vaultgate/internal/inbox"
	"github.com/vauntico/vaultgate/internal/log"
	"github.com/vauntico/vaultgate/internal/signature"
	"github.com/vauntico/vaultgate/internal/webhook"
)

// --- config ---

func runConfigNoun(args []string) int {
	return dispatch("config", args, map[string]func([]string) int{
		"check": withHelp(runConfigCheck, "Usage: vaultgate config check [--config PATH] [--strict] [--json]\n"+
			"Exit codes: 0 valid, 1 errors, 2 warnings with --strict."),
		"lock": withHelp(runConfigLock, "Usage: vaultgate config lock [--config PATH] [--dry-run] [-v]\n"+
			"Write .checksums next to each config file so edits are detected at load."),
	}, func(w *os.File) {
		fmt.Fprintln(w, "Usage: vaultgate config <action> [flags]")
		fmt.Fprintln(w, "Actions: check, lock")
	})
}

func withHelp(run func([]string) int, help string) func([]string) int {
	return func(args []string) int {
		if hasHelpFlag(args) {
			fmt.Println(help)
			return 0
		}
		return run(args)
	}
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	files, err := config.Files(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config files: %v\n", err)
		return 1
	}

	// Each directory gets its own manifest of the basenames it holds.
	byDir := make(map[string][]string)
	for _, f := range files {
		dir := filepath.Dir(f)
		byDir[dir] = append(byDir[dir], filepath.Base(f))
	}
	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		report, err := config.Lock(dir, byDir[dir], dryRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", dir, err)
			return 1
		}
		if !isVerbose {
			continue
		}
		fmt.Printf("Processing directory: %s\n", dir)
		for _, file := range report.Files {
			if file.Exists {
				fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
				continue
			}
			fmt.Printf("  SKIP %s: not found\n", file.Filename)
		}
		if dryRun {
			fmt.Printf("  DRY-RUN %s: %s (not written)\n", config.ChecksumFile, report.ChecksumPath)
		} else {
			fmt.Printf("  WROTE %s: %s\n", config.ChecksumFile, report.ChecksumPath)
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d directory/ies (no files written):\n", len(dirs))
	} else {
		fmt.Printf("Successfully locked configuration in %d directory/ies:\n", len(dirs))
	}
	for _, dir := range dirs {
		fmt.Printf("  - %s\n", dir)
	}
	return 0
}

// --- audit ---

func runAuditNoun(args []string) int {
	return dispatch("audit", args, map[string]func([]string) int{
		"list": withHelp(runAuditList, "Usage: vaultgate audit list [--config PATH] [--integration NAME] [--event-type T]\n"+
			"       [--result R] [--since RFC3339|DURATION] [--limit N] [--json]"),
		"verify": withHelp(runAuditVerify, "Usage: vaultgate audit verify [--config PATH] [--json]\n"+
			"Walk the sealed audit table. Exit code 1 when the chain is broken."),
	}, func(w *os.File) {
		fmt.Fprintln(w, "Usage: vaultgate audit <action> [flags]")
		fmt.Fprintln(w, "Actions: list, verify")
	})
}

// cliEnv is a loaded config plus an open database for one-shot commands.
type cliEnv struct {
	cfg   *config.Config
	close func()
	a     *app
}

func openCLIEnv(ctx context.Context, configPath string) (*cliEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stderr, "warn", "text")
	pool, exec, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool, exec: exec}
	return &cliEnv{cfg: cfg, a: a, close: func() { _ = pool.Shutdown(context.Background()) }}, nil
}

// auditReader picks the sealed table when it is written, else the file log.
func (e *cliEnv) auditReader() (audit.Reader, func(), error) {
	switch e.cfg.Audit.Sink {
	case config.AuditSinkDatabase, config.AuditSinkBoth:
		return audit.NewSQLSink(e.a.exec), func() {}, nil
	}
	fs, err := audit.NewFileSink(e.cfg.Audit.Path)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() { _ = fs.Close() }, nil
}

func runAuditList(args []string) int {
	var configPath, integration, eventType, result, since string
	var limit int
	var jsonOut bool

	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration")
	fs.StringVar(&integration, "integration", "", "Only this integration")
	fs.StringVar(&eventType, "event-type", "", "Only this event type")
	fs.StringVar(&result, "result", "", "passed, failed_missing_headers, failed_stale or failed_signature")
	fs.StringVar(&since, "since", "", "RFC3339 time or a duration such as 24h")
	fs.IntVar(&limit, "limit", audit.DefaultListLimit, "Maximum rows")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	filter := audit.Filter{
		Integration: integration,
		EventType:   eventType,
		Result:      audit.Result(result),
		Limit:       limit,
	}
	if result != "" && !filter.Result.Valid() {
		fmt.Fprintf(os.Stderr, "Invalid --result %q\n", result)
		return 1
	}
	if since != "" {
		t, err := parseSince(since, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --since: %v\n", err)
			return 1
		}
		filter.Since = t
	}

	ctx := context.Background()
	env, err := openCLIEnv(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer env.close()

	reader, closeReader, err := env.auditReader()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit log: %v\n", err)
		return 1
	}
	defer closeReader()

	outcomes, err := reader.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list outcomes: %v\n", err)
		return 1
	}

	if jsonOut {
		if outcomes == nil {
			outcomes = []audit.Outcome{}
		}
		return printJSON(outcomes)
	}
	printOutcomes(os.Stdout, outcomes)
	return 0
}

// parseSince accepts an RFC3339 time or a duration back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor a positive duration", v)
	}
	return now.Add(-d), nil
}

func printOutcomes(w io.Writer, outcomes []audit.Outcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "No outcomes.")
		return
	}
	fmt.Fprintf(w, "%-20s  %-14s  %-24s  %-22s  %s\n", "RECORDED", "INTEGRATION", "EVENT", "RESULT", "DETAIL")
	for _, o := range outcomes {
		fmt.Fprintf(w, "%-20s  %-14s  %-24s  %-22s  %s\n",
			o.RecordedAt.UTC().Format(time.RFC3339), o.Integration, o.EventType, o.Result, o.Detail)
	}
}

func runAuditVerify(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	env, err := openCLIEnv(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer env.close()

	if env.cfg.Audit.Sink == config.AuditSinkFile {
		fmt.Fprintln(os.Stderr, "audit.sink is file; only the database sink is sealed")
		return 1
	}

	report, err := audit.NewSQLSink(env.a.exec).Verify(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
		return 1
	}

	if jsonOut {
		if code := printJSON(report); code != 0 {
			return code
		}
	} else if report.Valid {
		fmt.Printf("Audit chain intact (%d row(s) checked).\n", report.Checked)
	} else {
		fmt.Printf("Audit chain BROKEN at %s after %d row(s): %s\n", report.BrokenAt, report.Checked, report.Reason)
	}
	if !report.Valid {
		return 1
	}
	return 0
}

// --- db ---

func runDBNoun(args []string) int {
	return dispatch("db", args, map[string]func([]string) int{
		"stats": withHelp(runDBStats, "Usage: vaultgate db stats [--config PATH] [--integration NAME] [--json]"),
	}, func(w *os.File) {
		fmt.Fprintln(w, "Usage: vaultgate db <action> [flags]")
		fmt.Fprintln(w, "Actions: stats")
	})
}

type dbStatsOutput struct {
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
	Pool    db.PoolStats  `json:"pool"`
	Events  []inbox.Count `json:"events"`
}

func runDBStats(args []string) int {
	var configPath, integration string
	var jsonOut bool

	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration")
	fs.StringVar(&integration, "integration", "", "Only this integration's event counts")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	env, err := openCLIEnv(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer env.close()

	health := env.a.exec.CheckHealth(ctx)
	counts, err := inbox.NewStore(env.a.exec).Counts(ctx, integration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read event counts: %v\n", err)
		return 1
	}

	if jsonOut {
		return printJSON(dbStatsOutput{Healthy: health.Healthy, Error: health.Error, Pool: health.Stats, Events: counts})
	}

	status := "healthy"
	if !health.Healthy {
		status = "unhealthy: " + health.Error
	}
	s := health.Stats
	fmt.Printf("database: %s\n", status)
	fmt.Printf("pool: total=%d idle=%d in_use=%d waiting=%d max=%d acquire_timeouts=%d\n",
		s.TotalCount, s.IdleCount, s.InUseCount, s.WaitingCount, s.MaxCount, s.AcquireTimeouts)
	if len(counts) == 0 {
		fmt.Println("events: none stored")
		return 0
	}
	fmt.Println("events:")
	for _, c := range counts {
		fmt.Printf("  %-14s  %-24s  %6d  last %s\n", c.Integration, c.EventType, c.Total, c.LastReceivedAt.Format(time.RFC3339))
	}
	return 0
}

// --- webhook ---

func runWebhookNoun(args []string) int {
	return dispatch("webhook", args, map[string]func([]string) int{
		"sign": withHelp(runWebhookSign, "Usage: vaultgate webhook sign (--config PATH --integration NAME | --preset NAME --secret S)\n"+
			"       [--body FILE|-] [--timestamp UNIX] [--id ID] [--json]\n"+
			"Print the headers a sender would attach to the body."),
	}, func(w *os.File) {
		fmt.Fprintln(w, "Usage: vaultgate webhook <action> [flags]")
		fmt.Fprintln(w, "Actions: sign")
	})
}

type signedHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func runWebhookSign(args []string) int {
	var configPath, integration, preset, secret, bodyPath, id string
	var ts int64
	var jsonOut bool

	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration (with --integration)")
	fs.StringVar(&integration, "integration", "", "Integration name from the config")
	fs.StringVar(&preset, "preset", "", "Scheme preset ("+strings.Join(signature.PresetNames(), ", ")+")")
	fs.StringVar(&secret, "secret", "", "Secret (with --preset)")
	fs.StringVar(&bodyPath, "body", "-", "Body file, - for stdin")
	fs.Int64Var(&ts, "timestamp", 0, "Unix timestamp (default now)")
	fs.StringVar(&id, "id", "", "Delivery id (default generated when the scheme uses one)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	scheme, key, err := resolveSigningScheme(configPath, integration, preset, secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	body, err := readBody(bodyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		return 1
	}

	headers, err := signHeaders(scheme, key, body, ts, id, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign: %v\n", err)
		return 1
	}

	if jsonOut {
		return printJSON(headers)
	}
	for _, h := range headers {
		fmt.Printf("%s: %s\n", h.Name, h.Value)
	}
	return 0
}

func resolveSigningScheme(configPath, integration, preset, secret string) (signature.Scheme, string, error) {
	if integration != "" {
		if configPath == "" {
			configPath = defaultConfigPath()
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return signature.Scheme{}, "", err
		}
		if cfg.Webhooks != nil {
			for _, ic := range cfg.Webhooks.Integrations {
				if ic.Name != integration {
					continue
				}
				scheme, err := webhook.BuildScheme(ic)
				if err != nil {
					return signature.Scheme{}, "", err
				}
				key, err := cfg.ResolveSecret(ic)
				if err != nil {
					return signature.Scheme{}, "", fmt.Errorf("integration %q: %w", integration, err)
				}
				return scheme, key, nil
			}
		}
		return signature.Scheme{}, "", fmt.Errorf("integration %q not found in config", integration)
	}

	if preset == "" || secret == "" {
		return signature.Scheme{}, "", fmt.Errorf("either --integration or both --preset and --secret are required")
	}
	scheme, err := signature.Preset(preset)
	if err != nil {
		return signature.Scheme{}, "", err
	}
	return scheme, secret, nil
}

func readBody(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// signHeaders returns the headers in the order a sender would set them.
func signHeaders(scheme signature.Scheme, secret string, body []byte, ts int64, id string, now time.Time) ([]signedHeader, error) {
	if ts == 0 {
		ts = now.Unix()
	}
	parts := signature.Parts{Body: body}
	var headers []signedHeader

	if scheme.IDHeader != "" {
		if id == "" {
			id = "msg_" + strconv.FormatInt(now.UnixNano(), 36)
		}
		parts.ID = id
		headers = append(headers, signedHeader{scheme.IDHeader, id})
	}
	if scheme.TimestampHeader != "" {
		parts.Timestamp = strconv.FormatInt(ts, 10)
		headers = append(headers, signedHeader{scheme.TimestampHeader, parts.Timestamp})
	}

	sig, err := scheme.Sign(secret, parts)
	if err != nil {
		return nil, err
	}
	headers = append(headers, signedHeader{scheme.SignatureHeader, sig})
	return headers, nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
