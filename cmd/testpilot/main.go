package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/testpilot/internal/logging"
	"github.com/rendis/testpilot/internal/runner"
	"github.com/rendis/testpilot/internal/store"
	"github.com/rendis/testpilot/internal/validation"
	"github.com/rendis/testpilot/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "version":
		fmt.Println("testpilot " + version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

const version = "0.1.0"

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  testpilot run -flow <file> [-env <file>] [-sub-env <name>] [-param k=v ...] [-save]
  testpilot validate -flow <file>
  testpilot version`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// paramFlags collects repeated -param k=v flags.
type paramFlags map[string]any

func (p paramFlags) String() string { return "" }

func (p paramFlags) Set(value string) error {
	key, val, found := strings.Cut(value, "=")
	if !found || key == "" {
		return fmt.Errorf("expected k=v, got %q", value)
	}
	// Try to keep JSON typing: numbers, booleans, and objects parse as JSON,
	// everything else stays a string.
	var parsed any
	if err := json.Unmarshal([]byte(val), &parsed); err == nil {
		p[key] = parsed
		return nil
	}
	p[key] = val
	return nil
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	flowPath := fs.String("flow", "", "path to the flow definition JSON")
	envPath := fs.String("env", "", "path to the environment JSON")
	subEnv := fs.String("sub-env", "", "sub-environment to run against")
	save := fs.Bool("save", false, "persist the run result to the local store")
	params := paramFlags{}
	fs.Var(params, "param", "flow parameter as k=v (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *flowPath == "" {
		return fmt.Errorf("missing -flow")
	}

	def, err := loadFlow(*flowPath)
	if err != nil {
		return err
	}

	var env *schema.Environment
	if *envPath != "" {
		env, err = loadEnvironment(*envPath)
		if err != nil {
			return err
		}
	}

	r, err := runner.NewRunner(logger, runner.ClientConfig{
		MaxResponseBody: cfg.MaxResponseBody,
		DefaultTimeout:  cfg.httpTimeout(),
		FollowRedirects: true,
		TLSSkipVerify:   cfg.TLSSkipVerify,
	})
	if err != nil {
		return err
	}

	result, runErr := r.Run(context.Background(), def, runner.RunOptions{
		Parameters:  params,
		Environment: env,
		SubEnv:      *subEnv,
	})

	printResult(result)

	if *save {
		if err := saveRun(cfg, def, result, *subEnv); err != nil {
			logger.Warn("could not persist run", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	if result.Status != schema.RunStatusPassed {
		return fmt.Errorf("flow %s %s", def.Name, result.Status)
	}
	return nil
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	flowPath := fs.String("flow", "", "path to the flow definition JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *flowPath == "" {
		return fmt.Errorf("missing -flow")
	}

	def, err := loadFlow(*flowPath)
	if err != nil {
		return err
	}

	validator, err := validation.NewFlowValidator()
	if err != nil {
		return err
	}

	result := validator.Validate(def)
	for _, issue := range result.Errors {
		fmt.Printf("  error  %s: %s\n", issue.Path, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("  warn   %s: %s\n", issue.Path, issue.Message)
	}
	if !result.Valid() {
		return fmt.Errorf("flow %s is invalid (%d error(s))", def.Name, len(result.Errors))
	}
	fmt.Printf("flow %s is valid\n", def.Name)
	return nil
}

func loadFlow(path string) (*schema.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow: %w", err)
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse flow %s: %w", path, err)
	}
	return &def, nil
}

func loadEnvironment(path string) (*schema.Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	var env schema.Environment
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse environment %s: %w", path, err)
	}
	return &env, nil
}

func printResult(result *runner.RunResult) {
	fmt.Printf("flow %s: %s (%s)\n", result.FlowName, result.Status, result.Duration.Round(time.Millisecond))
	for _, step := range result.Steps {
		line := fmt.Sprintf("  %-8s %s", step.Status, step.Alias)
		if step.StatusCode != 0 {
			line += fmt.Sprintf(" [%d, %dms]", step.StatusCode, step.DurationMs)
		}
		fmt.Println(line)
		for _, failure := range step.Failures {
			fmt.Printf("           ✗ %s\n", failure)
		}
		if step.Error != "" {
			fmt.Printf("           ! %s\n", step.Error)
		}
	}
}

// saveRun records the result in the local libSQL store, creating a default
// project and flow row on first use.
func saveRun(cfg Config, def *schema.FlowDefinition, result *runner.RunResult, subEnv string) error {
	if err := os.MkdirAll(testpilotDir(), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	flowID, err := ensureFlow(ctx, st, def)
	if err != nil {
		return err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	completed := result.StartedAt.Add(result.Duration)
	return st.CreateFlowRun(ctx, &store.FlowRun{
		ID:          result.RunID,
		FlowID:      flowID,
		SubEnv:      subEnv,
		Status:      result.Status,
		Result:      resultJSON,
		Error:       result.Error,
		StartedAt:   result.StartedAt,
		CompletedAt: &completed,
		DurationMs:  result.Duration.Milliseconds(),
	})
}

const defaultProjectName = "default"

// ensureFlow finds a stored flow by name within the default project, creating
// the project and flow rows when absent.
func ensureFlow(ctx context.Context, st *store.LibSQLStore, def *schema.FlowDefinition) (string, error) {
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	var projectID string
	for _, p := range projects {
		if p.Name == defaultProjectName {
			projectID = p.ID
			break
		}
	}
	if projectID == "" {
		projectID = uuid.NewString()
		if err := st.CreateProject(ctx, &store.Project{ID: projectID, Name: defaultProjectName}); err != nil {
			return "", err
		}
	}

	flows, err := st.ListFlows(ctx, projectID)
	if err != nil {
		return "", err
	}
	for _, f := range flows {
		if f.Name == def.Name {
			return f.ID, nil
		}
	}

	flowID := uuid.NewString()
	err = st.CreateFlow(ctx, &store.TestFlow{
		ID:         flowID,
		ProjectID:  projectID,
		Name:       def.Name,
		Definition: *def,
	})
	return flowID, err
}
