package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mpcrelay/internal/fault"
)

// DefaultTimeout bounds an invocation when neither the config nor the caller set one
const DefaultTimeout = 5 * time.Minute

// OutputsParam is the reserved params key that overrides the expected outputs.
// It is consumed by the caller and never forwarded to the engine.
const OutputsParam = "outputs"

// maxStderr caps how much child stderr is carried in a ComputeError
const maxStderr = 4096

var paramName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Config holds the invoker settings
type Config struct {
	Executables map[Operation]string
	Timeout     time.Duration
	// WorkDir is the parent of per-invocation work dirs; empty uses os.TempDir
	WorkDir string
}

// Input is one staged input
type Input struct {
	Name    string
	Content []byte
}

// Invocation is a single engine run
type Invocation struct {
	Operation Operation
	User      string
	Inputs    []Input
	Params    map[string]any
	// Timeout overrides Config.Timeout when positive
	Timeout time.Duration
}

// Result carries what the engine produced
type Result struct {
	Outputs map[string][]byte
}

// Recorder receives per-invocation observations
type Recorder interface {
	RecordCompute(operation, outcome string, seconds float64)
}

// Invoker runs the engine executable that backs an operation
type Invoker struct {
	cfg    Config
	runner Runner
	rec    Recorder
	logger *logrus.Logger
}

// NewInvoker creates an invoker. rec may be nil.
func NewInvoker(cfg Config, runner Runner, rec Recorder, logger *logrus.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Invoker{
		cfg:    cfg,
		runner: runner,
		rec:    rec,
		logger: logger,
	}
}

// Supports reports whether name is a known operation
func (i *Invoker) Supports(name string) bool {
	_, ok := operations[Operation(name)]
	return ok
}

// ExpectedOutputs returns the default output keys of an operation
func (i *Invoker) ExpectedOutputs(op Operation) []string {
	spec, _ := Spec(op)
	return spec.Outputs
}

// Invoke runs the operation's engine and collects its outputs
func (i *Invoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := Spec(inv.Operation)
	if !ok {
		return nil, fmt.Errorf("%w: %q", fault.ErrUnknownOperation, inv.Operation)
	}

	flags, err := ParamFlags(inv.Params)
	if err != nil {
		return nil, err
	}

	path := i.cfg.Executables[inv.Operation]
	if err := checkExecutable(path); err != nil {
		i.record(inv.Operation, "invocation_error", 0)
		return nil, err
	}

	dir := filepath.Join(i.cfg.WorkDir, "relay-"+uuid.NewString())
	inDir := filepath.Join(dir, "in")
	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(inDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create work dir: %v", fault.ErrInvocation, err)
	}
	defer os.RemoveAll(dir)
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create work dir: %v", fault.ErrInvocation, err)
	}

	cmd := Command{
		Path: path,
		Args: flags,
		Dir:  dir,
		Env: []string{
			"PATH=" + os.Getenv("PATH"),
			"RELAY_INPUT_DIR=" + inDir,
			"RELAY_OUTPUT_DIR=" + outDir,
			"RELAY_USER=" + inv.User,
			"RELAY_OPERATION=" + string(inv.Operation),
		},
	}

	switch spec.Mode {
	case InputFiles:
		for _, in := range inv.Inputs {
			p := filepath.Join(inDir, in.Name)
			if err := os.WriteFile(p, in.Content, 0o600); err != nil {
				return nil, fmt.Errorf("%w: stage input %s: %v", fault.ErrInvocation, in.Name, err)
			}
			cmd.Args = append(cmd.Args, p)
		}
	case InputArgs:
		for _, in := range inv.Inputs {
			cmd.Args = append(cmd.Args, "--"+in.Name+"="+string(in.Content))
		}
	case InputStdin:
		payload, err := stdinEnvelope(inv)
		if err != nil {
			return nil, err
		}
		cmd.Stdin = payload
	}

	timeout := i.cfg.Timeout
	if inv.Timeout > 0 {
		timeout = inv.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := i.logger.WithFields(logrus.Fields{
		"operation": inv.Operation,
		"user":      inv.User,
		"mode":      spec.Mode.String(),
		"inputs":    len(inv.Inputs),
	})
	log.Debug("Starting engine")

	start := time.Now()
	out, err := i.runner.Run(runCtx, cmd)
	elapsed := time.Since(start)

	if err != nil {
		outcome := "invocation_error"
		if errors.Is(err, fault.ErrTimeout) {
			outcome = "timeout"
		}
		i.record(inv.Operation, outcome, elapsed.Seconds())
		log.WithError(err).WithField("duration", elapsed.String()).Error("Engine did not complete")
		return nil, err
	}

	if out.ExitCode != 0 {
		i.record(inv.Operation, "failure", elapsed.Seconds())
		cerr := &fault.ComputeError{
			Operation: string(inv.Operation),
			ExitCode:  out.ExitCode,
			Stderr:    truncate(string(out.Stderr), maxStderr),
		}
		log.WithFields(logrus.Fields{
			"exit_code": out.ExitCode,
			"duration":  elapsed.String(),
		}).Warn("Engine exited with failure")
		return nil, cerr
	}

	outputs, err := collectOutputs(outDir)
	if err != nil {
		i.record(inv.Operation, "invocation_error", elapsed.Seconds())
		return nil, err
	}

	expected := expectedOutputs(spec, inv.Params)
	if spec.StdoutOutput && len(expected) == 1 && len(out.Stdout) > 0 {
		if _, ok := outputs[expected[0]]; !ok {
			outputs[expected[0]] = out.Stdout
		}
	}

	i.record(inv.Operation, "success", elapsed.Seconds())
	log.WithFields(logrus.Fields{
		"outputs":  len(outputs),
		"duration": elapsed.String(),
	}).Info("Engine completed")

	return &Result{Outputs: outputs}, nil
}

func (i *Invoker) record(op Operation, outcome string, seconds float64) {
	if i.rec != nil {
		i.rec.RecordCompute(string(op), outcome, seconds)
	}
}

// ParamFlags renders params as sorted --key=value flags. The reserved
// outputs key is skipped. Scalars are formatted as-is, anything else as JSON.
func ParamFlags(params map[string]any) ([]string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == OutputsParam {
			continue
		}
		if !paramName.MatchString(k) {
			return nil, fmt.Errorf("%w: invalid param name %q", fault.ErrBadRequest, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flags := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := formatParam(params[k])
		if err != nil {
			return nil, fmt.Errorf("%w: param %q: %v", fault.ErrBadRequest, k, err)
		}
		flags = append(flags, "--"+k+"="+v)
	}
	return flags, nil
}

func formatParam(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case json.Number:
		return t.String(), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// OutputsOverride extracts the reserved outputs param, if present
func OutputsOverride(params map[string]any) ([]string, bool, error) {
	raw, ok := params[OutputsParam]
	if !ok {
		return nil, false, nil
	}
	switch t := raw.(type) {
	case []string:
		return t, true, nil
	case []any:
		keys := make([]string, 0, len(t))
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, false, fmt.Errorf("%w: %s must be a list of strings", fault.ErrBadRequest, OutputsParam)
			}
			keys = append(keys, s)
		}
		return keys, true, nil
	default:
		return nil, false, fmt.Errorf("%w: %s must be a list of strings", fault.ErrBadRequest, OutputsParam)
	}
}

func expectedOutputs(spec OperationSpec, params map[string]any) []string {
	if keys, ok, err := OutputsOverride(params); ok && err == nil {
		return keys
	}
	return spec.Outputs
}

// stdinEnvelope encodes the stdin payload. Input content is carried as
// base64 so binary artifacts survive the JSON encoding.
func stdinEnvelope(inv Invocation) ([]byte, error) {
	inputs := make(map[string][]byte, len(inv.Inputs))
	for _, in := range inv.Inputs {
		inputs[in.Name] = in.Content
	}
	params := make(map[string]any, len(inv.Params))
	for k, v := range inv.Params {
		if k != OutputsParam {
			params[k] = v
		}
	}
	payload, err := json.Marshal(struct {
		User      string            `json:"user"`
		Operation string            `json:"operation"`
		Params    map[string]any    `json:"params"`
		Inputs    map[string][]byte `json:"inputs"`
	}{
		User:      inv.User,
		Operation: string(inv.Operation),
		Params:    params,
		Inputs:    inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode stdin: %v", fault.ErrBadRequest, err)
	}
	return payload, nil
}

func checkExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no executable configured", fault.ErrInvocation)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvocation, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", fault.ErrInvocation, path)
	}
	return nil
}

// collectOutputs reads the regular files the engine left in dir
func collectOutputs(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read outputs: %v", fault.ErrInvocation, err)
	}

	outputs := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: read output %s: %v", fault.ErrInvocation, entry.Name(), err)
		}
		outputs[entry.Name()] = content
	}
	return outputs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
