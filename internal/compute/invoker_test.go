package compute

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpcrelay/internal/fault"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// writeEngine writes an executable shell script standing in for an engine
func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type outcome struct {
	operation, outcome string
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []outcome
}

func (r *fakeRecorder) RecordCompute(operation, result string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, outcome{operation, result})
}

func newTestInvoker(t *testing.T, op Operation, script string) (*Invoker, string, *fakeRecorder) {
	t.Helper()
	workDir := t.TempDir()
	rec := &fakeRecorder{}
	inv := NewInvoker(Config{
		Executables: map[Operation]string{op: writeEngine(t, script)},
		Timeout:     10 * time.Second,
		WorkDir:     workDir,
	}, ExecRunner{}, rec, testLogger())
	return inv, workDir, rec
}

func assertWorkDirClean(t *testing.T, workDir string) {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "per-invocation work dirs must be removed")
}

func TestParseOperation(t *testing.T) {
	for _, op := range Operations() {
		got, err := ParseOperation(string(op))
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}

	_, err := ParseOperation("rsa_decrypt")
	assert.ErrorIs(t, err, fault.ErrUnknownOperation)

	assert.Len(t, Operations(), 5)
}

func TestSpec_ReturnsCopy(t *testing.T) {
	spec, ok := Spec(OpAESCtr)
	require.True(t, ok)
	spec.Outputs[0] = "mutated"

	again, _ := Spec(OpAESCtr)
	assert.Equal(t, []string{"cipher"}, again.Outputs)
}

func TestInvoke_FilesMode(t *testing.T) {
	// Concatenates every positional input file into out/cipher
	inv, workDir, rec := newTestInvoker(t, OpAESCtr, `
for a in "$@"; do
  case "$a" in --*) ;; *) cat "$a" >> "$RELAY_OUTPUT_DIR/cipher" ;; esac
done`)

	res, err := inv.Invoke(context.Background(), Invocation{
		Operation: OpAESCtr,
		User:      "alice",
		Inputs: []Input{
			{Name: "key", Content: []byte("K")},
			{Name: "plaintext", Content: []byte("P")},
		},
		Params: map[string]any{"mode": "enc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "KP", string(res.Outputs["cipher"]))
	assert.Equal(t, []outcome{{"aes_ctr", "success"}}, rec.obs)
	assertWorkDirClean(t, workDir)
}

func TestInvoke_ArgsModeAndParams(t *testing.T) {
	inv, _, _ := newTestInvoker(t, OpAuth2PC, `printf '%s\n' "$@" > "$RELAY_OUTPUT_DIR/auth_result"`)

	res, err := inv.Invoke(context.Background(), Invocation{
		Operation: OpAuth2PC,
		User:      "alice",
		Inputs:    []Input{{Name: "passcode", Content: []byte("1234")}},
		Params:    map[string]any{"zeta": 1.5, "alpha": true, "outputs": []any{"auth_result"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "--alpha=true\n--zeta=1.5\n--passcode=1234\n", string(res.Outputs["auth_result"]),
		"params are sorted flags, the reserved outputs key is not forwarded")
}

func TestInvoke_StdinEnvelope(t *testing.T) {
	inv, _, _ := newTestInvoker(t, OpSigning, `cat`)

	res, err := inv.Invoke(context.Background(), Invocation{
		Operation: OpSigning,
		User:      "bob",
		Inputs:    []Input{{Name: "message", Content: []byte("hello")}},
		Params:    map[string]any{"curve": "secp256k1"},
	})
	require.NoError(t, err)

	// A single expected output falls back to stdout
	raw, ok := res.Outputs["signature"]
	require.True(t, ok)

	var envelope struct {
		User      string            `json:"user"`
		Operation string            `json:"operation"`
		Params    map[string]any    `json:"params"`
		Inputs    map[string][]byte `json:"inputs"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, "bob", envelope.User)
	assert.Equal(t, "signing", envelope.Operation)
	assert.Equal(t, "secp256k1", envelope.Params["curve"])
	assert.Equal(t, map[string][]byte{"message": []byte("hello")}, envelope.Inputs)
}

func TestStdinEnvelope_BinaryInputs(t *testing.T) {
	content := []byte{0xff, 0xfe, 0x00, 0x80, 0x61}

	payload, err := stdinEnvelope(Invocation{
		Operation: OpPIR,
		User:      "alice",
		Inputs:    []Input{{Name: "query", Content: content}},
	})
	require.NoError(t, err)

	var envelope struct {
		Inputs map[string][]byte `json:"inputs"`
	}
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Equal(t, content, envelope.Inputs["query"])
	assert.Contains(t, string(payload), `"query":"//4AgGE="`)
}

func TestInvoke_StdoutIgnoredForFileEngines(t *testing.T) {
	inv, _, _ := newTestInvoker(t, OpAESCtr, `echo "using key slot 0"`)

	res, err := inv.Invoke(context.Background(), Invocation{Operation: OpAESCtr, User: "alice"})
	require.NoError(t, err)
	assert.NotContains(t, res.Outputs, "cipher")
}

func TestInvoke_FileOutputWinsOverStdout(t *testing.T) {
	inv, _, _ := newTestInvoker(t, OpPIR, `echo noise; printf resp > "$RELAY_OUTPUT_DIR/pir_response"`)

	res, err := inv.Invoke(context.Background(), Invocation{Operation: OpPIR, User: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "resp", string(res.Outputs["pir_response"]))
}

func TestInvoke_MinimalEnvironment(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "leak")
	inv, _, _ := newTestInvoker(t, OpPIR, `env > "$RELAY_OUTPUT_DIR/pir_response"`)

	res, err := inv.Invoke(context.Background(), Invocation{Operation: OpPIR, User: "alice"})
	require.NoError(t, err)

	env := string(res.Outputs["pir_response"])
	assert.Contains(t, env, "RELAY_USER=alice")
	assert.Contains(t, env, "RELAY_OPERATION=pir")
	assert.NotContains(t, env, "AWS_SECRET_ACCESS_KEY")
}

func TestInvoke_NonZeroExit(t *testing.T) {
	inv, workDir, rec := newTestInvoker(t, OpAESCtr, `echo "bad key length" >&2; exit 3`)

	_, err := inv.Invoke(context.Background(), Invocation{Operation: OpAESCtr, User: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrComputeFailure)

	var cerr *fault.ComputeError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.ExitCode)
	assert.Contains(t, cerr.Stderr, "bad key length")
	assert.Equal(t, []outcome{{"aes_ctr", "failure"}}, rec.obs)
	assertWorkDirClean(t, workDir)
}

func TestInvoke_Timeout(t *testing.T) {
	inv, workDir, rec := newTestInvoker(t, OpAESCtr, `exec sleep 30`)

	start := time.Now()
	_, err := inv.Invoke(context.Background(), Invocation{
		Operation: OpAESCtr,
		User:      "alice",
		Timeout:   200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, fault.ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, []outcome{{"aes_ctr", "timeout"}}, rec.obs)
	assertWorkDirClean(t, workDir)
}

func TestInvoke_UnknownOperation(t *testing.T) {
	inv, _, rec := newTestInvoker(t, OpAESCtr, `exit 0`)

	_, err := inv.Invoke(context.Background(), Invocation{Operation: "rsa", User: "alice"})
	assert.ErrorIs(t, err, fault.ErrUnknownOperation)
	assert.Empty(t, rec.obs)
	assert.False(t, inv.Supports("rsa"))
	assert.True(t, inv.Supports("aes_ctr"))
}

func TestInvoke_MissingExecutable(t *testing.T) {
	inv := NewInvoker(Config{
		Executables: map[Operation]string{OpAESCtr: filepath.Join(t.TempDir(), "absent")},
	}, nil, nil, testLogger())

	_, err := inv.Invoke(context.Background(), Invocation{Operation: OpAESCtr, User: "alice"})
	assert.ErrorIs(t, err, fault.ErrInvocation)

	_, err = inv.Invoke(context.Background(), Invocation{Operation: OpPIR, User: "alice"})
	assert.ErrorIs(t, err, fault.ErrInvocation, "unconfigured executable")
}

func TestInvoke_NotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	inv := NewInvoker(Config{Executables: map[Operation]string{OpAESCtr: path}}, nil, nil, testLogger())
	_, err := inv.Invoke(context.Background(), Invocation{Operation: OpAESCtr, User: "alice"})
	assert.ErrorIs(t, err, fault.ErrInvocation)
}

func TestParamFlags(t *testing.T) {
	flags, err := ParamFlags(map[string]any{
		"b":       "x",
		"a":       float64(3),
		"nested":  map[string]any{"k": "v"},
		"outputs": []any{"y"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"--a=3", "--b=x", `--nested={"k":"v"}`}, flags)

	_, err = ParamFlags(map[string]any{"-rf": "x"})
	assert.ErrorIs(t, err, fault.ErrBadRequest)

	flags, err = ParamFlags(nil)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestOutputsOverride(t *testing.T) {
	keys, ok, err := OutputsOverride(map[string]any{"outputs": []any{"a", "b"}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, keys)

	_, ok, err = OutputsOverride(map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = OutputsOverride(map[string]any{"outputs": "a"})
	assert.ErrorIs(t, err, fault.ErrBadRequest)

	_, _, err = OutputsOverride(map[string]any{"outputs": []any{"a", 1}})
	assert.ErrorIs(t, err, fault.ErrBadRequest)
}
