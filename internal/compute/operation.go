package compute

import (
	"fmt"
	"sort"

	"mpcrelay/internal/fault"
)

// Operation names a logical computation backed by an external engine
type Operation string

const (
	OpSigning Operation = "signing"
	OpAuth2PC Operation = "auth_passcode_2PC"
	OpAuth3PC Operation = "auth_passcode_3PC"
	OpAESCtr  Operation = "aes_ctr"
	OpPIR     Operation = "pir"
)

// InputMode is how staged inputs reach the child process
type InputMode int

const (
	// InputFiles stages each input as a file and passes its path as a positional argument
	InputFiles InputMode = iota
	// InputArgs passes each input as a --name=content argument
	InputArgs
	// InputStdin pipes a JSON envelope with user, params and base64 inputs
	InputStdin
)

func (m InputMode) String() string {
	switch m {
	case InputFiles:
		return "files"
	case InputArgs:
		return "args"
	case InputStdin:
		return "stdin"
	default:
		return fmt.Sprintf("InputMode(%d)", int(m))
	}
}

// OperationSpec describes how an operation is invoked
type OperationSpec struct {
	Mode    InputMode
	Outputs []string
	// StdoutOutput makes non-empty stdout the single expected output when
	// the engine did not write it as a file
	StdoutOutput bool
	// EnvKey is the environment variable holding the executable path
	EnvKey string
	// DefaultPath is the executable path used when EnvKey is unset
	DefaultPath string
}

var operations = map[Operation]OperationSpec{
	OpSigning: {
		Mode:         InputStdin,
		Outputs:      []string{"signature"},
		StdoutOutput: true,
		EnvKey:       "EXEC_SIGNING",
		DefaultPath:  "/usr/local/bin/signing",
	},
	OpAuth2PC: {
		Mode:        InputArgs,
		Outputs:     []string{"auth_result"},
		EnvKey:      "EXEC_AUTH_PASSCODE_2PC",
		DefaultPath: "/app/mpcauth/build/bin/auth_passcode_2PC",
	},
	OpAuth3PC: {
		Mode:        InputArgs,
		Outputs:     []string{"auth_result"},
		EnvKey:      "EXEC_AUTH_PASSCODE_3PC",
		DefaultPath: "/app/mpcauth/build/bin/auth_passcode_3PC",
	},
	OpAESCtr: {
		Mode:        InputFiles,
		Outputs:     []string{"cipher"},
		EnvKey:      "EXEC_AES_CTR",
		DefaultPath: "/app/mpcauth/build/bin/aes_ctr",
	},
	OpPIR: {
		Mode:         InputStdin,
		Outputs:      []string{"pir_response"},
		StdoutOutput: true,
		EnvKey:       "EXEC_PIR",
		DefaultPath:  "/app/pir/bazel-bin/server_handle_pir_requests_bin",
	},
}

// Operations returns every known operation in a stable order
func Operations() []Operation {
	ops := make([]Operation, 0, len(operations))
	for op := range operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// ParseOperation resolves an operation name from a request
func ParseOperation(name string) (Operation, error) {
	op := Operation(name)
	if _, ok := operations[op]; !ok {
		return "", fmt.Errorf("%w: %q", fault.ErrUnknownOperation, name)
	}
	return op, nil
}

// Spec returns the invocation spec of op
func Spec(op Operation) (OperationSpec, bool) {
	spec, ok := operations[op]
	if !ok {
		return OperationSpec{}, false
	}
	spec.Outputs = append([]string(nil), spec.Outputs...)
	return spec, true
}
