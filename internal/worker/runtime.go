package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bifrost/backend/internal/execctx"
)

// compiledModule is the subprocess runtime's compile token: the source
// is validated once and carried by hash.
type compiledModule struct {
	Path   string
	Source string
	Hash   string
}

// invocation is what the interpreter receives on stdin.
type invocation struct {
	Path        string                 `json:"path"`
	Source      string                 `json:"source"`
	Symbol      string                 `json:"symbol"`
	ExecutionID string                 `json:"execution_id"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// invocationReply is the interpreter's stdout contract.
type invocationReply struct {
	OK           bool        `json:"ok"`
	Value        interface{} `json:"value,omitempty"`
	Error        string      `json:"error,omitempty"`
	InputTokens  int         `json:"input_tokens,omitempty"`
	OutputTokens int         `json:"output_tokens,omitempty"`
}

// SubprocessRuntime runs user code by handing one invocation to an
// interpreter command per call. The command and its arguments come from
// worker configuration.
type SubprocessRuntime struct {
	command []string
}

func NewSubprocessRuntime(command []string) (*SubprocessRuntime, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("runtime command is empty")
	}
	return &SubprocessRuntime{command: command}, nil
}

func (r *SubprocessRuntime) Compile(_ context.Context, path, source, hash string) (Compiled, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("module %s is empty", path)
	}
	return &compiledModule{Path: path, Source: source, Hash: hash}, nil
}

func (r *SubprocessRuntime) Invoke(ctx context.Context, c Compiled, symbol string, ec *execctx.ExecutionContext) (interface{}, error) {
	module, ok := c.(*compiledModule)
	if !ok {
		return nil, fmt.Errorf("unexpected compiled unit type %T", c)
	}

	payload, err := json.Marshal(invocation{
		Path:        module.Path,
		Source:      module.Source,
		Symbol:      symbol,
		ExecutionID: ec.ExecutionID,
		Parameters:  ec.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("interpreter exited: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	var reply invocationReply
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &reply); err != nil {
		return nil, fmt.Errorf("decode interpreter reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("%s", reply.Error)
	}
	return reply.Value, nil
}

var _ Runtime = (*SubprocessRuntime)(nil)
