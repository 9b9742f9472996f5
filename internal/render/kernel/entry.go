package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"workbench/internal/sandbox/entrypoint"
)

const (
	// EntryName is the child entry that performs renders.
	EntryName = "render"
	// EnginePreload loads the render engine descriptor in the forkserver.
	EnginePreload = "render-engine"
)

// renderOutput is what the render entry writes to stdout.
type renderOutput struct {
	Unneeded bool            `json:"unneeded,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type renderResult struct {
	WorkflowID int64  `json:"workflow_id"`
	DeltaID    int64  `json:"delta_id"`
	Engine     string `json:"engine"`
	InputBytes int    `json:"input_bytes"`
}

// Register installs the render entry and its preload. The kernel binary
// calls it before dispatching.
func Register() {
	entrypoint.RegisterPreload(EnginePreload, LoadEngine)
	entrypoint.Register(EntryName, RenderEntry)
}

// LoadEngine describes the engine every render child runs with.
func LoadEngine(ctx context.Context) ([]byte, error) {
	return []byte("workbench-render/1 " + runtime.Version()), nil
}

// RenderEntry is the child side of a render. Args are the workflow and
// delta ids; stdin carries the render input.
func RenderEntry(ctx context.Context, call *entrypoint.Call) error {
	var res renderResult
	if err := call.Decode(0, &res.WorkflowID); err != nil {
		return err
	}
	if err := call.Decode(1, &res.DeltaID); err != nil {
		return err
	}
	engine, ok := call.Preloaded[EnginePreload]
	if !ok {
		return fmt.Errorf("%s was not preloaded", EnginePreload)
	}
	res.Engine = string(engine)

	input, err := io.ReadAll(call.Stdin)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	res.InputBytes = len(input)

	result, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.NewEncoder(call.Stdout).Encode(renderOutput{Result: result})
}
