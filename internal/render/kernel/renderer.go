// Package kernel runs renders inside sandboxed children and stores their
// output.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"workbench/internal/common/storage"
	"workbench/internal/render/dispatcher"
	"workbench/internal/sandbox/child"
	"workbench/internal/sandbox/protocol"
	"workbench/internal/sandbox/supervisor"
	appErr "workbench/pkg/errors"
	"workbench/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	defaultProcessName = "wb-render"
	defaultTimeout     = 5 * time.Minute
	stderrTail         = 512
)

// ChildRunner runs one child to completion.
type ChildRunner interface {
	Run(ctx context.Context, req supervisor.RunRequest) (*supervisor.RunResult, error)
}

// SpawnerRunner runs children through a Supervisor Client.
func SpawnerRunner(s supervisor.Spawner) ChildRunner {
	return spawnerRunner{s}
}

type spawnerRunner struct {
	spawner supervisor.Spawner
}

func (r spawnerRunner) Run(ctx context.Context, req supervisor.RunRequest) (*supervisor.RunResult, error) {
	return supervisor.Run(ctx, r.spawner, req)
}

// Config holds renderer dependencies and settings.
type Config struct {
	Runner         ChildRunner
	Storage        storage.ObjectStorage
	Bucket         string
	ProcessName    string
	Sandbox        protocol.SandboxConfig
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Renderer renders workflows in sandboxed children.
type Renderer struct {
	runner      ChildRunner
	storage     storage.ObjectStorage
	bucket      string
	processName string
	sandbox     protocol.SandboxConfig
	timeout     time.Duration
	maxOutput   int64
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

// NewRenderer creates a renderer.
func NewRenderer(cfg Config) (*Renderer, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("child runner is required")
	}
	if cfg.Storage == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("render storage bucket is required")
	}
	if err := cfg.Sandbox.Validate(); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "render sandbox: %v", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	r := &Renderer{
		runner:      cfg.Runner,
		storage:     cfg.Storage,
		bucket:      cfg.Bucket,
		processName: cfg.ProcessName,
		sandbox:     cfg.Sandbox,
		timeout:     cfg.Timeout,
		maxOutput:   cfg.MaxOutputBytes,
		encoder:     encoder,
		decoder:     decoder,
	}
	if r.processName == "" {
		r.processName = defaultProcessName
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	return r, nil
}

// ObjectKey is where the render of a workflow delta is stored.
func ObjectKey(workflowID, deltaID int64) string {
	return fmt.Sprintf("renders/%d/%d.json.zst", workflowID, deltaID)
}

// Render runs the render entry for req and stores its result.
func (r *Renderer) Render(ctx context.Context, req dispatcher.Request) error {
	input, err := json.Marshal(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidFormat, "encode render input failed")
	}
	start := time.Now()
	res, err := r.runner.Run(ctx, supervisor.RunRequest{
		ProcessName:    r.processName,
		Args:           []any{req.WorkflowID, req.DeltaID},
		Sandbox:        r.sandbox,
		Stdin:          input,
		MaxOutputBytes: r.maxOutput,
		Timeout:        r.timeout,
	})
	if err != nil {
		return err
	}

	switch res.ExitCode {
	case child.ExitOK:
	case child.ExitSandboxSetup:
		return appErr.Newf(appErr.SandboxSetupFailed, "render sandbox setup failed: %s", tail(res.Stderr))
	default:
		return appErr.Newf(appErr.ChildFailed, "render exited with %d: %s", res.ExitCode, tail(res.Stderr)).
			WithDetail("exit_code", res.ExitCode)
	}

	var out renderOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return appErr.Wrapf(err, appErr.RenderFailed, "decode render output: %v", err)
	}
	if out.Unneeded {
		return appErr.New(appErr.UnneededExecution)
	}
	if len(out.Result) == 0 {
		return appErr.Newf(appErr.RenderFailed, "render produced no result")
	}

	compressed := r.encoder.EncodeAll(out.Result, nil)
	key := ObjectKey(req.WorkflowID, req.DeltaID)
	err = r.storage.PutObject(ctx, r.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), storage.PutOptions{
		ContentType:     "application/json",
		ContentEncoding: "zstd",
		Metadata: map[string]string{
			"workflow-id": strconv.FormatInt(req.WorkflowID, 10),
			"delta-id":    strconv.FormatInt(req.DeltaID, 10),
			"raw-size":    strconv.Itoa(len(out.Result)),
		},
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "store render %s: %v", key, err)
	}
	logger.Info(ctx, "render stored",
		zap.Int64("delta_id", req.DeltaID),
		zap.String("object", key),
		zap.Int("raw_bytes", len(out.Result)),
		zap.Int("stored_bytes", len(compressed)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Fetch reads a stored render back.
func (r *Renderer) Fetch(ctx context.Context, workflowID, deltaID int64) ([]byte, error) {
	key := ObjectKey(workflowID, deltaID)
	rc, err := r.storage.GetObject(ctx, r.bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "open render %s: %v", key, err)
	}
	defer rc.Close()
	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "read render %s: %v", key, err)
	}
	data, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "decompress render %s: %v", key, err)
	}
	return data, nil
}

// Stat returns the stored render's metadata.
func (r *Renderer) Stat(ctx context.Context, workflowID, deltaID int64) (storage.ObjectStat, error) {
	key := ObjectKey(workflowID, deltaID)
	stat, err := r.storage.StatObject(ctx, r.bucket, key)
	if err != nil {
		return storage.ObjectStat{}, appErr.Wrapf(err, appErr.StorageError, "stat render %s: %v", key, err)
	}
	return stat, nil
}

func tail(stderr []byte) string {
	if len(stderr) > stderrTail {
		stderr = stderr[len(stderr)-stderrTail:]
	}
	return string(bytes.TrimSpace(stderr))
}
