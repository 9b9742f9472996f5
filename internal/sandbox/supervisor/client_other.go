//go:build !linux

// Package supervisor starts a forkserver and asks it for sandboxed children.
package supervisor

import (
	"context"

	"workbench/internal/sandbox/protocol"
	appErr "workbench/pkg/errors"
)

// Client is unavailable without Linux namespaces.
type Client struct{}

func New(ctx context.Context, cfg Config) (*Client, error) {
	return nil, appErr.New(appErr.ForkserverStartFailed).WithMessage("forkserver requires linux")
}

func (c *Client) Done() <-chan struct{} { return nil }

func (c *Client) Pid() int { return 0 }

func (c *Client) Spawn(ctx context.Context, processName string, args []any, sandbox protocol.SandboxConfig) (*ChildProcess, error) {
	return nil, appErr.New(appErr.ForkserverUnavailable)
}

func (c *Client) Close() error { return nil }
