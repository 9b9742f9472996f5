package main

import (
	"context"
	"fmt"

	"workbench/internal/render/kernel"
	"workbench/internal/sandbox/entrypoint"
	"workbench/internal/sandbox/forkserver"
)

func main() {
	entrypoint.Register("hello", hello)
	kernel.Register()
	forkserver.Main()
}

func hello(ctx context.Context, call *entrypoint.Call) error {
	_, err := fmt.Fprint(call.Stdout, "hello")
	return err
}
