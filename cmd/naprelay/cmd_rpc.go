package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"naprelay/pkg/config"
	"naprelay/pkg/logger"
	"naprelay/pkg/rpc"
)

func rpcCmd(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoC("rpc", "JSON-RPC server listening on stdin")

	server := rpc.NewServer(cfg, os.Stdin, os.Stdout)
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "RPC server failed: %v\n", err)
		return 1
	}
	return 0
}
