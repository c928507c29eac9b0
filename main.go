package main

import (
	"context"
	"os/signal"
	"syscall"

	converse "github.com/kartikbhuyar/converse/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer cancel()

	app := converse.New(ctx, nil)
	app.Start()
}
