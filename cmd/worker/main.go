package main

import (
	"os"
	"os/signal"
	"syscall"

	"loadmesh/pkg/logger"
)

func main() {
	app := NewApplication()

	if err := app.Initialize(); err != nil {
		logger.FatalCtx(app.ctx, "Worker initialization failed: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.InfoCtx(app.ctx, "Received exit signal: %v", sig)
		app.cancel()
	}()

	err := app.Run()

	app.Shutdown()

	if err != nil {
		logger.ErrorCtx(app.ctx, "Worker exited with error: %v", err)
		os.Exit(1)
	}
	logger.InfoCtx(app.ctx, "Worker safely exited")
}
