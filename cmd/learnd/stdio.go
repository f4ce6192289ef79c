package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/app"
	"github.com/fyrsmithlabs/learnd/internal/mcp"
)

// runMCP serves the MCP tools on stdio. Logs go to stderr because stdout
// carries the protocol.
func runMCP(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	a, err := app.New(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			rt.logger.Warn("closing services", zap.Error(err))
		}
	}()

	srv, err := mcp.NewServer(&mcp.Config{Name: "learnd", Version: version, Logger: rt.logger}, a)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}
	if err := a.Registry.Register(ctx, a.Session, ""); err != nil {
		rt.logger.Warn("session registration failed", zap.Error(err))
	}
	return srv.Run(ctx)
}
