// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"os/signal"

	"github.com/gin-gonic/gin"
	"github.com/metalks/metalks-client/pkg/ux"
	"github.com/metalks/metalks-client/services/simulator"
	"github.com/spf13/cobra"
)

// runMockServer serves the simulator until Ctrl+C or SIGTERM.
func runMockServer(cmd *cobra.Command, _ []string) error {
	cfg := app.Config.MockServer
	addr := cfg.Addr
	if mockAddr != "" {
		addr = mockAddr
	}
	token := mockToken
	if token == "" {
		token = app.Config.Server.AccessToken
	}

	gin.SetMode(gin.ReleaseMode)
	srv := simulator.New(simulator.Config{
		AccessToken:    token,
		TurnsBeforeEnd: cfg.TurnsBeforeEnd,
		ReportDelay:    cfg.ReportDelay,
		TokenDelay:     cfg.TokenDelay,
		Logger:         app.Logger.Slog(),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	ux.NewPrinter(os.Stdout, ux.GetPersonality()).Info("Simulator listening on http://" + addr + " (Ctrl+C to stop)")
	return srv.Run(ctx, addr)
}
