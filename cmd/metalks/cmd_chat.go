// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/metalks/metalks-client/pkg/conversation"
	"github.com/metalks/metalks-client/pkg/observability"
	"github.com/metalks/metalks-client/pkg/ux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runChatCommand runs the interactive chat, plus the metrics endpoint when
// an address is configured. The two share an errgroup so that leaving the
// chat also stops the metrics server.
func runChatCommand(cmd *cobra.Command, _ []string) error {
	personality := ux.GetPersonality()
	ui := ux.NewChatUI()
	input := NewInputReader(100)

	metricsAddr := chatMetricsAddr
	if metricsAddr == "" {
		metricsAddr = app.Config.Metrics.ListenAddr
	}
	var metrics *observability.Metrics
	if metricsAddr != "" {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	renderer := ux.NewConversationRenderer(os.Stdout, personality)
	ctrl := conversation.NewController(app.Client, conversation.Config{
		Observer:     renderer,
		Logger:       app.Logger.Slog(),
		Metrics:      metrics,
		PollInterval: app.Config.Report.PollInterval,
	})
	defer ctrl.Close()

	runner := NewChatRunner(ChatRunnerConfig{
		Controller: ctrl,
		Sessions:   app.Client,
		UI:         ui,
		Input:      input,
		Confirmer:  newConfirmer(input, os.Stderr),
		Logger:     app.Logger.Slog(),
	})

	g, ctx := errgroup.WithContext(cmd.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if metrics != nil {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux(metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			app.Logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ui.Notice(fmt.Sprintf("Metrics endpoint unavailable: %v", err))
				app.Logger.Warn("metrics server failed", "addr", metricsAddr, "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return runner.Run(ctx, StartOptions{
			TopicID:   chatTopicID,
			TopicName: chatTopicName,
			TopicTag:  chatTopicTag,
			Casual:    chatCasual,
			Resume:    chatResume,
		})
	})
	return g.Wait()
}

func metricsMux(metrics *observability.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
