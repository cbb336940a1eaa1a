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
	"log/slog"
	"os"
	"time"

	"github.com/metalks/metalks-client/pkg/api"
	"github.com/metalks/metalks-client/pkg/report"
	"github.com/metalks/metalks-client/pkg/ux"
	"github.com/spf13/cobra"
)

func runListSessions(cmd *cobra.Command, _ []string) error {
	sessions, err := app.Client.ListSessions(cmd.Context())
	if err != nil {
		return commandError(err)
	}
	ux.NewChatUI().Sessions(sessions)
	return nil
}

func runShowSession(cmd *cobra.Command, args []string) error {
	detail, err := app.Client.SessionDetail(cmd.Context(), args[0])
	if err != nil {
		return commandError(err)
	}
	ux.NewChatUI().SessionDetail(detail)
	return nil
}

func runDeleteSession(cmd *cobra.Command, args []string) error {
	if err := app.Client.DeleteSession(cmd.Context(), args[0]); err != nil {
		return commandError(err)
	}
	ux.NewPrinter(os.Stdout, ux.GetPersonality()).Success(fmt.Sprintf("Session %s deleted", args[0]))
	return nil
}

func runReportStatus(cmd *cobra.Command, args []string) error {
	status, err := app.Client.ReportStatus(cmd.Context(), args[0])
	if err != nil {
		return commandError(err)
	}
	ux.NewChatUI().ReportStatus(status)
	return nil
}

func runReportGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	if reportWait > 0 {
		spinner := ux.NewSpinner(os.Stderr, "waiting for the report...")
		if ux.GetPersonality() == ux.PersonalityFull {
			spinner.Start()
		}
		waitCtx, cancel := context.WithTimeout(ctx, reportWait)
		err := waitForReport(waitCtx, app.Client, id, app.Config.Report.PollInterval, app.Logger.Slog())
		cancel()
		spinner.Stop()
		if err != nil {
			return commandError(err)
		}
	}

	rep, err := app.Client.Report(ctx, id)
	if err != nil {
		return commandError(err)
	}
	ux.NewChatUI().Report(rep)
	return nil
}

// waitForReport blocks until the poller sees the report ready, the
// server rejects the request or forgets the session, or ctx ends.
func waitForReport(ctx context.Context, checker report.Checker, sessionID string, interval time.Duration, logger *slog.Logger) error {
	ready := make(chan struct{})
	denied := make(chan struct{})
	gone := make(chan struct{})

	poller := report.NewPoller(checker, report.Config{
		Interval:       interval,
		OnReady:        func(string) { close(ready) },
		OnAuthRequired: func(string) { close(denied) },
		OnGone:         func(string) { close(gone) },
		Logger:         logger,
	})
	poller.Start(sessionID)
	defer poller.Stop()

	select {
	case <-ready:
		return nil
	case <-denied:
		return api.ErrUnauthorized
	case <-gone:
		return fmt.Errorf("session %s: %w", sessionID, api.ErrNotFound)
	case <-ctx.Done():
		// Fall through to a final fetch, which reports "not ready".
		return nil
	}
}

// commandError turns an API failure into the one-line message users see.
func commandError(err error) error {
	return errors.New(ux.DescribeError(err))
}
