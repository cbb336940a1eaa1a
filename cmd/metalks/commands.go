// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"time"

	"github.com/metalks/metalks-client/pkg/ux"
	"github.com/spf13/cobra"
)

var (
	configPath       string
	baseURLFlag      string
	logLevelFlag     string
	personalityLevel string

	chatTopicID     int
	chatTopicName   string
	chatTopicTag    string
	chatCasual      bool
	chatResume      string
	chatMetricsAddr string

	reportWait time.Duration

	mockAddr  string
	mockToken string

	rootCmd = &cobra.Command{
		Use:   "metalks",
		Short: "Talk with metalks from your terminal",
		Long: `metalks holds guided conversations on a topic, or casual ones,
and prepares a personal report once a conversation is complete.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if personalityLevel != "" {
				ux.SetPersonality(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
			return setupApp(cmd)
		},
	}

	// --- Conversation ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Example: `  metalks chat --topic 3 --name Cities --tag travel
  metalks chat --casual
  metalks chat --resume 0190a6b2-...`,
		Args: cobra.NoArgs,
		RunE: runChatCommand, // Defined in cmd_chat.go
	}

	// --- Sessions ---
	sessionsCmd = &cobra.Command{
		Use:     "sessions",
		Short:   "Browse and manage past conversations",
		Aliases: []string{"session"},
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List your conversations, newest first",
		Args:  cobra.NoArgs,
		RunE:  runListSessions, // Defined in cmd_sessions.go
	}
	showSessionCmd = &cobra.Command{
		Use:   "show [session_id]",
		Short: "Print one conversation with its messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runShowSession, // Defined in cmd_sessions.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteSession, // Defined in cmd_sessions.go
	}

	// --- Reports ---
	reportCmd = &cobra.Command{
		Use:   "report",
		Short: "Check and read conversation reports",
	}
	reportStatusCmd = &cobra.Command{
		Use:   "status [session_id]",
		Short: "Check whether a report is ready",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportStatus, // Defined in cmd_sessions.go
	}
	reportGetCmd = &cobra.Command{
		Use:   "get [session_id]",
		Short: "Print a report",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportGet, // Defined in cmd_sessions.go
	}

	// --- Development ---
	mockServerCmd = &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local simulator of the conversation service",
		Args:  cobra.NoArgs,
		RunE:  runMockServer, // Defined in cmd_mock_server.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default ~/.metalks/metalks.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "",
		"Conversation service URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, minimal, machine (default: auto)")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().IntVar(&chatTopicID, "topic", 0, "Start a topic conversation with this topic id")
	chatCmd.Flags().StringVar(&chatTopicName, "name", "", "Display name of the topic")
	chatCmd.Flags().StringVar(&chatTopicTag, "tag", "", "Display tag of the topic")
	chatCmd.Flags().BoolVar(&chatCasual, "casual", false, "Start a casual conversation")
	chatCmd.Flags().StringVar(&chatResume, "resume", "", "Continue a past conversation by session id")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address while chatting (e.g. 127.0.0.1:9464)")
	chatCmd.MarkFlagsMutuallyExclusive("topic", "casual", "resume")

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(listSessionsCmd)
	sessionsCmd.AddCommand(showSessionCmd)
	sessionsCmd.AddCommand(deleteSessionCmd)

	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportStatusCmd)
	reportCmd.AddCommand(reportGetCmd)
	reportGetCmd.Flags().DurationVar(&reportWait, "wait", 0,
		"Wait up to this long for the report to become ready")

	rootCmd.AddCommand(mockServerCmd)
	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "", "Listen address (overrides config)")
	mockServerCmd.Flags().StringVar(&mockToken, "token", "", "Require this access_token cookie")
}
