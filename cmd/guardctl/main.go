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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL string
	authToken string

	rootCmd = &cobra.Command{
		Use:   "guardctl",
		Short: "A cli to operate the AleutianGuard moderation service",
		Long: `guardctl manages the AleutianGuard content safety moderator:
inspect the human review queue, resolve withheld replies, and
restrict conversations.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("GUARD_SERVER_URL", "http://localhost:12300"),
		"Base URL of the moderator service")
	rootCmd.PersistentFlags().StringVar(&authToken, "token",
		os.Getenv("GUARD_TOKEN"),
		"Bearer token for authenticated deployments")

	reviewCmd.AddCommand(reviewListCmd, reviewApproveCmd, reviewBlockCmd,
		reviewCorrectCmd, reviewRestrictCmd)
	rootCmd.AddCommand(reviewCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
