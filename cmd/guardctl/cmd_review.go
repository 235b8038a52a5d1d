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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	reviewerID       string // Reviewer identity recorded on the transition
	reviewerNotes    string // Optional notes recorded on the transition
	reviewerResponse string // Replacement text for the correct action
	restrictReason   string // Why the conversation is being restricted
	reviewJSONOutput bool   // Output as JSON for scripting
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manage the human review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages awaiting review, oldest first",
	Run:   runReviewList,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve [message-id]",
	Short: "Release a withheld reply to the user as generated",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runReviewAction(args[0], "approve")
	},
}

var reviewBlockCmd = &cobra.Command{
	Use:   "block [message-id]",
	Short: "Permanently withhold a reply (does not restrict the conversation)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runReviewAction(args[0], "block")
	},
}

var reviewCorrectCmd = &cobra.Command{
	Use:   "correct [message-id]",
	Short: "Replace a withheld reply with reviewer-written text",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if reviewerResponse == "" {
			fmt.Fprintln(os.Stderr, "Error: --response is required for correct")
			os.Exit(1)
		}
		runReviewAction(args[0], "correct")
	},
}

var reviewRestrictCmd = &cobra.Command{
	Use:   "restrict [conversation-id]",
	Short: "Restrict a conversation from further turns",
	Args:  cobra.ExactArgs(1),
	Run:   runReviewRestrict,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	reviewListCmd.Flags().BoolVar(&reviewJSONOutput, "json", false,
		"Output as JSON for scripting")

	for _, cmd := range []*cobra.Command{reviewApproveCmd, reviewBlockCmd, reviewCorrectCmd} {
		cmd.Flags().StringVar(&reviewerID, "reviewer", envOr("GUARD_REVIEWER_ID", "cli-reviewer"),
			"Reviewer identity recorded on the transition")
		cmd.Flags().StringVar(&reviewerNotes, "notes", "",
			"Optional reviewer notes")
	}
	reviewCorrectCmd.Flags().StringVar(&reviewerResponse, "response", "",
		"Replacement text shown to the user (required)")

	reviewRestrictCmd.Flags().StringVar(&reviewerID, "reviewer",
		envOr("GUARD_REVIEWER_ID", "cli-reviewer"), "Reviewer identity")
	reviewRestrictCmd.Flags().StringVar(&restrictReason, "reason", "",
		"Why the conversation is being restricted")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// pendingEntry mirrors the server's pending list response.
type pendingEntry struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	UserText       string `json:"user_text"`
	CreatedAt      int64  `json:"created_at"`
	Verdict        struct {
		RiskLevel     string `json:"risk_level"`
		AccuracyScore int    `json:"accuracy_score"`
	} `json:"verdict"`
}

func runReviewList(cmd *cobra.Command, args []string) {
	body := apiRequest("GET", "/v1/review/pending", nil)

	if reviewJSONOutput {
		fmt.Println(string(body))
		return
	}

	var resp struct {
		Pending []pendingEntry `json:"pending"`
		Count   int            `json:"count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse response: %v\n", err)
		os.Exit(1)
	}

	if resp.Count == 0 {
		fmt.Println("Review queue is empty.")
		return
	}

	fmt.Printf("%d message(s) awaiting review:\n\n", resp.Count)
	for _, msg := range resp.Pending {
		age := time.Since(time.UnixMilli(msg.CreatedAt)).Round(time.Second)
		fmt.Printf("  %s  (conversation %s, queued %s ago)\n", msg.ID, msg.ConversationID, age)
		fmt.Printf("    risk: %s  accuracy: %d\n", msg.Verdict.RiskLevel, msg.Verdict.AccuracyScore)
		fmt.Printf("    user: %s\n\n", truncate(msg.UserText, 100))
	}
}

func runReviewAction(messageID, action string) {
	payload := map[string]string{
		"action":      action,
		"reviewer_id": reviewerID,
	}
	if reviewerNotes != "" {
		payload["notes"] = reviewerNotes
	}
	if action == "correct" {
		payload["reviewer_response"] = reviewerResponse
	}

	body := apiRequest("POST", "/v1/review/"+messageID, payload)

	var resp struct {
		Disposition    string `json:"disposition"`
		VisibleContent string `json:"visible_content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Message %s resolved: %s\n", messageID, resp.Disposition)
	if resp.VisibleContent != "" {
		fmt.Printf("Visible content: %s\n", truncate(resp.VisibleContent, 200))
	}
}

func runReviewRestrict(cmd *cobra.Command, args []string) {
	payload := map[string]string{
		"conversation_id": args[0],
		"reviewer_id":     reviewerID,
	}
	if restrictReason != "" {
		payload["reason"] = restrictReason
	}

	apiRequest("POST", "/v1/review/restrict", payload)
	fmt.Printf("Conversation %s restricted.\n", args[0])
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// apiRequest performs one request against the moderator API and exits with an
// error message on any non-2xx response.
func apiRequest(method, path string, payload any) []byte {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode request: %v\n", err)
			os.Exit(1)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reqBody)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not reach the moderator at %s: %v\n", serverURL, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read response: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			fmt.Fprintf(os.Stderr, "Error (%d): %s\n", resp.StatusCode, apiErr.Error)
		} else {
			fmt.Fprintf(os.Stderr, "Error (%d): %s\n", resp.StatusCode, string(body))
		}
		os.Exit(1)
	}
	return body
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
