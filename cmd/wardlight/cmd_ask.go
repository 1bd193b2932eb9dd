// Copyright (C) 2025 Wardlight Civic (dev@wardlight.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Local mirrors of the server's wire types. The CLI speaks JSON over HTTP
// and deliberately does not import server internals.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type askRequest struct {
	Question       string        `json:"question"`
	ConversationID string        `json:"conversation_id,omitempty"`
	History        []chatMessage `json:"history,omitempty"`
}

type askResponse struct {
	ResponseType   string   `json:"response_type"`
	Summary        string   `json:"summary"`
	Completeness   string   `json:"completeness"`
	Sources        []string `json:"sources"`
	NoAnswer       bool     `json:"no_answer"`
	FailureReason  string   `json:"failure_reason"`
	ConversationID string   `json:"conversation_id"`
}

// maxHistory caps how many prior turns the chat command replays to the
// server. Older turns age out first.
const maxHistory = 12

var (
	summaryStyle = lipgloss.NewStyle().Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question and print the answer",
	Long: `Ask sends one question to the answers server and prints the grounded
answer with its sources.

Examples:
  wardlight ask "How much did Ward 10 get for transit in 2024?"
  wardlight ask How did Councillor Vasquez vote on the transit expansion?`,
	Args: cobra.MinimumNArgs(1),
	Run:  runAskCommand,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive session that keeps conversation context",
	Long: `Chat opens an interactive prompt. Follow-up questions reuse the same
conversation, so "What about 2023?" means what you think it means.`,
	Run: runChatCommand,
}

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	resp, err := sendAsk(askRequest{Question: question})
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	printEnvelope(resp)
}

func runChatCommand(cmd *cobra.Command, args []string) {
	fmt.Println("Wardlight chat. Ask about budgets, motions, votes or lobbying.")
	fmt.Println("Type 'exit' to quit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	var conversationID string
	var history []chatMessage

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" || question == "q" {
			fmt.Println("Goodbye.")
			break
		}

		resp, err := sendAsk(askRequest{
			Question:       question,
			ConversationID: conversationID,
			History:        history,
		})
		if err != nil {
			fmt.Printf("Error: %v\n\n", err)
			continue
		}

		if resp.ConversationID != "" {
			conversationID = resp.ConversationID
		}
		history = append(history,
			chatMessage{Role: "user", Content: question},
			chatMessage{Role: "assistant", Content: resp.Summary},
		)
		if len(history) > maxHistory {
			history = history[len(history)-maxHistory:]
		}

		printEnvelope(resp)
		fmt.Println()
	}
}

// sendAsk posts a question to the answers server and decodes the reply.
//
// Description:
//
//	A rate-limited reply (429) still carries a full answer envelope, so
//	it decodes like any other. A warming-up server (503) and transport
//	failures become readable errors instead.
func sendAsk(req askRequest) (*askResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := baseURL() + "/v1/ask"

	var done chan bool
	if isatty.IsTerminal(os.Stdout.Fd()) {
		done = make(chan bool)
		go showSpinner("Thinking", done)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	httpResp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if done != nil {
		done <- true
		fmt.Print("\r\033[K")
	}
	if err != nil {
		return nil, fmt.Errorf("contacting %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusTooManyRequests:
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("server is warming up, retry in %s seconds", retryAfterHint(httpResp))
	default:
		return nil, fmt.Errorf("server returned %d: %s",
			httpResp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var resp askResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func retryAfterHint(resp *http.Response) string {
	if v := resp.Header.Get("Retry-After"); v != "" {
		return v
	}
	return "a few"
}

// printEnvelope renders an answer for the terminal. Styling is skipped when
// stdout is not a TTY so piped output stays plain.
func printEnvelope(resp *askResponse) {
	tty := isatty.IsTerminal(os.Stdout.Fd())

	summary := resp.Summary
	if tty {
		if resp.NoAnswer {
			summary = failStyle.Render(summary)
		} else {
			summary = summaryStyle.Render(summary)
		}
	}
	fmt.Println(summary)

	if resp.NoAnswer && resp.FailureReason != "" {
		line := "reason: " + resp.FailureReason
		if tty {
			line = labelStyle.Render(line)
		}
		fmt.Println(line)
	}

	if len(resp.Sources) > 0 {
		header := "Sources:"
		if tty {
			header = labelStyle.Render(header)
		}
		fmt.Println(header)
		for _, src := range resp.Sources {
			fmt.Printf("  - %s\n", src)
		}
	}

	if resp.Completeness != "" && resp.Completeness != "complete" {
		note := "completeness: " + resp.Completeness
		if tty {
			note = labelStyle.Render(note)
		}
		fmt.Println(note)
	}
}

// showSpinner animates a progress indicator until done receives a value.
// The cursor is hidden while spinning and restored on exit.
func showSpinner(message string, done chan bool) {
	chars := []string{"▖", "▘", "▝", "▗"}
	i := 0

	fmt.Print("\033[?25l")
	defer fmt.Print("\033[?25h")

	for {
		select {
		case <-done:
			return
		default:
			fmt.Printf("\r%s %s\033[K", chars[i%len(chars)], message)
			i++
			time.Sleep(100 * time.Millisecond)
		}
	}
}
