package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(locationCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(healthCmd)

	locationCmd.Flags().IntP("wait", "w", 0, "Seconds to wait for a first fix when none is cached")
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of entries")
}

// locationCmd prints the current location
var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Print the current location",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetInt("wait")
		query := accuracyQuery()
		if wait > 0 {
			query.Set("wait", strconv.Itoa(wait))
		}
		return fetch(cmd, "/api/v1/location", query)
	},
}

// sourcesCmd prints source status and the available accuracy
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Show location sources and available accuracy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, "/api/v1/sources", nil)
	},
}

// historyCmd prints recently recorded locations
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent location history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		return fetch(cmd, "/api/v1/history", url.Values{"limit": {strconv.Itoa(limit)}})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the daemon is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, "/health", nil)
	},
}

// watchCmd follows live location updates until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live location updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(serverURL, authKey, nil)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		out := cmd.OutOrStdout()
		return client.stream(ctx, accuracyQuery(), func(msg json.RawMessage) error {
			return printJSON(out, msg, true)
		})
	},
}

func accuracyQuery() url.Values {
	query := url.Values{}
	if accuracy != "" {
		query.Set("accuracy", accuracy)
	}
	return query
}

func fetch(cmd *cobra.Command, path string, query url.Values) error {
	client, err := newAPIClient(serverURL, authKey, &http.Client{Timeout: timeout})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := client.get(ctx, path, query)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), body, compact)
}

// printJSON writes one JSON document per line, indented unless compact
func printJSON(w io.Writer, msg json.RawMessage, compact bool) error {
	var buf bytes.Buffer
	var err error
	if compact {
		err = json.Compact(&buf, msg)
	} else {
		err = json.Indent(&buf, msg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("invalid JSON from server: %w", err)
	}
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}
