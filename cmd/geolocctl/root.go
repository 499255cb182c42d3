package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// AppVersion is reported by --version
const AppVersion = "1.0.0"

// Global flags
var (
	serverURL string
	authKey   string
	accuracy  string
	timeout   time.Duration
	compact   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "geolocctl",
	Short:   "geolocctl queries a running geolocd",
	Long:    `A command-line client for the geolocd location API. Reads the current location, source status and history, or follows live updates.`,
	Version: AppVersion,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8082", "Base URL of the geolocd API")
	rootCmd.PersistentFlags().StringVar(&authKey, "auth", os.Getenv("GEOLOCD_API_KEY"), "API auth key (default $GEOLOCD_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&accuracy, "accuracy", "a", "", "Requested accuracy level (country|city|neighborhood|street|exact)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 40*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&compact, "compact", false, "Emit compact JSON")
}
