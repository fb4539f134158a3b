package main

import (
	"log"
	"time"

	"github.com/spf13/cobra"

	api "compute-queue/internal/api"
)

var (
	serverURL string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Command-line client for the compute job server",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the job server")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(resultCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func client() *api.Client {
	return api.NewClient(serverURL, timeout)
}
