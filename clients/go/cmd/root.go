package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/eldtechnologies/confab/clients/go/confab"
)

var version = "dev"

var (
	baseURL string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "confab",
	Short: "Command line client for confab collaborative chat sessions",
	Long: `confab talks to a confab server: register an identity, create and
share sessions, read history and chat with the session's assistant.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	defaultURL := os.Getenv("CONFAB_URL")
	if defaultURL == "" {
		defaultURL = confab.DefaultURL
	}
	rootCmd.PersistentFlags().StringVarP(&baseURL, "url", "u", defaultURL, "server base URL (env CONFAB_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func newClient() *confab.Client {
	return confab.NewClient(baseURL)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func parseSessionID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session ID %q", arg)
	}
	return id, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
