// Chatgate is a multi-provider chat gateway: it sends conversations to
// OpenAI, Anthropic, Google, Mistral, Groq, HuggingFace or any
// OpenAI-compatible endpoint with per-provider rate limiting, retries and
// streaming.
//
// Usage:
//
//	# Chat on the console with the configured provider
//	chatgate chat
//
//	# Store an API key in the OS keychain
//	chatgate key set anthropic
//
//	# List providers and their limits
//	chatgate providers
//
//	# Print an embedding vector
//	chatgate embed "some text"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chatgate",
	Short: "Multi-provider AI chat gateway",
	Long: `Chatgate routes chat conversations to AI providers behind one interface.

Each conversation runs at most one generation at a time. Requests are rate
limited per provider and key, transient failures are retried with
exponential backoff, and streamed replies are shown as they arrive.

Configuration lives in ~/.chatgate/config.json (or config.yaml) and is
reloaded when the file changes. API keys are kept in the OS keychain.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.chatgate/config.json)")
}

// runApp starts an App for the duration of fn. SIGINT and SIGTERM cancel
// the context handed to fn.
func runApp(fn func(ctx context.Context, app *App) error) error {
	loader, err := newLoader()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(loader)
	if err := app.startup(ctx); err != nil {
		return err
	}
	defer app.shutdown()

	return fn(ctx, app)
}

func newLoader() (*config.Loader, error) {
	if cfgFile != "" {
		return config.NewLoaderAt(cfgFile), nil
	}
	return config.NewLoader()
}
