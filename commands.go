package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"chatgate/internal/channel"
	"chatgate/internal/llm"
	"chatgate/internal/ratelimit"
	"chatgate/internal/security"
	"chatgate/internal/server"
	"chatgate/internal/session"
)

var chatFlags struct {
	conversation string
	provider     string
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat on the console",
	Long: `Start an interactive chat on stdin/stdout.

Type a message and press enter to send it. While a reply is being
generated, "/cancel" aborts it. "/quit" ends the session.

Passing --conversation resumes a stored conversation.`,
	RunE: runChat,
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage provider API keys",
	Long: `Store or remove provider API keys in the OS keychain, falling back to
an encrypted vault in ~/.chatgate when no keychain is available. The vault
password is read from CHATGATE_VAULT_PASSWORD.`,
}

var keySetCmd = &cobra.Command{
	Use:   "set <provider> [key]",
	Short: "Store the API key for a provider",
	Long: `Store the API key for a provider. When the key is not given as an
argument it is read from the first line of stdin.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: setKey,
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete <provider>",
	Short: "Remove the stored API key for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteKey,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List providers, rate limits and stored keys",
	Args:  cobra.NoArgs,
	RunE:  listProviders,
}

var serveFlags struct {
	addr string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gateway over HTTP",
	Long: `Serve the gateway over HTTP until interrupted.

Endpoints:
  GET    /health
  GET    /v1/conversations/:id                conversation state and history
  POST   /v1/conversations/:id/messages       {"text": "...", "provider": "..."}
  DELETE /v1/conversations/:id/generation     cancel the running reply
  GET    /v1/conversations/:id/events         partial, final, error and cancelled events (SSE)`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var embedFlags struct {
	provider string
}

var embedCmd = &cobra.Command{
	Use:   "embed <text>",
	Short: "Print the embedding vector of a text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEmbed,
}

func init() {
	rootCmd.AddCommand(chatCmd, serveCmd, keyCmd, providersCmd, embedCmd)
	keyCmd.AddCommand(keySetCmd, keyDeleteCmd)

	chatCmd.Flags().StringVar(&chatFlags.conversation, "conversation", "", "conversation ID (a new one when empty)")
	chatCmd.Flags().StringVarP(&chatFlags.provider, "provider", "p", "", "provider to use instead of llm.provider")
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "listen address (default server.addr)")
	embedCmd.Flags().StringVarP(&embedFlags.provider, "provider", "p", "", "provider to use instead of llm.provider")
}

func runChat(cmd *cobra.Command, args []string) error {
	return runApp(func(ctx context.Context, app *App) error {
		conversationID := chatFlags.conversation
		if conversationID == "" {
			conversationID = uuid.NewString()
		}

		console := channel.NewConsoleChannel(os.Stdin, os.Stdout, conversationID)
		detach := console.Attach(app.bus)
		defer detach()

		console.OnMessage(func(msg channel.InboundMessage) {
			err := app.Send(msg.ConversationID, chatFlags.provider, msg.Text)
			if errors.Is(err, session.ErrGenerationInProgress) {
				fmt.Println("[system]: A reply is still being generated. Type /cancel to stop it.")
				return
			}
			if err != nil {
				log.Printf("[chat] submit failed: %v", err)
			}
		})
		console.OnCancel(func(id string) {
			if !app.Cancel(id) {
				fmt.Print("[system]: Nothing to cancel.\n> ")
			}
		})

		fmt.Printf("Conversation %s (%s). /cancel aborts a reply, /quit exits.\n", conversationID, app.config().LLM.Provider)
		if err := console.Start(ctx); err != nil {
			return err
		}
		defer console.Stop(ctx)

		select {
		case <-ctx.Done():
		case <-console.Done():
		}
		app.gateway.Wait(conversationID)
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	return runApp(func(ctx context.Context, app *App) error {
		addr := serveFlags.addr
		if addr == "" {
			addr = app.config().Server.Addr
		}
		srv, err := server.New(addr, app, app.bus)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	})
}

func setKey(cmd *cobra.Command, args []string) error {
	provider := args[0]
	var key string
	if len(args) == 2 {
		key = args[1]
	} else {
		fmt.Fprintf(os.Stderr, "Enter %s API key: ", provider)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read key: %w", err)
		}
		key = line
	}
	key = strings.TrimSpace(key)

	return runApp(func(ctx context.Context, app *App) error {
		if err := app.SetAPIKey(provider, key); err != nil {
			return err
		}
		fmt.Printf("Stored %s key %s\n", provider, security.MaskKey(key))
		return nil
	})
}

func deleteKey(cmd *cobra.Command, args []string) error {
	return runApp(func(ctx context.Context, app *App) error {
		if err := app.DeleteAPIKey(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s key\n", args[0])
		return nil
	})
}

func listProviders(cmd *cobra.Command, args []string) error {
	return runApp(func(ctx context.Context, app *App) error {
		names := app.registry.Providers()
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tLIMIT\tKEY")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, formatLimit(app.limiter.Limit(name)), app.storedKey(name))
		}
		return w.Flush()
	})
}

func runEmbed(cmd *cobra.Command, args []string) error {
	return runApp(func(ctx context.Context, app *App) error {
		vec, err := app.Embed(ctx, embedFlags.provider, strings.Join(args, " "))
		if err != nil {
			var ce *llm.ClassifiedError
			if errors.As(err, &ce) {
				return errors.New(ce.UserMessage)
			}
			return err
		}
		parts := make([]string, len(vec))
		for i, v := range vec {
			parts[i] = fmt.Sprintf("%g", v)
		}
		fmt.Printf("[%s]\n", strings.Join(parts, ", "))
		return nil
	})
}

func formatLimit(cfg ratelimit.Config) string {
	return fmt.Sprintf("%d/%s", cfg.MaxRequests, cfg.Window)
}
