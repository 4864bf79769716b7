package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/audit"
	"github.com/HyphaGroup/agentbridge/internal/auth"
	"github.com/HyphaGroup/agentbridge/internal/config"
	"github.com/HyphaGroup/agentbridge/internal/validation"
)

func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	cmd := args[0]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printTokenUsage()
		return
	}

	fs := flag.NewFlagSet("token "+cmd, flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing agentbridge.jsonc")
	dataDir := fs.String("data-dir", "", "Data directory holding auth.db (overrides config)")
	name := fs.String("name", "", "Human-readable token name")
	scope := fs.String("scope", auth.ScopeOperator, "Token scope: operator or viewer")
	expires := fs.Duration("expires", 0, "Token lifetime, e.g. 720h (default: never)")
	_ = fs.Parse(args[1:])

	store, err := auth.NewStore(resolveDataDir(*configDir, *dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Audit lines go to stderr so stdout stays readable
	trail := audit.New(os.Stderr, true)
	ctx := context.Background()

	switch cmd {
	case "create":
		err = tokenCreate(ctx, store, trail, *name, *scope, *expires)
	case "list":
		err = tokenList(ctx, store)
	case "revoke":
		err = tokenRevoke(ctx, store, trail, fs.Args())
	case "info":
		err = tokenInfo(ctx, store, fs.Args())
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", cmd)
		printTokenUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = store.Close()
		os.Exit(1) //nolint:gocritic // store closed above
	}
}

// resolveDataDir prefers the flag, then the config file, then ./data
func resolveDataDir(configDir, dataDir string) string {
	if dataDir != "" {
		return dataDir
	}
	if path, err := config.FindConfigPath(configDir); err == nil {
		if cfg, err := config.Load(path); err == nil {
			return cfg.Server.DataDir
		}
	}
	return config.Default().Server.DataDir
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: agentbridge token <command> [options]

Commands:
  create    Create a new API token
  list      List all tokens
  revoke    Revoke a token
  info      Get token details
  help      Show this help

Scopes:
  operator   Submit and cancel tasks, trigger schedules, read everything
  viewer     Read status, events, history and schedules

Examples:
  agentbridge token create --name "CI" --scope operator
  agentbridge token create --name "Dashboard" --scope viewer --expires 720h
  agentbridge token list
  agentbridge token revoke <token_id>
  agentbridge token info <token_id>`)
}

func tokenCreate(ctx context.Context, store *auth.Store, trail *audit.Logger, name, scope string, expires time.Duration) error {
	if name == "" {
		return fmt.Errorf("--name is required")
	}
	if !auth.ValidScope(scope) {
		return fmt.Errorf("invalid scope %q (valid scopes: %s, %s)", scope, auth.ScopeOperator, auth.ScopeViewer)
	}

	var expiresAt *time.Time
	if expires > 0 {
		t := time.Now().Add(expires)
		expiresAt = &t
	}

	token, secret, err := store.CreateToken(ctx, name, scope, expiresAt)
	trail.Log(&audit.Event{
		Operation:  audit.OpTokenCreate,
		TokenScope: scope,
		Success:    err == nil,
		Error:      errString(err),
		Details:    map[string]any{"name": name},
	})
	if err != nil {
		return fmt.Errorf("creating token: %w", err)
	}

	fmt.Println("Token created successfully!")
	fmt.Println()
	fmt.Printf("Token ID: %s\n", token.ID)
	fmt.Printf("Name:     %s\n", token.Name)
	fmt.Printf("Scope:    %s\n", token.Scope)
	if token.ExpiresAt != nil {
		fmt.Printf("Expires:  %s\n", token.ExpiresAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("Secret:   %s\n", secret)
	fmt.Println()
	fmt.Println("IMPORTANT: Save this secret now. It cannot be retrieved later.")
	return nil
}

func tokenList(ctx context.Context, store *auth.Store) error {
	tokens, err := store.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("listing tokens: %w", err)
	}

	if len(tokens) == 0 {
		fmt.Println("No tokens found.")
		fmt.Println()
		fmt.Println("Create one with: agentbridge token create --name \"My Token\" --scope operator")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCREATED\tLAST USED\tEXPIRES")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t-------\t---------\t-------")

	for _, t := range tokens {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Name,
			t.Scope,
			t.CreatedAt.Format("2006-01-02 15:04"),
			formatOptionalTime(t.LastUsedAt, "never"),
			formatOptionalTime(t.ExpiresAt, "never"),
		)
	}
	return w.Flush()
}

func tokenRevoke(ctx context.Context, store *auth.Store, trail *audit.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("token ID required (usage: agentbridge token revoke <token_id>)")
	}

	tokenID := args[0]
	if err := validation.ValidateTokenID(tokenID); err != nil {
		return err
	}
	err := store.RevokeToken(ctx, tokenID)
	trail.Log(&audit.Event{
		Operation: audit.OpTokenRevoke,
		TokenID:   tokenID,
		Success:   err == nil,
		Error:     errString(err),
	})
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	fmt.Printf("Token %s revoked successfully.\n", tokenID)
	return nil
}

func tokenInfo(ctx context.Context, store *auth.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("token ID required (usage: agentbridge token info <token_id>)")
	}

	if err := validation.ValidateTokenID(args[0]); err != nil {
		return err
	}
	token, err := store.GetToken(ctx, args[0])
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	fmt.Printf("Token ID:    %s\n", token.ID)
	fmt.Printf("Name:        %s\n", token.Name)
	fmt.Printf("Scope:       %s\n", token.Scope)
	fmt.Printf("Created:     %s\n", token.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last Used:   %s\n", formatOptionalTime(token.LastUsedAt, "never"))
	fmt.Printf("Expires:     %s\n", formatOptionalTime(token.ExpiresAt, "never"))
	return nil
}

func formatOptionalTime(t *time.Time, fallback string) string {
	if t == nil {
		return fallback
	}
	return t.Local().Format("2006-01-02 15:04")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
