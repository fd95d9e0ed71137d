// Command accounts manages the relay's Google account pool.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/account/strategies"
	"github.com/kestrelix/antigravity-relay/internal/auth"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/store"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

func main() {
	root := &cobra.Command{
		Use:   "antigravity-accounts",
		Short: "Manage the Antigravity relay account pool",
	}

	root.AddCommand(
		addCommand(),
		listCommand(),
		removeCommand(),
		setEnabledCommand("enable", true),
		setEnabledCommand("disable", false),
		verifyCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newManager() (*account.Manager, error) {
	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	clk := clock.Real()
	ledger := account.NewLedger(clk, cfg.DefaultCooldownMs)
	strategy := strategies.New(cfg.Strategy, ledger, clk)
	creds := account.NewCredentials(clk, cfg.TokenCacheTTLMs, nil, nil)
	manager := account.NewManager(cfg, clk, ledger, strategy, creds, store.NewFileStore(cfg.AccountsPath))

	if err := manager.Load(); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return manager, nil
}

func addCommand() *cobra.Command {
	var (
		manual   bool
		legacyDB bool
		dbPath   string
		email    string
		project  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account (OAuth refresh token, manual API key, or editor database)",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}

			switch {
			case legacyDB:
				return addLegacyDB(manager, dbPath, email)
			case manual:
				return addManual(manager, email)
			default:
				return addOAuth(manager, project)
			}
		},
	}

	cmd.Flags().BoolVar(&manual, "manual", false, "Add a manually supplied API key")
	cmd.Flags().BoolVar(&legacyDB, "legacy-db", false, "Import from the Antigravity editor database")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the editor database (autodetected when empty)")
	cmd.Flags().StringVar(&email, "email", "", "Account email (required for --manual and --legacy-db)")
	cmd.Flags().StringVar(&project, "project", "", "GCP project ID override")
	return cmd
}

func addOAuth(manager *account.Manager, project string) error {
	fmt.Print("Paste refresh token (input hidden): ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	composite := strings.TrimSpace(string(tokenBytes))
	if composite == "" {
		return fmt.Errorf("empty refresh token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	refresher := auth.NewRefresher()
	result, err := refresher.RefreshAccessToken(ctx, composite)
	if err != nil {
		return fmt.Errorf("token verification failed: %w", err)
	}

	email, err := refresher.GetUserEmail(ctx, result.AccessToken)
	if err != nil {
		return fmt.Errorf("could not resolve account email: %w", err)
	}

	projectID := project
	if projectID == "" {
		parts := auth.ParseRefreshParts(composite)
		if parts.ProjectID != "" {
			projectID = parts.ProjectID
		} else if result.ManagedProjectID != "" {
			projectID = result.ManagedProjectID
		}
	}

	if err := manager.Add(&account.Account{
		Email:        email,
		Source:       account.SourceOAuth,
		RefreshToken: composite,
		ProjectID:    projectID,
		Enabled:      true,
	}); err != nil {
		return err
	}

	utils.Success("Added OAuth account %s", utils.MaskEmail(email))
	return nil
}

func addManual(manager *account.Manager, email string) error {
	if email == "" {
		return fmt.Errorf("--email is required with --manual")
	}

	fmt.Print("Paste API key (input hidden): ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	apiKey := strings.TrimSpace(string(keyBytes))
	if apiKey == "" {
		return fmt.Errorf("empty API key")
	}

	if err := manager.Add(&account.Account{
		Email:   email,
		Source:  account.SourceManual,
		APIKey:  apiKey,
		Enabled: true,
	}); err != nil {
		return err
	}

	utils.Success("Added manual account %s", utils.MaskEmail(email))
	return nil
}

func addLegacyDB(manager *account.Manager, dbPath, email string) error {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath()
	}
	status, err := auth.ReadAuthStatus(dbPath)
	if err != nil {
		return fmt.Errorf("read editor database: %w", err)
	}

	if email == "" {
		email = status.Email
	}
	if email == "" {
		return fmt.Errorf("database has no email; pass --email")
	}

	if err := manager.Add(&account.Account{
		Email:   email,
		Source:  account.SourceLegacyDB,
		DBPath:  dbPath,
		Enabled: true,
	}); err != nil {
		return err
	}

	utils.Success("Imported account %s from %s", utils.MaskEmail(email), dbPath)
	return nil
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts in the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}

			accounts := manager.Accounts()
			if len(accounts) == 0 {
				fmt.Println("No accounts configured.")
				return nil
			}

			w := bufio.NewWriter(os.Stdout)
			defer w.Flush()
			fmt.Fprintf(w, "%-32s %-10s %-8s %s\n", "EMAIL", "SOURCE", "ENABLED", "STATUS")
			for _, a := range accounts {
				status := "ok"
				if a.IsInvalid {
					status = "invalid: " + a.InvalidReason
				} else if len(a.ModelRateLimits) > 0 {
					status = fmt.Sprintf("%d model limit(s)", len(a.ModelRateLimits))
				}
				fmt.Fprintf(w, "%-32s %-10s %-8t %s\n", a.Email, a.Source, a.Enabled, status)
			}
			return nil
		},
	}
}

func removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <email>",
		Short: "Remove an account from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}
			if err := manager.Remove(args[0]); err != nil {
				return err
			}
			utils.Success("Removed %s", utils.MaskEmail(args[0]))
			return nil
		},
	}
}

func setEnabledCommand(name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <email>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}
			if err := manager.SetEnabled(args[0], enabled); err != nil {
				return err
			}
			utils.Success("%sd %s", strings.ToUpper(name[:1])+name[1:], utils.MaskEmail(args[0]))
			return nil
		},
	}
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [email]",
		Short: "Verify that accounts can obtain access tokens",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			failed := 0
			for _, a := range manager.Accounts() {
				if len(args) == 1 && a.Email != args[0] {
					continue
				}
				if _, err := manager.TokenFor(ctx, a); err != nil {
					utils.Error("%s: %v", utils.MaskEmail(a.Email), err)
					failed++
					continue
				}
				utils.Success("%s: ok", utils.MaskEmail(a.Email))
			}
			if failed > 0 {
				return fmt.Errorf("%d account(s) failed verification", failed)
			}
			return nil
		},
	}
}
