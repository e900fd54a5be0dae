package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"creatorforge/internal/adapter/repo"
	"creatorforge/internal/domain"
	"creatorforge/internal/infra"
	"creatorforge/internal/infra/credentials"
	"creatorforge/internal/sqlinline"
)

func main() {
	if len(os.Args) < 2 {
		exitWithError(errors.New("usage: accountctl <tier|grant|token|create|show> [flags]"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "accountctl").Logger()

	switch os.Args[1] {
	case "tier":
		runTier(ctx, pool, logger, os.Args[2:])
	case "grant":
		runGrant(ctx, pool, os.Args[2:])
	case "token":
		runToken(ctx, pool, logger, os.Args[2:])
	case "create":
		runCreate(ctx, pool, os.Args[2:])
	case "show":
		runShow(ctx, pool, logger, os.Args[2:])
	default:
		exitWithError(fmt.Errorf("unknown subcommand %q", os.Args[1]))
	}
}

func runTier(ctx context.Context, pool *pgxpool.Pool, logger infra.Logger, args []string) {
	fs := flag.NewFlagSet("tier", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account ID (UUID)")
	tierFlag := fs.String("tier", "", "tier to assign (starter, creator, studio)")
	_ = fs.Parse(args)

	accountID := strings.TrimSpace(*accountFlag)
	tier := domain.Tier(strings.ToLower(strings.TrimSpace(*tierFlag)))
	if accountID == "" {
		exitWithError(errors.New("-account is required"))
	}
	if !tier.Valid() {
		exitWithError(fmt.Errorf("unsupported tier %q", tier))
	}

	runner := infra.NewSQLRunner(pool, logger)
	row := runner.QueryRow(ctx, sqlinline.QUpdateAccountTier, accountID, string(tier))
	var id, newTier string
	var balance int64
	if err := row.Scan(&id, &newTier, &balance); err != nil {
		if infra.IsNoRows(err) {
			exitWithError(fmt.Errorf("account %s not found", accountID))
		}
		exitWithError(fmt.Errorf("failed to update tier: %w", err))
	}
	fmt.Printf("account %s tier=%s balance=%d\n", id, newTier, balance)
}

func runGrant(ctx context.Context, pool *pgxpool.Pool, args []string) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account ID (UUID)")
	amountFlag := fs.Int64("amount", 0, "credits to grant (positive)")
	_ = fs.Parse(args)

	accountID := strings.TrimSpace(*accountFlag)
	if accountID == "" {
		exitWithError(errors.New("-account is required"))
	}
	if *amountFlag <= 0 {
		exitWithError(errors.New("-amount must be positive"))
	}

	ledger := repo.NewLedger(pool)
	if err := ledger.Refund(ctx, accountID, "", *amountFlag, domain.ReasonGrant); err != nil {
		exitWithError(fmt.Errorf("failed to grant credits: %w", err))
	}
	balance, err := ledger.Balance(ctx, accountID)
	if err != nil {
		exitWithError(fmt.Errorf("failed to read balance: %w", err))
	}
	fmt.Printf("account %s balance=%d\n", accountID, balance)
}

func runToken(ctx context.Context, pool *pgxpool.Pool, logger infra.Logger, args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	providerFlag := fs.String("provider", "", "provider name (flux, fashn, kling, astria, openai)")
	tokenFlag := fs.String("token", "", "API token to store")
	_ = fs.Parse(args)

	provider := strings.ToLower(strings.TrimSpace(*providerFlag))
	token := strings.TrimSpace(*tokenFlag)
	switch provider {
	case credentials.ProviderFlux, credentials.ProviderFashn, credentials.ProviderKling,
		credentials.ProviderAstria, credentials.ProviderOpenAI:
	default:
		exitWithError(fmt.Errorf("unsupported provider %q", provider))
	}
	if token == "" {
		exitWithError(errors.New("-token is required"))
	}

	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))
	if err := store.SetToken(ctx, provider, token); err != nil {
		exitWithError(fmt.Errorf("failed to store token: %w", err))
	}
	fmt.Printf("stored token for %s\n", provider)
}

func runCreate(ctx context.Context, pool *pgxpool.Pool, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	tierFlag := fs.String("tier", string(domain.TierStarter), "tier to assign (starter, creator, studio)")
	_ = fs.Parse(args)

	tier := domain.Tier(strings.ToLower(strings.TrimSpace(*tierFlag)))
	if !tier.Valid() {
		exitWithError(fmt.Errorf("unsupported tier %q", tier))
	}

	accounts := repo.NewAccountRepository(pool)
	account := &domain.Account{ID: uuid.NewString(), Tier: tier}
	if err := accounts.Create(ctx, account); err != nil {
		exitWithError(fmt.Errorf("failed to create account: %w", err))
	}
	fmt.Printf("account %s tier=%s\n", account.ID, account.Tier)
}

func runShow(ctx context.Context, pool *pgxpool.Pool, logger infra.Logger, args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account ID (UUID)")
	_ = fs.Parse(args)

	accountID := strings.TrimSpace(*accountFlag)
	if accountID == "" {
		exitWithError(errors.New("-account is required"))
	}

	runner := infra.NewSQLRunner(pool, logger)
	row := runner.QueryRow(ctx, sqlinline.QSelectAccountTier, accountID)
	var id, tier string
	var balance int64
	if err := row.Scan(&id, &tier, &balance); err != nil {
		if infra.IsNoRows(err) {
			exitWithError(fmt.Errorf("account %s not found", accountID))
		}
		exitWithError(fmt.Errorf("failed to load account: %w", err))
	}
	fmt.Printf("account %s tier=%s balance=%d\n", id, tier, balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "accountctl:", err)
	os.Exit(1)
}
