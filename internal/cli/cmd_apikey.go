package cli

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/koltyakov/edgeman/internal/auth"
	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/store/sqlite"
)

func runAPIKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: edgeman apikey <create|list|revoke> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runAPIKeyCreate(ctx, args[1:])
	case "list":
		return runAPIKeyList(ctx, args[1:])
	case "revoke":
		return runAPIKeyRevoke(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown apikey command:", args[0])
		return 2
	}
}

// apikeyFlags registers the flags every apikey subcommand shares. The .env
// file is read first so the defaults match the server's.
func apikeyFlags(name string) (*flag.FlagSet, *string) {
	loadEnvFromDotEnv(".env")
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	dbPath := fs.String("db", defaultDBPath(), "sqlite db path")
	return fs, dbPath
}

// withStore opens dbPath, runs fn and closes the store again.
func withStore(dbPath string, fn func(*sqlite.Store) int) int {
	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

func runAPIKeyCreate(ctx context.Context, args []string) int {
	fs, dbPath := apikeyFlags("apikey-create")
	var name, pepper string
	fs.StringVar(&name, "name", "default", "key label")
	fs.StringVar(&pepper, "api-key-pepper", envOr("EDGE_API_KEY_PEPPER", ""), "hash pepper override")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withStore(*dbPath, func(store *sqlite.Store) int {
		// The pepper is pinned on first use so the server later hashes
		// presented keys the same way.
		resolved, err := resolveServerPepper(ctx, store, pepper)
		if err != nil {
			fmt.Fprintln(os.Stderr, "apikey create error:", err)
			return 1
		}
		plain, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate key:", err)
			return 1
		}
		rec, err := store.CreateAPIKey(ctx, name, auth.HashAPIKey(plain, resolved))
		if err != nil {
			fmt.Fprintln(os.Stderr, "create key:", err)
			return 1
		}
		fmt.Println("id:", rec.ID)
		fmt.Println("name:", rec.Name)
		fmt.Println("api_key:", plain)
		fmt.Fprintln(os.Stderr, "store the key now, it is not shown again")
		return 0
	})
}

func runAPIKeyList(ctx context.Context, args []string) int {
	fs, dbPath := apikeyFlags("apikey-list")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withStore(*dbPath, func(store *sqlite.Store) int {
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list keys:", err)
			return 1
		}
		if err := printAPIKeys(os.Stdout, keys); err != nil {
			fmt.Fprintln(os.Stderr, "list keys:", err)
			return 1
		}
		return 0
	})
}

func printAPIKeys(w io.Writer, keys []domain.APIKey) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCREATED")
	for _, k := range keys {
		status := "active"
		if k.RevokedAt != nil {
			status = "revoked " + k.RevokedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Name, status, k.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func runAPIKeyRevoke(ctx context.Context, args []string) int {
	fs, dbPath := apikeyFlags("apikey-revoke")
	var id string
	fs.StringVar(&id, "id", "", "key id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	return withStore(*dbPath, func(store *sqlite.Store) int {
		err := store.RevokeAPIKey(ctx, id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			fmt.Fprintln(os.Stderr, "revoke key: no active key with id", id)
			return 1
		case err != nil:
			fmt.Fprintln(os.Stderr, "revoke key:", err)
			return 1
		}
		fmt.Println("revoked:", id)
		return 0
	})
}

func defaultDBPath() string {
	return envOr("EDGE_DB_PATH", "./edgeman.db")
}

func openSQLiteStoreOrExit(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
