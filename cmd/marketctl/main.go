package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nftmarket/cmd/internal/passphrase"
	"nftmarket/config"
	"nftmarket/crypto"
	"nftmarket/gateway/middleware"
	"nftmarket/services/indexer"
	"nftmarket/storage/eventlog"
)

const (
	keygenCommand  = "keygen"
	tokenCommand   = "token"
	exportCommand  = "export-sales"
	verifyCommand  = "verify-journal"
	listCommand    = "listings"
	defaultPassEnv = "MARKET_KEYSTORE_PASS"
	defaultConfig  = "./config.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case exportCommand:
		err = runExport(os.Args[2:], os.Stdout)
	case verifyCommand:
		err = runVerify(os.Args[2:], os.Stdout)
	case listCommand:
		err = runListings(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: marketctl <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  %-15s generate an encrypted account keystore\n", keygenCommand)
	fmt.Fprintf(os.Stderr, "  %-15s issue a bearer token for an account\n", tokenCommand)
	fmt.Fprintf(os.Stderr, "  %-15s write indexed sales to a parquet file\n", exportCommand)
	fmt.Fprintf(os.Stderr, "  %-15s check the event journal digest chain\n", verifyCommand)
	fmt.Fprintf(os.Stderr, "  %-15s query the listing index\n", listCommand)
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	keystorePath := fs.String("out", "account.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*keystorePath); err == nil && !*force {
		return fmt.Errorf("keystore %s already exists (use -force to overwrite)", *keystorePath)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	pass, err := passphrase.NewConfirmedSource(*passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(out, "address: %s\nkeystore: %s\n", key.Address().Hex(), *keystorePath)
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the marketd config file")
	subject := fs.String("subject", "", "Account address the token authenticates")
	keystorePath := fs.String("keystore", "", "Read the subject address from this keystore")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	secret := cfg.AuthSecret()
	if secret == "" {
		return fmt.Errorf("no signing secret configured; set auth.HMACSecret or %s", cfg.Auth.HMACSecretEnv)
	}

	var who crypto.Address
	switch {
	case strings.TrimSpace(*subject) != "":
		who, err = crypto.ParseAddress(*subject)
	case strings.TrimSpace(*keystorePath) != "":
		who, err = crypto.KeystoreAddress(*keystorePath)
	default:
		return fmt.Errorf("one of -subject or -keystore is required")
	}
	if err != nil {
		return err
	}

	token, err := middleware.IssueToken(middleware.AuthConfig{
		HMACSecret: secret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, who, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the marketd config file")
	outPath := fs.String("out", "sales.parquet", "Parquet output path")
	fromRaw := fs.String("from", "", "Start of the export window (RFC3339, inclusive)")
	toRaw := fs.String("to", "", "End of the export window (RFC3339, exclusive; default now)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	from, to, err := exportWindow(*fromRaw, *toRaw, time.Now())
	if err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ix, closeIndex, err := openIndex(cfg, *configPath)
	if err != nil {
		return err
	}
	defer closeIndex()
	rows, err := ix.ExportSales(*outPath, from, to)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "exported %d sales to %s\n", rows, *outPath)
	return nil
}

func exportWindow(fromRaw, toRaw string, now time.Time) (time.Time, time.Time, error) {
	from := time.Unix(0, 0).UTC()
	to := now.UTC()
	var err error
	if strings.TrimSpace(fromRaw) != "" {
		if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return from, to, fmt.Errorf("invalid -from: %w", err)
		}
	}
	if strings.TrimSpace(toRaw) != "" {
		if to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return from, to, fmt.Errorf("invalid -to: %w", err)
		}
	}
	if !from.Before(to) {
		return from, to, fmt.Errorf("-from must be before -to")
	}
	return from, to, nil
}

func runVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(verifyCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the marketd config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	journal, err := eventlog.Open(filepath.Join(cfg.DataDir, "events.db"), nil)
	if err != nil {
		return err
	}
	defer journal.Close()
	if err := journal.Verify(); err != nil {
		return err
	}
	seq, digest, err := journal.Head()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "journal ok: head %d digest %s\n", seq, digest)
	return nil
}

func openIndex(cfg *config.Config, configPath string) (*indexer.Indexer, func(), error) {
	if !cfg.Indexer.Enabled {
		return nil, nil, fmt.Errorf("indexer disabled in %s", configPath)
	}
	db, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	ix, err := indexer.New(db, nil)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return ix, closeDB, nil
}

func runListings(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(listCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the marketd config file")
	id := fs.Uint64("id", 0, "Show a single listing")
	seller := fs.String("seller", "", "Listings created by this account")
	owner := fs.String("owner", "", "Listings bought by this account")
	limit := fs.Int("limit", 100, "Maximum rows to print (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ix, closeIndex, err := openIndex(cfg, *configPath)
	if err != nil {
		return err
	}
	defer closeIndex()

	var rows interface{}
	switch {
	case *id != 0:
		rows, err = ix.Listing(*id)
	case strings.TrimSpace(*seller) != "":
		var account string
		if account, err = accountHex(*seller); err == nil {
			rows, err = ix.BySeller(account, *limit)
		}
	case strings.TrimSpace(*owner) != "":
		var account string
		if account, err = accountHex(*owner); err == nil {
			rows, err = ix.ByOwner(account, *limit)
		}
	default:
		rows, err = ix.Available(*limit)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// accountHex normalises an address to the bare lowercase hex the index stores.
func accountHex(raw string) (string, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(addr[:]), nil
}
