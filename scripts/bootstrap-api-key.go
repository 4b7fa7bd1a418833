// Command bootstrap-api-key provisions a user with an API key and optional
// credits straight in the database, for first deploys before any admin key
// exists.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/ledger"
	"github.com/mailverify/mailverify/internal/metrics"
	"github.com/mailverify/mailverify/internal/model"
	"github.com/mailverify/mailverify/internal/repository"
)

type options struct {
	databaseURL string
	userID      string
	email       string
	keyName     string
	scopes      string
	daily       int64
	instant     int64
	format      string
}

type provisioned struct {
	UserID    string   `json:"user_id"`
	Email     string   `json:"email"`
	KeyID     string   `json:"key_id"`
	Key       string   `json:"key"`
	KeyPrefix string   `json:"key_prefix"`
	Scopes    []string `json:"scopes"`
	Daily     int64    `json:"daily_balance"`
	Instant   int64    `json:"instant_balance"`
}

func main() {
	var o options
	flag.StringVar(&o.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flag.StringVar(&o.userID, "user-id", "system", "owner of the key")
	flag.StringVar(&o.email, "email", "system@mailverify.local", "owner email")
	flag.StringVar(&o.keyName, "name", "bootstrap", "key name")
	flag.StringVar(&o.scopes, "scopes", model.ScopeAdmin, "comma-separated scopes: read, verify, admin")
	flag.Int64Var(&o.daily, "daily-credits", 0, "daily allowance to subscribe the user to")
	flag.Int64Var(&o.instant, "instant-credits", 0, "instant credits to grant")
	flag.StringVar(&o.format, "format", "plain", "output: plain prints the key, json prints everything")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := run(ctx, o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(1)
	}

	if o.format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	fmt.Println(out.Key)
}

func run(ctx context.Context, o options) (*provisioned, error) {
	switch {
	case o.databaseURL == "":
		return nil, errors.New("DATABASE_URL is required")
	case o.daily < 0 || o.instant < 0:
		return nil, errors.New("credit amounts must not be negative")
	case o.format != "plain" && o.format != "json":
		return nil, fmt.Errorf("unknown format %q", o.format)
	}
	scopes, err := parseScopes(o.scopes)
	if err != nil {
		return nil, err
	}

	repo, err := repository.New(ctx, o.databaseURL)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	user := &model.User{ID: o.userID, Email: o.email, CreatedAt: time.Now().UTC()}
	if err := repo.EnsureUser(ctx, user); err != nil {
		return nil, fmt.Errorf("user %s <%s>: %w", o.userID, o.email, err)
	}

	generated, err := auth.GenerateAPIKey(auth.EnvLive)
	if err != nil {
		return nil, err
	}
	key := &model.APIKey{
		ID:            ulid.Make().String(),
		UserID:        user.ID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        scopes,
		RateLimitTier: model.TierUnlimited,
		Name:          o.keyName,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}

	// Credits go through the ledger so they appear in the user's history.
	l := ledger.New(repo, metrics.NewNoop(), nil)
	if o.daily > 0 {
		if _, err := l.Subscribe(ctx, user.ID, o.daily, model.ReasonAdminGrant); err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	if o.instant > 0 {
		if _, err := l.Grant(ctx, user.ID, 0, o.instant); err != nil {
			return nil, fmt.Errorf("grant: %w", err)
		}
	}
	bal, err := l.Balance(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &provisioned{
		UserID:    user.ID,
		Email:     user.Email,
		KeyID:     key.ID,
		Key:       generated.Plaintext,
		KeyPrefix: key.KeyPrefix,
		Scopes:    scopes,
		Daily:     bal.Daily,
		Instant:   bal.Instant,
	}, nil
}

// parseScopes splits a comma list, dropping blanks. An empty list means
// admin.
func parseScopes(list string) ([]string, error) {
	var scopes []string
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !slices.Contains(model.ValidScopes, s) {
			return nil, fmt.Errorf("unknown scope %q", s)
		}
		if !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	if len(scopes) == 0 {
		return []string{model.ScopeAdmin}, nil
	}
	return scopes, nil
}
