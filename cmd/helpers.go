package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/coverdesk/policy-cli/internal/resilience"
	"github.com/coverdesk/policy-cli/internal/store"
	"github.com/coverdesk/policy-cli/pkg/oracle"
)

// openStore opens the configured store and runs migrations. The initial
// connection is retried with backoff so a database that is still starting
// (compose, CI) does not fail the command immediately.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	var st store.Store
	err := resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts: 5,
		OnRetry:     resilience.RetryLogger("store", "open"),
	}, func(ctx context.Context) error {
		var err error
		st, err = store.Open(ctx, cfg.Store)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate")
	}
	return st, nil
}

func oracleClient() (oracle.Client, error) {
	if err := cfg.Validate("oracle"); err != nil {
		return nil, err
	}
	return oracle.NewClient(cfg.Oracle.Key), nil
}

// friendlyError maps low-level failures onto copy suitable for end users.
// The original error is preserved for logs; this is display text only.
func friendlyError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "credit balance") || strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit"):
		return "The analysis service is temporarily over capacity. Please try again in a few minutes."
	case strings.Contains(msg, "api key") || strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized"):
		return "The analysis service is not configured correctly. Check the oracle API key."
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "i/o timeout"):
		return "Could not reach a required service. Check your network connection and try again."
	default:
		return "The analysis could not be completed. Please try again."
	}
}
