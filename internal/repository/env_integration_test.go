//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/mailverify/mailverify/internal/testutil"
)

func newRepoTestEnv(t *testing.T) (context.Context, *Repository) {
	t.Helper()
	return context.Background(), &Repository{pool: testutil.FreshDB(t)}
}
