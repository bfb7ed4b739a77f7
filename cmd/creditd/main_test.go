package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/promptledger/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, databaseURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--database-url", databaseURL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestGrantBalanceAndSweep(t *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "ledger.db")

	out, err := runCommand(t, databaseURL, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready (sqlite, gorm store)")

	out, err = runCommand(t, databaseURL, "grant", "--user", "alice", "--amount", "40", "--type", "purchased", "--external-ref", "order-1")
	require.NoError(t, err)
	assert.Contains(t, out, "duplicate=false")

	out, err = runCommand(t, databaseURL, "grant", "--user", "alice", "--amount", "40", "--type", "purchased", "--external-ref", "order-1")
	require.NoError(t, err)
	assert.Contains(t, out, "duplicate=true")

	_, err = runCommand(t, databaseURL, "grant", "--user", "alice", "--amount", "15")
	require.NoError(t, err)

	out, err = runCommand(t, databaseURL, "balance", "alice")
	require.NoError(t, err)
	assert.Equal(t, "total=55 purchased=40 bonus=15 referral=0\n", out)

	out, err = runCommand(t, databaseURL, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "expired=0 voided=0 failed=0\n", out)

	_, err = runCommand(t, databaseURL, "grant", "--user", "alice", "--amount", "-3")
	assert.Error(t, err)
	_, err = runCommand(t, databaseURL, "grant", "--user", "alice", "--amount", "3", "--type", "gift")
	assert.Error(t, err)
}

func TestFlowAndReferralCommands(t *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "ledger.db")

	out, err := runCommand(t, databaseURL, "flow", "flow-1", "--creator", "carol", "--price", "25")
	require.NoError(t, err)
	assert.Equal(t, "flow=flow-1 price=25\n", out)

	out, err = runCommand(t, databaseURL, "refer", "alice", "bob")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "referral="))

	_, err = runCommand(t, databaseURL, "refer", "dave", "bob")
	assert.Error(t, err)

	out, err = runCommand(t, databaseURL, "process-referrals")
	require.NoError(t, err)
	assert.Equal(t, "rewarded=0\n", out)

	out, err = runCommand(t, databaseURL, "automation-bonus")
	require.NoError(t, err)
	assert.Equal(t, "evaluated=0 granted=0 skipped=0 failed=0\n", out)
}

func TestTokenCommand(t *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "ledger.db")

	_, err := runCommand(t, databaseURL, "token", "--subject", "web")
	assert.Error(t, err)

	t.Setenv("PROMPTLEDGER_JWT_SIGNING_KEY", "cli-secret")
	out, err := runCommand(t, databaseURL, "token", "--subject", "scheduler", "--role", "cron")
	require.NoError(t, err)

	authenticator, err := auth.NewTokenAuthenticator([]byte("cli-secret"), "promptledger")
	require.NoError(t, err)
	claims, err := authenticator.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "scheduler", claims.Subject)
	assert.True(t, claims.HasRole(auth.RoleCron))
	assert.False(t, claims.HasRole(auth.RoleService))
}

func TestResolveDriver(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	driver, path, err := resolveDriver("postgres://ledger@localhost/ledger")
	require.NoError(t, err)
	assert.Equal(t, driverPostgres, driver)
	assert.Empty(t, path)

	driver, path, err = resolveDriver("sqlite://" + filepath.Join(dir, "nested", "ledger.db"))
	require.NoError(t, err)
	assert.Equal(t, driverSQLite, driver)
	assert.Equal(t, filepath.Join(dir, "nested", "ledger.db"), path)
	assert.DirExists(t, filepath.Join(dir, "nested"))

	driver, path, err = resolveDriver(":memory:")
	require.NoError(t, err)
	assert.Equal(t, driverSQLite, driver)
	assert.Equal(t, ":memory:", path)
}

func TestDefaultPriceTableParses(t *testing.T) {
	t.Parallel()
	table, err := loadPriceTable("")
	require.NoError(t, err)
	model, err := table.Model("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model.ModelID)
}
