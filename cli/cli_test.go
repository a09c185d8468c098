package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/store/sqlite"
)

// seedDB creates a database file with a funded agency and two csv cards.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "credit.db")
	require.NoError(t, ensureDir(path))
	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	engine := credit.NewEngine(store)
	_, err = engine.CreateAccount(ctx, credit.NewAccount{ID: "platform", Type: credit.AccountPlatform, Name: "Platform"})
	require.NoError(t, err)
	_, err = engine.CreateAccount(ctx, credit.NewAccount{ID: "agency-a", Type: credit.AccountAgency, ParentID: "platform", Name: "Agency A"})
	require.NoError(t, err)
	_, err = engine.Purchase(ctx, credit.PurchaseRequest{AccountID: "platform", Amount: decimal.NewFromInt(500), PaymentMethod: "wire"})
	require.NoError(t, err)
	_, err = engine.Allocate(ctx, credit.AllocateRequest{From: "platform", To: "agency-a", Amount: decimal.NewFromInt(120)})
	require.NoError(t, err)

	require.NoError(t, store.SaveBrand(ctx, inventory.Brand{ID: "amazon", Name: "Amazon", Enabled: true}))
	ten := decimal.NewFromInt(10)
	require.NoError(t, store.AddUnits(ctx, []inventory.Unit{
		{ID: "u1", BrandID: "amazon", Denomination: ten, Pool: inventory.PoolCSV, CardCode: "A1", CostBasis: ten},
		{ID: "u2", BrandID: "amazon", Denomination: ten, Pool: inventory.PoolCSV, CardCode: "A2", CostBasis: ten},
	}))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBalanceCommand(t *testing.T) {
	// GIVEN: A funded agency
	db := seedDB(t)

	// WHEN: Its balance is printed
	out, err := execute(t, "balance", "agency-a", "--db", db)

	// THEN: The statement shows the allocation
	require.NoError(t, err)
	assert.Contains(t, out, "agency-a (agency, active)")
	assert.Regexp(t, `Balance:\s+120\.00`, out)
	assert.Regexp(t, `Allocated in:\s+120\.00`, out)
	assert.Regexp(t, `Transactions:\s+1`, out)
}

func TestBalanceCommand_UnknownAccount(t *testing.T) {
	db := seedDB(t)
	_, err := execute(t, "balance", "nobody", "--db", db)
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
}

func TestBalanceCommand_RequiresAccount(t *testing.T) {
	_, err := execute(t, "balance")
	assert.Error(t, err)
}

func TestHealthCommand_JSON(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "health", "--json", "--db", db)
	require.NoError(t, err)

	var rows []healthRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, healthRow{
		Pool: "csv", BrandID: "amazon", Denomination: "10.00",
		Available: 2, Total: 2, AvailabilityPercentage: 100, Status: "critical",
	}, rows[0])
}

func TestHealthCommand_Table(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "health", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "POOL")
	assert.Regexp(t, `csv\s+amazon\s+10\.00\s+2\s+2\s+100\.00\s+critical`, out)
}

func TestRootCommand_RejectsBadConfigFile(t *testing.T) {
	_, err := execute(t, "health", "--config", filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "missing.toml")
}

func TestBuild_ServesHealthz(t *testing.T) {
	// GIVEN: Defaults with an in-memory database and no external services
	cfg := config.Default()
	cfg.Database.Path = ":memory:"

	app, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	// WHEN: The router answers a liveness check
	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// THEN: The store is reachable and every maintenance job is scheduled
	assert.Equal(t, http.StatusOK, rr.Code)
	for _, job := range []string{"health_refresh", "expire_units", "reconcile"} {
		assert.NoError(t, app.Scheduler().RunNow(context.Background(), job), job)
	}
}
