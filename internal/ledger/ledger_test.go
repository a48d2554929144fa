package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolioTracker/internal/costbasis"
	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ports"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockPositionRepo struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
	findErr   error
	insertErr error
	upsertErr error
	deleteErr error

	// findMiss makes Find report no row even when one is stored, as if
	// another writer created it after the read.
	findMiss  bool
	findDelay time.Duration

	inserts int
	upserts int
	deletes int
}

func newMockPositionRepo() *mockPositionRepo {
	return &mockPositionRepo{positions: make(map[string]*domain.Position)}
}

func key(portfolioID, assetID string) string { return portfolioID + "/" + assetID }

func (m *mockPositionRepo) Find(ctx context.Context, portfolioID, assetID string) (*domain.Position, error) {
	if m.findDelay > 0 {
		time.Sleep(m.findDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.findMiss {
		return nil, nil
	}
	pos, ok := m.positions[key(portfolioID, assetID)]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (m *mockPositionRepo) Insert(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	k := key(pos.PortfolioID, pos.AssetID)
	if existing, ok := m.positions[k]; ok {
		cp := *existing
		return &cp, fmt.Errorf("position %s already exists: %w", k, ports.ErrDuplicateEntry)
	}
	m.inserts++
	stored := *pos
	m.positions[k] = &stored
	cp := stored
	return &cp, nil
}

func (m *mockPositionRepo) Upsert(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.upserts++
	k := key(pos.PortfolioID, pos.AssetID)
	stored := *pos
	if existing, ok := m.positions[k]; ok {
		stored.ID = existing.ID // conflict keeps the first writer's id
	}
	m.positions[k] = &stored
	cp := stored
	return &cp, nil
}

func (m *mockPositionRepo) Delete(ctx context.Context, portfolioID, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletes++
	delete(m.positions, key(portfolioID, assetID))
	return nil
}

func (m *mockPositionRepo) ListForPortfolio(ctx context.Context, portfolioID string) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := []*domain.Position{}
	for _, pos := range m.positions {
		if pos.PortfolioID == portfolioID {
			cp := *pos
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (m *mockPositionRepo) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts + m.upserts
}

func newService(t *testing.T, repo ports.PositionRepository) *Service {
	t.Helper()
	svc, err := New(repo, &mockLogger{})
	require.NoError(t, err)
	return svc
}

func buyTx(qty, price, fees float64) *domain.Transaction {
	return &domain.Transaction{
		ID:          "tx-buy",
		PortfolioID: "p1",
		AssetID:     "AAPL",
		Type:        domain.TransactionBuy,
		Quantity:    qty,
		Price:       price,
		Fees:        fees,
		Date:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:   time.Now().UTC(),
	}
}

func sellTx(qty, price, fees float64) *domain.Transaction {
	tx := buyTx(qty, price, fees)
	tx.ID = "tx-sell"
	tx.Type = domain.TransactionSell
	return tx
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, &mockLogger{})
	assert.Error(t, err)
	_, err = New(newMockPositionRepo(), nil)
	assert.Error(t, err)
}

func TestApply_FirstBuyCreatesPosition(t *testing.T) {
	repo := newMockPositionRepo()
	svc := newService(t, repo)

	pos, err := svc.Apply(context.Background(), buyTx(100, 10, 0))
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.NotEmpty(t, pos.ID)
	assert.InDelta(t, 100.0, pos.Quantity, costbasis.Epsilon)
	assert.InDelta(t, 10.0, pos.AverageCostBasis, costbasis.Epsilon)
	assert.InDelta(t, 1000.0, pos.TotalCostBasis, costbasis.Epsilon)
	assert.Zero(t, pos.RealizedPL)
	assert.Equal(t, 1, repo.inserts)
	assert.Zero(t, repo.upserts, "first buy inserts, it does not upsert")
}

func TestApply_SecondBuyReaverages(t *testing.T) {
	repo := newMockPositionRepo()
	svc := newService(t, repo)
	ctx := context.Background()

	first, err := svc.Apply(ctx, buyTx(100, 10, 0))
	require.NoError(t, err)

	second, err := svc.Apply(ctx, buyTx(50, 20, 0))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same pair must keep one row")
	assert.InDelta(t, 150.0, second.Quantity, costbasis.Epsilon)
	assert.InDelta(t, 2000.0/150.0, second.AverageCostBasis, costbasis.Epsilon)
}

func TestApply_PartialSellKeepsAverage(t *testing.T) {
	repo := newMockPositionRepo()
	svc := newService(t, repo)
	ctx := context.Background()

	_, err := svc.Apply(ctx, buyTx(100, 10, 0))
	require.NoError(t, err)
	_, err = svc.Apply(ctx, buyTx(50, 20, 0))
	require.NoError(t, err)

	pos, err := svc.Apply(ctx, sellTx(100, 15, 0))
	require.NoError(t, err)

	avg := 2000.0 / 150.0
	assert.InDelta(t, 50.0, pos.Quantity, costbasis.Epsilon)
	assert.InDelta(t, avg, pos.AverageCostBasis, costbasis.Epsilon)
	assert.InDelta(t, 100*(15-avg), pos.RealizedPL, 1e-6)
}

func TestApply_SellToZeroDeletesRow(t *testing.T) {
	repo := newMockPositionRepo()
	svc := newService(t, repo)
	ctx := context.Background()

	_, err := svc.Apply(ctx, buyTx(100, 10, 0))
	require.NoError(t, err)

	pos, err := svc.Apply(ctx, sellTx(100, 12, 0))
	require.NoError(t, err)

	assert.Zero(t, pos.Quantity)
	assert.InDelta(t, 200.0, pos.RealizedPL, costbasis.Epsilon)
	assert.Equal(t, 1, repo.deletes)

	stored, err := repo.Find(ctx, "p1", "AAPL")
	require.NoError(t, err)
	assert.Nil(t, stored, "closed position row must not survive")
}

func TestApply_OversellRejectedWithoutMutation(t *testing.T) {
	repo := newMockPositionRepo()
	svc := newService(t, repo)
	ctx := context.Background()

	_, err := svc.Apply(ctx, buyTx(50, 10, 0))
	require.NoError(t, err)
	writesBefore := repo.writes()

	_, err = svc.Apply(ctx, sellTx(60, 10, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrOversell))

	assert.Equal(t, writesBefore, repo.writes())
	assert.Zero(t, repo.deletes)

	stored, err := repo.Find(ctx, "p1", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, 50.0, stored.Quantity, costbasis.Epsilon)
}

func TestApply_SellWithNoPosition(t *testing.T) {
	svc := newService(t, newMockPositionRepo())

	_, err := svc.Apply(context.Background(), sellTx(10, 10, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrPositionNotFound))
}

func TestApply_DividendIsPassThrough(t *testing.T) {
	repo := newMockPositionRepo()
	svc := newService(t, repo)
	ctx := context.Background()

	_, err := svc.Apply(ctx, buyTx(10, 10, 0))
	require.NoError(t, err)
	writesBefore := repo.writes()

	div := buyTx(10, 0.5, 0)
	div.Type = domain.TransactionDividend
	pos, err := svc.Apply(ctx, div)
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.InDelta(t, 10.0, pos.Quantity, costbasis.Epsilon)
	assert.Equal(t, writesBefore, repo.writes(), "dividends must not write positions")
}

func TestApply_ValidationErrors(t *testing.T) {
	svc := newService(t, newMockPositionRepo())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.Transaction)
	}{
		{"zero quantity", func(tx *domain.Transaction) { tx.Quantity = 0 }},
		{"negative quantity", func(tx *domain.Transaction) { tx.Quantity = -5 }},
		{"negative price", func(tx *domain.Transaction) { tx.Price = -1 }},
		{"negative fees", func(tx *domain.Transaction) { tx.Fees = -0.5 }},
		{"unknown type", func(tx *domain.Transaction) { tx.Type = "split" }},
		{"missing portfolio", func(tx *domain.Transaction) { tx.PortfolioID = "" }},
		{"missing asset", func(tx *domain.Transaction) { tx.AssetID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := buyTx(10, 10, 0)
			tt.mutate(tx)
			_, err := svc.Apply(ctx, tx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ports.ErrInvalidRequest))
		})
	}
}

func TestApply_StoreErrorsPropagate(t *testing.T) {
	storeErr := errors.New("disk on fire")

	repo := newMockPositionRepo()
	repo.findErr = storeErr
	svc := newService(t, repo)
	_, err := svc.Apply(context.Background(), buyTx(10, 10, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storeErr))

	repo = newMockPositionRepo()
	repo.insertErr = storeErr
	svc = newService(t, repo)
	_, err = svc.Apply(context.Background(), buyTx(10, 10, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storeErr))
}

func TestApply_ReopenAfterFullExit(t *testing.T) {
	repo := newMockPositionRepo()
	svc := newService(t, repo)
	ctx := context.Background()

	_, err := svc.Apply(ctx, buyTx(10, 10, 0))
	require.NoError(t, err)
	closed, err := svc.Apply(ctx, sellTx(10, 15, 0))
	require.NoError(t, err)

	reopened, err := svc.Apply(ctx, buyTx(4, 20, 0))
	require.NoError(t, err)

	assert.NotEqual(t, closed.ID, reopened.ID, "a fresh lot gets a fresh row")
	assert.InDelta(t, 4.0, reopened.Quantity, costbasis.Epsilon)
	assert.InDelta(t, 20.0, reopened.AverageCostBasis, costbasis.Epsilon)
	// Realized P/L of the prior lot lives only in the transaction history now.
	assert.Zero(t, reopened.RealizedPL)
}

func TestApply_CreationConflictRefoldsAgainstWinner(t *testing.T) {
	repo := newMockPositionRepo()
	// The winner's row exists but is invisible to the initial read, as if a
	// writer in another process landed between the read and the insert.
	repo.positions[key("p1", "AAPL")] = &domain.Position{
		ID:          "pos-winner",
		PortfolioID: "p1", AssetID: "AAPL",
		Quantity: 10, AverageCostBasis: 10, TotalCostBasis: 100,
		OpenDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	repo.findMiss = true
	svc := newService(t, repo)

	pos, err := svc.Apply(context.Background(), buyTx(10, 20, 0))
	require.NoError(t, err)

	assert.Equal(t, "pos-winner", pos.ID, "loser adopts the surviving row")
	assert.InDelta(t, 20.0, pos.Quantity, costbasis.Epsilon, "both buys must land")
	assert.InDelta(t, 15.0, pos.AverageCostBasis, costbasis.Epsilon)
	assert.InDelta(t, 300.0, pos.TotalCostBasis, costbasis.Epsilon)
}

func TestApply_ConcurrentFirstBuysBothLand(t *testing.T) {
	repo := newMockPositionRepo()
	repo.findDelay = 5 * time.Millisecond // widen the read-modify-write window
	svc := newService(t, repo)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Apply(context.Background(), buyTx(10, 10, 0))
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	pos, err := repo.Find(context.Background(), "p1", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 20.0, pos.Quantity, costbasis.Epsilon, "neither racing buy may be lost")
	assert.InDelta(t, 200.0, pos.TotalCostBasis, costbasis.Epsilon)
}
