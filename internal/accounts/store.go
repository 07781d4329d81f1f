// Package accounts is the in-memory account data source the HTTP boundary
// reads snapshots, tax lots, and purchase history from. A production
// deployment would back this with the custodian's book-of-record feed; the
// store keeps the same read surface.
package accounts

import (
	"sync"
	"time"

	"github.com/quantfolio/advisor/internal/portfolio"
	"github.com/quantfolio/advisor/internal/washsale"
)

// DefaultPortfolioID is the account used when a request names none.
const DefaultPortfolioID = "default"

// Store holds per-portfolio market data. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]portfolio.Snapshot
	lots      map[string][]portfolio.TaxLot
	purchases map[string][]washsale.Purchase
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		snapshots: make(map[string]portfolio.Snapshot),
		lots:      make(map[string][]portfolio.TaxLot),
		purchases: make(map[string][]washsale.Purchase),
	}
}

// PutSnapshot stores a snapshot keyed by its portfolio ID.
func (s *Store) PutSnapshot(snap portfolio.Snapshot) {
	s.mu.Lock()
	s.snapshots[snap.PortfolioID] = snap
	s.mu.Unlock()
}

// Snapshot returns the stored snapshot for the portfolio, if any.
func (s *Store) Snapshot(portfolioID string) (portfolio.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[portfolioID]
	return snap, ok
}

// PutLots replaces the portfolio's tax lots.
func (s *Store) PutLots(portfolioID string, lots []portfolio.TaxLot) {
	s.mu.Lock()
	s.lots[portfolioID] = append([]portfolio.TaxLot(nil), lots...)
	s.mu.Unlock()
}

// Lots returns a copy of the portfolio's tax lots.
func (s *Store) Lots(portfolioID string) []portfolio.TaxLot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]portfolio.TaxLot(nil), s.lots[portfolioID]...)
}

// PutPurchases replaces the portfolio's recent purchase history.
func (s *Store) PutPurchases(portfolioID string, purchases []washsale.Purchase) {
	s.mu.Lock()
	s.purchases[portfolioID] = append([]washsale.Purchase(nil), purchases...)
	s.mu.Unlock()
}

// Purchases returns a copy of the portfolio's recent purchase history.
func (s *Store) Purchases(portfolioID string) []washsale.Purchase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]washsale.Purchase(nil), s.purchases[portfolioID]...)
}

// SeedSample loads the demo account: a $100k portfolio at a 60/30/8/2
// allocation, a handful of losing lots, and one recent purchase that puts
// an index fund inside the wash-sale window.
func SeedSample(s *Store) {
	now := time.Now().UTC()

	s.PutSnapshot(portfolio.Snapshot{
		PortfolioID: DefaultPortfolioID,
		Holdings: []portfolio.Holding{
			{Asset: "AAPL", AssetClass: "stocks", Value: 25000},
			{Asset: "MSFT", AssetClass: "stocks", Value: 20000},
			{Asset: "GOOGL", AssetClass: "stocks", Value: 15000},
			{Asset: "BND", AssetClass: "bonds", Value: 20000},
			{Asset: "TLT", AssetClass: "bonds", Value: 10000},
			{Asset: "CASH", AssetClass: "cash", Value: 8000},
			{Asset: "GLD", AssetClass: "alternatives", Value: 2000},
		},
		TotalValue: 100000,
		TakenAt:    now,
	})

	s.PutLots(DefaultPortfolioID, []portfolio.TaxLot{
		{LotID: "lot_vti_1", Asset: "VTI", Quantity: 40, PurchasePrice: 245, CurrentPrice: 220, PurchaseDate: now.AddDate(-2, 0, 0)},
		{LotID: "lot_aapl_1", Asset: "AAPL", Quantity: 30, PurchasePrice: 210, CurrentPrice: 195, PurchaseDate: now.AddDate(0, -6, 0)},
		{LotID: "lot_bnd_1", Asset: "BND", Quantity: 120, PurchasePrice: 78, CurrentPrice: 72, PurchaseDate: now.AddDate(-1, -2, 0)},
		{LotID: "lot_gld_1", Asset: "GLD", Quantity: 10, PurchasePrice: 185, CurrentPrice: 192, PurchaseDate: now.AddDate(0, -3, 0)},
	})

	s.PutPurchases(DefaultPortfolioID, []washsale.Purchase{
		{Asset: "ITOT", Date: now.AddDate(0, 0, -12)},
	})
}
