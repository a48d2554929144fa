package domain

import "time"

// Position is the current holding for one (portfolio, asset) pair. There is
// at most one row per pair and it exists only while quantity is above zero:
// a position that sells down to zero is deleted, and recreated with a fresh
// open date if trading resumes.
type Position struct {
	ID               string    // ULID assigned at creation
	PortfolioID      string    // Owning portfolio
	AssetID          string    // Held asset
	Quantity         float64   // Units currently held, > 0 for a stored row
	AverageCostBasis float64   // Blended per-unit cost of the held units
	TotalCostBasis   float64   // Quantity * AverageCostBasis, within tolerance
	RealizedPL       float64   // Cumulative realized profit/loss from sells
	OpenDate         time.Time // Date of the earliest transaction in the current lot
	UpdatedAt        time.Time // Last write time
}
