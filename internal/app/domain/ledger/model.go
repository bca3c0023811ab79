package ledger

import (
	"time"

	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
)

// Balance is a consumer's available, unescrowed funds. A record exists only
// while Available is strictly positive.
type Balance struct {
	Consumer  string
	Available asset.Asset
	UpdatedAt time.Time
}
