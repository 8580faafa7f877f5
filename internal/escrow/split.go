package escrow

import "github.com/holiman/uint256"

// Dispute percentage bounds.
const (
	MinDisputePercent = 0
	MaxDisputePercent = 100
)

// SplitDispute divides amount between purchaser and merchant. The purchaser
// share is floor(amount*percent/100) and the merchant receives the rest, so
// the two always sum to amount. The product is computed in 256 bits.
func SplitDispute(amount, percent uint64) (purchaser, merchant uint64, err error) {
	if percent > MaxDisputePercent {
		return 0, 0, ErrInvalidAmount
	}
	share := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(percent))
	share.Div(share, uint256.NewInt(100))
	purchaser = share.Uint64()
	return purchaser, amount - purchaser, nil
}
