package presale

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// FixedUnitPrice is the USD price of one token.
var FixedUnitPrice = decimal.RequireFromString("0.01")

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// TokenQuantity returns floor(paid * quote / FixedUnitPrice). The result can
// be zero or negative; callers decide what that means. A result past int64
// is ErrInvalidInput.
func TokenQuantity(paid, quote decimal.Decimal) (int64, error) {
	q := paid.Mul(quote).Div(FixedUnitPrice).Floor()
	if q.GreaterThan(maxQuantity) {
		return 0, fmt.Errorf("%w: %s tokens overflows int64", ErrInvalidInput, q)
	}
	return q.IntPart(), nil
}
