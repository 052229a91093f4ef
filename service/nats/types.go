package nats

import "time"

// PurchaseEvent is published to "purchases.{buyer_address}" once a token
// transfer is confirmed.
type PurchaseEvent struct {
	Signature    string `json:"signature"`
	BuyerAddress string `json:"buyer_address"`
	TokenMint    string `json:"token_mint"`

	// Decimal strings, never floats.
	PaidAmount     string `json:"paid_amount"`
	ReferenceQuote string `json:"reference_quote"`
	TokenQuantity  int64  `json:"token_quantity"`

	ComputeUnits        uint32 `json:"compute_units"`
	MicroLamports       uint64 `json:"micro_lamports"`
	Endpoint            string `json:"endpoint"`
	CreatedBuyerAccount bool   `json:"created_buyer_account"`

	ConfirmedAt time.Time `json:"confirmed_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *PurchaseEvent) Subject() string {
	return SubjectPrefix + e.BuyerAddress
}
