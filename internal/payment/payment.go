package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Payment is a payment request as it travels through the queue. RequestedAt
// stays zero until the payment is stamped for a dispatch attempt.
type Payment struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
	RequestedAt   time.Time       `json:"requestedAt,omitzero"`
}

// Stamped returns a copy of the payment carrying the dispatch timestamp.
func (p Payment) Stamped(at time.Time) Payment {
	p.RequestedAt = at.UTC()
	return p
}

// Totals is the accounting of one processor.
type Totals struct {
	TotalRequests int64           `json:"totalRequests"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

// Summary is the response of the payments summary query.
type Summary struct {
	Default  Totals `json:"default"`
	Fallback Totals `json:"fallback"`
}
