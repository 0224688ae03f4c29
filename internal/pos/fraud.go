package pos

import (
	"time"

	"github.com/shopspring/decimal"
)

// Shadow is the minimal proof-of-sale sent the moment a sale completes,
// independently of the full transaction. A shadow that never becomes
// Confirmed is the server's signal that local evidence was destroyed.
type Shadow struct {
	SaleID        string          `json:"sale_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	InstallID     string          `json:"install_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Confirmed     bool            `json:"full_sale_confirmed"`
}

// Heartbeat is a point-in-time report of device identity and queue depth.
// It is write-only from the device's point of view.
type Heartbeat struct {
	UserID              string    `json:"user_id"`
	InstallID           string    `json:"install_id"`
	PendingTransactions int       `json:"pending_transactions"`
	PendingMutations    int       `json:"pending_mutations"`
	AppVersion          string    `json:"app_version"`
	At                  time.Time `json:"at"`
}
