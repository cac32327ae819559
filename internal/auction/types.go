package auction

import "time"

// Status is the lifecycle state of an auction. Only ACTIVA auctions accept
// bids; the realtime layer rejects everything else.
type Status string

const (
	StatusPendiente  Status = "PENDIENTE"
	StatusActiva     Status = "ACTIVA"
	StatusCompletada Status = "COMPLETADA"
	StatusCancelada  Status = "CANCELADA"
	StatusEliminada  Status = "ELIMINADA"
)

// Terminal reports whether the status ends the auction for bidders.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompletada, StatusCancelada, StatusEliminada:
		return true
	}
	return false
}

// ItemPricing holds the bidding rules for one auction item. Amounts are in
// minor currency units.
type ItemPricing struct {
	AuctionID     string
	StartingPrice int64
	Increment     int64
	EndsAt        time.Time
}

// BidRecord is a committed bid. Records are immutable once persisted.
type BidRecord struct {
	ID        string
	AuctionID string
	ItemID    string
	Amount    int64
	UserID    string
	UserName  string
	CreatedAt time.Time
}
