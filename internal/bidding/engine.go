package bidding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/subastahub/liveauction/internal/auction"
)

// Proposal is an ephemeral bid submission. It is validated and either
// promoted to a BidRecord or discarded.
type Proposal struct {
	TenantID  string
	AuctionID string
	ItemID    string
	Amount    int64
	RequestID string
	UserID    string
	UserName  string
}

// Extension describes a soft-close end-time extension triggered by a
// committed bid.
type Extension struct {
	AuctionID        string
	NewEndTime       time.Time
	ExtensionSeconds int
}

// Result is the outcome of a committed proposal. Extension is non-nil only
// when the commit landed inside the soft-close window and the auction end
// was pushed out.
type Result struct {
	Bid       auction.BidRecord
	Extension *Extension
}

// Config holds bidding tunables.
type Config struct {
	// SoftCloseWindow is the trailing window before the auction end in
	// which a committed bid extends the auction. Zero disables soft close.
	SoftCloseWindow time.Duration
	// SoftCloseExtension is how far the end time is pushed out.
	SoftCloseExtension time.Duration
}

// DefaultConfig returns the default bidding configuration.
func DefaultConfig() Config {
	return Config{
		SoftCloseWindow:    30 * time.Second,
		SoftCloseExtension: 60 * time.Second,
	}
}

// Engine validates and commits bid proposals. Proposals for the same item
// are serialized through a per-item mutex so no two proposals can observe
// the same base price and both commit; proposals for different items run in
// parallel.
type Engine struct {
	store auction.Store
	clock clockwork.Clock
	cfg   Config

	locks sync.Map // itemID -> *sync.Mutex
}

// NewEngine creates a bid engine over the given store.
func NewEngine(store auction.Store, cfg Config) *Engine {
	return &Engine{
		store: store,
		clock: clockwork.NewRealClock(),
		cfg:   cfg,
	}
}

// WithClock replaces the engine clock. Intended for tests with fake clocks.
func (e *Engine) WithClock(clock clockwork.Clock) *Engine {
	e.clock = clock
	return e
}

// PlaceBid validates and commits a proposal. On refusal it returns a
// *RejectionError; the caller reports it to the sender only. A rejected
// proposal never advances the item price.
func (e *Engine) PlaceBid(ctx context.Context, p Proposal) (*Result, error) {
	pricing, err := e.store.GetItemPricing(ctx, p.ItemID)
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotFound) {
			return nil, reject(CodeAuctionNotFound)
		}
		return nil, rejectInternal(err)
	}
	// The item must belong to the auction the client named.
	if pricing.AuctionID != p.AuctionID {
		return nil, reject(CodeAuctionNotFound)
	}

	status, err := e.store.GetAuctionStatus(ctx, p.AuctionID)
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotFound) {
			return nil, reject(CodeAuctionNotFound)
		}
		return nil, rejectInternal(err)
	}
	if status != auction.StatusActiva {
		return nil, reject(CodeAuctionClosed)
	}

	registered, err := e.store.IsRegisteredBidder(ctx, p.AuctionID, p.UserID)
	if err != nil {
		return nil, rejectInternal(err)
	}
	if !registered {
		return nil, reject(CodeNotRegistered)
	}

	// Critical section: the read of the current highest bid and the write
	// of the new record must not interleave with another proposal for the
	// same item.
	lock := e.itemLock(p.ItemID)
	lock.Lock()
	defer lock.Unlock()

	highest, hasBid, err := e.store.GetCurrentHighestBid(ctx, p.ItemID)
	if err != nil {
		return nil, rejectInternal(err)
	}

	base := pricing.StartingPrice
	minimumBid := base
	if hasBid {
		base = highest
		minimumBid = base + pricing.Increment
	}

	// Off-grid amounts report NOT_MULTIPLE even when they are also under
	// the floor; the hint is the next grid step above the proposal, never
	// below the minimum.
	if (p.Amount-base)%pricing.Increment != 0 {
		steps := (p.Amount-base)/pricing.Increment + 1
		nextValid := base + steps*pricing.Increment
		if nextValid < minimumBid {
			nextValid = minimumBid
		}
		return nil, rejectPricing(CodeNotMultiple, ReasonNotMultiple, nextValid)
	}
	if p.Amount < minimumBid {
		return nil, rejectPricing(CodeBidTooLow, ReasonBelowMin, minimumBid)
	}

	rec, err := e.store.CommitBid(ctx, auction.BidRecord{
		AuctionID: p.AuctionID,
		ItemID:    p.ItemID,
		Amount:    p.Amount,
		UserID:    p.UserID,
		UserName:  p.UserName,
	})
	if err != nil {
		// A superseding write can only come from another process; report it
		// like any other losing race, with the best hint available.
		if errors.Is(err, auction.ErrBidSuperseded) {
			return nil, rejectPricing(CodeBidTooLow, ReasonBelowMin, minimumBid)
		}
		// No record, no price advance; the next proposal re-reads the
		// unchanged base.
		return nil, rejectInternal(fmt.Errorf("commit bid: %w", err))
	}

	result := &Result{Bid: rec}
	result.Extension = e.maybeExtend(ctx, p.ItemID)

	log.Info().
		Str("bid_id", rec.ID).
		Str("auction_id", p.AuctionID).
		Str("item_id", p.ItemID).
		Int64("amount", p.Amount).
		Str("user_id", p.UserID).
		Msg("bid committed")

	return result, nil
}

// maybeExtend applies the soft-close rule after a successful commit. It runs
// inside the item critical section and re-reads the pricing so an extension
// applied by an earlier bid is observed. The extension only exists if the
// triggering bid was committed.
func (e *Engine) maybeExtend(ctx context.Context, itemID string) *Extension {
	if e.cfg.SoftCloseWindow <= 0 {
		return nil
	}
	pricing, err := e.store.GetItemPricing(ctx, itemID)
	if err != nil {
		log.Error().Err(err).Str("item_id", itemID).Msg("failed to re-read pricing for soft close")
		return nil
	}
	if pricing.EndsAt.IsZero() {
		return nil
	}
	now := e.clock.Now()
	if now.After(pricing.EndsAt) || pricing.EndsAt.Sub(now) > e.cfg.SoftCloseWindow {
		return nil
	}

	newEnd := pricing.EndsAt.Add(e.cfg.SoftCloseExtension)
	if err := e.store.ExtendAuction(ctx, pricing.AuctionID, newEnd); err != nil {
		log.Error().Err(err).
			Str("auction_id", pricing.AuctionID).
			Msg("failed to extend auction end time")
		return nil
	}

	log.Info().
		Str("auction_id", pricing.AuctionID).
		Time("new_end_time", newEnd).
		Msg("auction end time extended")

	return &Extension{
		AuctionID:        pricing.AuctionID,
		NewEndTime:       newEnd,
		ExtensionSeconds: int(e.cfg.SoftCloseExtension / time.Second),
	}
}

func (e *Engine) itemLock(itemID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(itemID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
