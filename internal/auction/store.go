package auction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAuctionNotFound indicates the auction or item does not exist.
var ErrAuctionNotFound = errors.New("auction not found")

// ErrBidSuperseded indicates a competing bid at or above the proposed amount
// landed first. Only reachable when another process writes to the same item.
var ErrBidSuperseded = errors.New("bid superseded by a higher bid")

// Store is the persistence collaborator consumed by the bid engine. The
// engine serializes access per item, so implementations only need
// read-your-writes consistency, not their own locking.
type Store interface {
	GetAuctionStatus(ctx context.Context, auctionID string) (Status, error)
	GetItemPricing(ctx context.Context, itemID string) (ItemPricing, error)
	GetCurrentHighestBid(ctx context.Context, itemID string) (amount int64, exists bool, err error)
	IsRegisteredBidder(ctx context.Context, auctionID, userID string) (bool, error)
	CommitBid(ctx context.Context, rec BidRecord) (BidRecord, error)
	ExtendAuction(ctx context.Context, auctionID string, newEndsAt time.Time) error
}

// SQLStore implements Store on top of Postgres.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a Store backed by the given database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetAuctionStatus(ctx context.Context, auctionID string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM auctions WHERE id = $1`, auctionID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAuctionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get auction status: %w", err)
	}
	return Status(status), nil
}

func (s *SQLStore) GetItemPricing(ctx context.Context, itemID string) (ItemPricing, error) {
	var p ItemPricing
	err := s.db.QueryRowContext(ctx,
		`SELECT i.auction_id, i.starting_price, i.bid_increment, a.ends_at
		 FROM auction_items i
		 JOIN auctions a ON a.id = i.auction_id
		 WHERE i.id = $1`, itemID,
	).Scan(&p.AuctionID, &p.StartingPrice, &p.Increment, &p.EndsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ItemPricing{}, ErrAuctionNotFound
	}
	if err != nil {
		return ItemPricing{}, fmt.Errorf("failed to get item pricing: %w", err)
	}
	return p, nil
}

func (s *SQLStore) GetCurrentHighestBid(ctx context.Context, itemID string) (int64, bool, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM bids WHERE auction_item_id = $1 ORDER BY amount DESC LIMIT 1`, itemID,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get highest bid: %w", err)
	}
	return amount, true, nil
}

func (s *SQLStore) IsRegisteredBidder(ctx context.Context, auctionID, userID string) (bool, error) {
	var registered bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM auction_participants WHERE auction_id = $1 AND user_id = $2)`,
		auctionID, userID,
	).Scan(&registered)
	if err != nil {
		return false, fmt.Errorf("failed to check bidder registration: %w", err)
	}
	return registered, nil
}

// CommitBid inserts the bid inside a transaction that locks the item row.
// The in-process engine already serializes per item; the row lock and the
// monotonicity re-check guard against writers in other processes.
func (s *SQLStore) CommitBid(ctx context.Context, rec BidRecord) (BidRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		var itemID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM auction_items WHERE id = $1 FOR UPDATE`, rec.ItemID,
		).Scan(&itemID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAuctionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock item: %w", err)
		}

		var highest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(amount) FROM bids WHERE auction_item_id = $1`, rec.ItemID,
		).Scan(&highest); err != nil {
			return fmt.Errorf("failed to re-read highest bid: %w", err)
		}
		if highest.Valid && rec.Amount <= highest.Int64 {
			return ErrBidSuperseded
		}

		return tx.QueryRowContext(ctx,
			`INSERT INTO bids (id, auction_id, auction_item_id, amount, user_id)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			rec.ID, rec.AuctionID, rec.ItemID, rec.Amount, rec.UserID,
		).Scan(&rec.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, ErrAuctionNotFound) || errors.Is(err, ErrBidSuperseded) {
			return BidRecord{}, err
		}
		return BidRecord{}, fmt.Errorf("failed to commit bid: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) ExtendAuction(ctx context.Context, auctionID string, newEndsAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE auctions SET ends_at = $2 WHERE id = $1`, auctionID, newEndsAt)
	if err != nil {
		return fmt.Errorf("failed to extend auction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to extend auction: %w", err)
	}
	if rows == 0 {
		return ErrAuctionNotFound
	}
	return nil
}
