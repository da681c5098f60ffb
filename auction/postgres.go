package auction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id VARCHAR(64) PRIMARY KEY,
		seller_id VARCHAR(64) NOT NULL,
		vertical VARCHAR(128) NOT NULL,
		geo_targets TEXT[] NOT NULL DEFAULT '{}',
		reserve_price NUMERIC(16,4) NOT NULL,
		buy_now_price NUMERIC(16,4) NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auctions (
		id VARCHAR(64) PRIMARY KEY,
		listing_id VARCHAR(64) NOT NULL REFERENCES listings(id),
		phase VARCHAR(16) NOT NULL,
		auction_end_at TIMESTAMP WITH TIME ZONE,
		reveal_end_at TIMESTAMP WITH TIME ZONE,
		extension_count INT NOT NULL DEFAULT 0,
		settled BOOLEAN NOT NULL DEFAULT FALSE,
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		claimed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_auctions_phase ON auctions(phase);
	CREATE INDEX IF NOT EXISTS idx_auctions_deadlines ON auctions(auction_end_at, reveal_end_at);

	CREATE TABLE IF NOT EXISTS bids (
		id VARCHAR(64) PRIMARY KEY,
		auction_id VARCHAR(64) NOT NULL REFERENCES auctions(id),
		bidder_id VARCHAR(64) NOT NULL,
		commitment VARCHAR(128) NOT NULL,
		revealed_amount NUMERIC(16,4) NOT NULL DEFAULT 0,
		salt VARCHAR(128) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (auction_id, bidder_id)
	);

	CREATE TABLE IF NOT EXISTS resolutions (
		id VARCHAR(64) PRIMARY KEY,
		auction_id VARCHAR(64) NOT NULL UNIQUE REFERENCES auctions(id),
		outcome VARCHAR(16) NOT NULL,
		winner_id VARCHAR(64) NOT NULL DEFAULT '',
		winning_amount NUMERIC(16,4) NOT NULL DEFAULT 0,
		used_tie_break BOOLEAN NOT NULL DEFAULT FALSE,
		random_value NUMERIC(20,0) NOT NULL DEFAULT 0,
		candidate_bid_ids TEXT[] NOT NULL DEFAULT '{}',
		winner_index INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// CreateListing persists a listing.
func (s *PostgresStore) CreateListing(l *Listing) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, vertical, geo_targets, reserve_price, buy_now_price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.SellerID, l.Vertical, pq.Array(l.GeoTargets), l.ReservePrice, l.BuyNowPrice, string(l.Status))
	return err
}

// GetListing returns a listing by ID.
func (s *PostgresStore) GetListing(id string) (*Listing, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l := &Listing{ID: id}
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT seller_id, vertical, geo_targets, reserve_price, buy_now_price, status
		FROM listings WHERE id = $1`, id).
		Scan(&l.SellerID, &l.Vertical, pq.Array(&l.GeoTargets), &l.ReservePrice, &l.BuyNowPrice, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	l.Status = ListingStatus(status)
	return l, nil
}

// CreateAuction persists a new auction.
func (s *PostgresStore) CreateAuction(a *Auction) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auctions (id, listing_id, phase, auction_end_at, reveal_end_at, extension_count, settled, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ListingID, string(a.Phase), nullableTime(a.AuctionEndAt), nullableTime(a.RevealEndAt),
		a.ExtensionCount, a.Settled, a.Cancelled, a.CreatedAt)
	return err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanAuction(scan func(dest ...any) error) (*Auction, error) {
	a := &Auction{}
	var phase string
	var auctionEnd, revealEnd sql.NullTime
	if err := scan(&a.ID, &a.ListingID, &phase, &auctionEnd, &revealEnd,
		&a.ExtensionCount, &a.Settled, &a.Cancelled, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Phase = Phase(phase)
	if auctionEnd.Valid {
		a.AuctionEndAt = auctionEnd.Time
	}
	if revealEnd.Valid {
		a.RevealEndAt = revealEnd.Time
	}
	return a, nil
}

const auctionColumns = `id, listing_id, phase, auction_end_at, reveal_end_at, extension_count, settled, cancelled, created_at`

// GetAuction returns an auction by ID.
func (s *PostgresStore) GetAuction(id string) (*Auction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	return a, err
}

// UpdateAuction overwrites the mutable fields of an auction record. The
// WHERE clause refuses to touch rows that already reached a terminal state,
// so a stale snapshot racing with the sweep cannot resurrect a settled or
// cancelled auction.
func (s *PostgresStore) UpdateAuction(a *Auction) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE auctions
		SET phase = $2, auction_end_at = $3, reveal_end_at = $4, extension_count = $5, settled = $6, cancelled = $7
		WHERE id = $1 AND settled = FALSE AND cancelled = FALSE`,
		a.ID, string(a.Phase), nullableTime(a.AuctionEndAt), nullableTime(a.RevealEndAt),
		a.ExtensionCount, a.Settled, a.Cancelled)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var terminal bool
		err := s.db.QueryRowContext(ctx, `
			SELECT settled OR cancelled FROM auctions WHERE id = $1`, a.ID).Scan(&terminal)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("auction %s: %w", a.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("auction %s: %w", a.ID, ErrAuctionTerminal)
	}
	return nil
}

// ListDueAuctions returns non-terminal auctions whose governing deadline has
// passed the cutoff.
func (s *PostgresStore) ListDueAuctions(cutoff time.Time) ([]*Auction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auctionColumns+`
		FROM auctions
		WHERE settled = FALSE AND cancelled = FALSE
		  AND ((phase = 'BIDDING' AND auction_end_at IS NOT NULL AND auction_end_at <= $1)
		    OR (phase = 'REVEAL' AND reveal_end_at IS NOT NULL AND reveal_end_at <= $1))`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAuctions(rows)
}

// ListStuckAuctions returns non-terminal auctions missing deadline metadata.
func (s *PostgresStore) ListStuckAuctions() ([]*Auction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auctionColumns+`
		FROM auctions
		WHERE settled = FALSE AND cancelled = FALSE
		  AND ((phase = 'BIDDING' AND auction_end_at IS NULL)
		    OR (phase = 'REVEAL' AND reveal_end_at IS NULL))`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAuctions(rows)
}

func collectAuctions(rows *sql.Rows) ([]*Auction, error) {
	auctions := make([]*Auction, 0)
	for rows.Next() {
		a, err := scanAuction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning auction row: %w", err)
		}
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

// ClaimAuction is the scheduler's atomic claim-if-unclaimed update. The
// single UPDATE guarantees at most one sweep wins the claim even across
// processes.
func (s *PostgresStore) ClaimAuction(id string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE auctions SET claimed = TRUE
		WHERE id = $1 AND claimed = FALSE AND settled = FALSE AND cancelled = FALSE`, id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ReleaseClaim relinquishes a claim after a transient failure.
func (s *PostgresStore) ReleaseClaim(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE auctions SET claimed = FALSE WHERE id = $1`, id)
	return err
}

// InsertBid persists a bid; the (auction_id, bidder_id) unique constraint
// makes the one-commitment-per-bidder rule a single transactional step.
func (s *PostgresStore) InsertBid(b *Bid) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, commitment, revealed_amount, salt, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.AuctionID, b.BidderID, b.Commitment, b.RevealedAmount, b.Salt, string(b.Status), b.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("auction %s bidder %s: %w", b.AuctionID, b.BidderID, ErrDuplicateCommitment)
	}
	return err
}

const bidColumns = `id, auction_id, bidder_id, commitment, revealed_amount, salt, status, created_at`

func scanBid(scan func(dest ...any) error) (*Bid, error) {
	b := &Bid{}
	var status string
	if err := scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Commitment,
		&b.RevealedAmount, &b.Salt, &status, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Status = BidStatus(status)
	return b, nil
}

// GetBid returns a bidder's bid for an auction.
func (s *PostgresStore) GetBid(auctionID, bidderID string) (*Bid, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 AND bidder_id = $2`, auctionID, bidderID)
	b, err := scanBid(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bid for auction %s bidder %s: %w", auctionID, bidderID, ErrNotFound)
	}
	return b, err
}

// UpdateBid overwrites the mutable fields of a bid record.
func (s *PostgresStore) UpdateBid(b *Bid) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE bids SET revealed_amount = $2, salt = $3, status = $4 WHERE id = $1`,
		b.ID, b.RevealedAmount, b.Salt, string(b.Status))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("bid %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

// ListBids returns all bids for an auction in submission order.
func (s *PostgresStore) ListBids(auctionID string) ([]*Bid, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY created_at, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bids := make([]*Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning bid row: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// CreateResolution persists the outcome record; the unique constraint on
// auction_id rejects a second resolution for the same auction.
func (s *PostgresStore) CreateResolution(r *Resolution) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolutions (id, auction_id, outcome, winner_id, winning_amount, used_tie_break, random_value, candidate_bid_ids, winner_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.AuctionID, r.Outcome, r.WinnerID, r.WinningAmount, r.UsedTieBreak,
		fmt.Sprintf("%d", r.RandomValue), pq.Array(r.CandidateBidIDs), r.WinnerIndex, r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("auction %s: %w", r.AuctionID, ErrAlreadyResolved)
	}
	return err
}

// GetResolution returns the resolution for an auction, if any.
func (s *PostgresStore) GetResolution(auctionID string) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := &Resolution{}
	var randomValue string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, auction_id, outcome, winner_id, winning_amount, used_tie_break, random_value, candidate_bid_ids, winner_index, created_at
		FROM resolutions WHERE auction_id = $1`, auctionID).
		Scan(&r.ID, &r.AuctionID, &r.Outcome, &r.WinnerID, &r.WinningAmount,
			&r.UsedTieBreak, &randomValue, pq.Array(&r.CandidateBidIDs), &r.WinnerIndex, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolution for auction %s: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Sscanf(randomValue, "%d", &r.RandomValue); err != nil {
		return nil, fmt.Errorf("parsing random value %q: %w", randomValue, err)
	}
	return r, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
