package source

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/keibalab/keibasync/internal/racekey"
)

// Client is the production Source backed by the vendor MySQL mirror.
//
// Every fetch runs under WithRetry against a freshly acquired connection,
// so a stalled or dropped vendor link costs one page of retries, never a
// poisoned long-lived connection.
type Client struct {
	connector *Connector
	policy    Policy
	logger    *log.Logger
}

// NewClient creates a vendor client. If logger is nil, a default logger
// writing to stderr is used.
func NewClient(cfg Config, policy Policy, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[source] ", log.LstdFlags)
	}
	return &Client{
		connector: NewConnector(cfg, logger),
		policy:    policy,
		logger:    logger,
	}
}

var _ Source = (*Client)(nil)

// FetchRaces implements Source.FetchRaces.
func (c *Client) FetchRaces(ctx context.Context, after racekey.Key, limit int) ([]RaceRow, error) {
	var out []RaceRow
	err := WithRetry(ctx, c.connector, c.policy, c.logger, "fetch races",
		func(ctx context.Context, conn *Conn) error {
			rows, err := conn.fetchRaces(ctx, afterParam(after), limit)
			if err != nil {
				return err
			}
			out = rows
			return nil
		})
	return out, err
}

// FetchRacesModifiedSince implements Source.FetchRacesModifiedSince.
func (c *Client) FetchRacesModifiedSince(ctx context.Context, since, until time.Time, after racekey.Key, limit int) ([]RaceRow, error) {
	var out []RaceRow
	err := WithRetry(ctx, c.connector, c.policy, c.logger, "fetch modified races",
		func(ctx context.Context, conn *Conn) error {
			rows, err := conn.fetchRacesModifiedSince(ctx, since, until, afterParam(after), limit)
			if err != nil {
				return err
			}
			out = rows
			return nil
		})
	return out, err
}

// FetchEntries implements Source.FetchEntries.
func (c *Client) FetchEntries(ctx context.Context, raceID string) ([]EntryRow, error) {
	var out []EntryRow
	err := WithRetry(ctx, c.connector, c.policy, c.logger, "fetch entries",
		func(ctx context.Context, conn *Conn) error {
			rows, err := conn.fetchEntries(ctx, raceID)
			if err != nil {
				return err
			}
			out = rows
			return nil
		})
	return out, err
}

// FetchResults implements Source.FetchResults.
func (c *Client) FetchResults(ctx context.Context, raceID string) ([]ResultRow, error) {
	var out []ResultRow
	err := WithRetry(ctx, c.connector, c.policy, c.logger, "fetch results",
		func(ctx context.Context, conn *Conn) error {
			rows, err := conn.fetchResults(ctx, raceID)
			if err != nil {
				return err
			}
			out = rows
			return nil
		})
	return out, err
}

// CountRaces implements Source.CountRaces.
func (c *Client) CountRaces(ctx context.Context) (int, error) {
	var count int
	err := WithRetry(ctx, c.connector, c.policy, c.logger, "count races",
		func(ctx context.Context, conn *Conn) error {
			n, err := conn.countRaces(ctx)
			if err != nil {
				return err
			}
			count = n
			return nil
		})
	return count, err
}

// Close implements Source.Close. Connections are per-operation, so there is
// nothing held open between calls.
func (c *Client) Close() error {
	return nil
}

// afterParam renders the keyset cursor; the zero key becomes the empty
// string, which sorts before every real key.
func afterParam(after racekey.Key) string {
	if after.IsZero() {
		return ""
	}
	return after.String()
}
