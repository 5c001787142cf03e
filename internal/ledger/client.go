package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"chainvault/internal/models"
	"chainvault/internal/throttle"
)

// Result is the outcome of checking a receipt against a digest and the ledger.
type Result string

const (
	ResultValid   Result = "valid"
	ResultInvalid Result = "invalid"
	ResultStale   Result = "stale"
)

// ClientConfig tunes commit concurrency, polling and retries.
type ClientConfig struct {
	MaxConcurrent   int
	QueueDepth      int
	PollInterval    time.Duration
	FinalizeTimeout time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	MaxRetries      uint64
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.QueueDepth < 0 {
		c.QueueDepth = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	return c
}

// Client commits digests to a Ledger and verifies receipts. Submissions
// abandoned by a cancelled caller stay outstanding and are resumed by a
// later Commit of the same digest or collected by Reconcile.
type Client struct {
	ledger Ledger
	cfg    ClientConfig
	gate   *throttle.Gate
	logger *slog.Logger

	mu          sync.Mutex
	outstanding map[string]outstandingSubmission
}

type outstandingSubmission struct {
	ID          string
	SubmittedAt time.Time
}

// NewClient wraps l.
func NewClient(l Ledger, cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ledger:      l,
		cfg:         cfg,
		gate:        throttle.NewGate("anchor commits", cfg.MaxConcurrent, cfg.QueueDepth),
		logger:      logger.With("component", "anchor_client", "ledger", l.Name()),
		outstanding: make(map[string]outstandingSubmission),
	}
}

// LedgerName returns the backend name recorded in receipts.
func (c *Client) LedgerName() string {
	return c.ledger.Name()
}

// Head returns the ledger's current canonical checkpoint.
func (c *Client) Head(ctx context.Context) (Checkpoint, error) {
	var head Checkpoint
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		head, err = c.ledger.Head(ctx)
		return err
	})
	return head, err
}

// Commit anchors digest and waits for a finalized receipt. Malformed digests
// and ledger rejections fail with ErrRejected. When retries or the finalize
// timeout run out the error wraps models.ErrAnchorPending and the
// submission stays outstanding.
func (c *Client) Commit(ctx context.Context, digest string) (models.AnchorReceipt, error) {
	normalized, err := models.NormalizeDigest(digest)
	if err != nil {
		return models.AnchorReceipt{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	if err := c.gate.Acquire(ctx); err != nil {
		return models.AnchorReceipt{}, err
	}
	defer c.gate.Release()

	if id, ok := c.lookupOutstanding(normalized); ok {
		c.logger.Debug("resuming outstanding submission", "digest", normalized, "submission_id", id)
		receipt, err := c.await(ctx, normalized, id)
		if !errors.Is(err, ErrRejected) {
			return receipt, err
		}
		// Only a dropped block rejects a well-formed digest; submit it again.
		c.logger.Info("outstanding submission dropped, resubmitting", "digest", normalized, "submission_id", id, "error", err)
	}

	var id string
	err = c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		id, err = c.ledger.Submit(ctx, normalized)
		return err
	})
	if err != nil {
		return models.AnchorReceipt{}, c.commitError(ctx, normalized, err)
	}
	c.remember(normalized, id)

	return c.await(ctx, normalized, id)
}

func (c *Client) await(ctx context.Context, digest, id string) (models.AnchorReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var sub Submission
		err := c.withRetry(waitCtx, func(ctx context.Context) error {
			var err error
			sub, err = c.ledger.Status(ctx, id)
			return err
		})
		if err == nil {
			receipt, done, err := c.settle(digest, sub)
			if done {
				return receipt, err
			}
		} else if errors.Is(err, ErrUnknownSubmission) {
			c.forget(digest, id)
			return models.AnchorReceipt{}, fmt.Errorf("%w: %w", models.ErrAnchorPending, err)
		} else if ctx.Err() == nil && waitCtx.Err() == nil {
			return models.AnchorReceipt{}, c.commitError(ctx, digest, err)
		}

		select {
		case <-ctx.Done():
			return models.AnchorReceipt{}, ctx.Err()
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return models.AnchorReceipt{}, ctx.Err()
			}
			c.logger.Warn("anchor not finalized before timeout", "digest", digest, "submission_id", id, "timeout", c.cfg.FinalizeTimeout)
			return models.AnchorReceipt{}, fmt.Errorf("%w: not finalized within %s", models.ErrAnchorPending, c.cfg.FinalizeTimeout)
		case <-ticker.C:
		}
	}
}

// settle interprets one status answer. done is false while still pending.
func (c *Client) settle(digest string, sub Submission) (models.AnchorReceipt, bool, error) {
	switch sub.State {
	case StateFinalized:
		c.forget(digest, sub.ID)
		receipt := sub.Receipt(c.ledger.Name())
		if err := VerifyProof(receipt, digest); err != nil {
			c.logger.Error("ledger returned an invalid proof", "digest", digest, "submission_id", sub.ID, "error", err)
			return models.AnchorReceipt{}, true, fmt.Errorf("%w: %w", models.ErrInvalidReceipt, err)
		}
		return receipt, true, nil
	case StateRejected:
		c.forget(digest, sub.ID)
		return models.AnchorReceipt{}, true, fmt.Errorf("%w: %s", ErrRejected, sub.Reason)
	default:
		return models.AnchorReceipt{}, false, nil
	}
}

func (c *Client) commitError(ctx context.Context, digest string, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrRejected):
		return err
	case errors.Is(err, ErrUnavailable):
		c.logger.Warn("anchor retry budget exhausted", "digest", digest, "error", err)
		return fmt.Errorf("%w: %w", models.ErrAnchorPending, err)
	default:
		return err
	}
}

// Reconcile polls every outstanding submission once and returns the
// receipts that finalized, keyed by digest.
func (c *Client) Reconcile(ctx context.Context) (map[string]models.AnchorReceipt, error) {
	c.mu.Lock()
	snapshot := make(map[string]outstandingSubmission, len(c.outstanding))
	for digest, sub := range c.outstanding {
		snapshot[digest] = sub
	}
	c.mu.Unlock()

	resolved := make(map[string]models.AnchorReceipt)
	var errs []error
	for digest, pending := range snapshot {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		sub, err := c.ledger.Status(ctx, pending.ID)
		if errors.Is(err, ErrUnknownSubmission) {
			c.forget(digest, pending.ID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("status %s: %w", pending.ID, err))
			continue
		}
		receipt, done, err := c.settle(digest, sub)
		if !done {
			continue
		}
		if err != nil {
			c.logger.Warn("outstanding submission failed", "digest", digest, "submission_id", pending.ID, "error", err)
			continue
		}
		resolved[digest] = receipt
	}
	return resolved, errors.Join(errs...)
}

// Outstanding reports how many submissions await a final answer.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

// Verify checks receipt against digest locally, then asks the ledger
// whether the receipt's root is still canonical.
func (c *Client) Verify(ctx context.Context, receipt models.AnchorReceipt, digest string) (Result, error) {
	if err := VerifyProof(receipt, digest); err != nil {
		return ResultInvalid, nil
	}
	var canonical bool
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		canonical, err = c.ledger.IsCanonical(ctx, receipt.Root, receipt.LedgerHeight)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("check canonical root: %w", err)
	}
	if !canonical {
		return ResultStale, nil
	}
	return ResultValid, nil
}

func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(c.cfg.RetryBase)
	backoff = retry.WithCappedDuration(c.cfg.RetryMax, backoff)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithMaxRetries(c.cfg.MaxRetries, backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && errors.Is(err, ErrUnavailable) {
			c.logger.Debug("ledger unavailable, retrying", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) lookupOutstanding(digest string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.outstanding[digest]
	return sub.ID, ok
}

func (c *Client) remember(digest, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding[digest] = outstandingSubmission{ID: id, SubmittedAt: time.Now().UTC()}
}

func (c *Client) forget(digest, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.outstanding[digest]; ok && sub.ID == id {
		delete(c.outstanding, digest)
	}
}
