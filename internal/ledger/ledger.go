// Package ledger implements the idempotency ledger: one durable outcome per
// accepted idempotency key, replayed verbatim on retry.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ordo/internal/logger"
	"ordo/internal/store"
	"ordo/internal/types"
)

const DefaultTTL = 24 * time.Hour

// Operation labels which lifecycle call claimed a key; conflicts report it so
// the client learns what the key was first spent on.
const (
	OpCreate = "CREATE"
	OpAmend  = "AMEND"
	OpCancel = "CANCEL"
	OpClose  = "CLOSE"
)

// Storage is the slice of the store the ledger needs.
type Storage interface {
	SaveIdempotency(ctx context.Context, rec *store.IdempotencyRecord) error
	FindIdempotency(ctx context.Context, key string) (*store.IdempotencyRecord, error)
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

type Ledger struct {
	storage Storage
	ttl     time.Duration
	nowFn   func() time.Time
}

func New(storage Storage, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{storage: storage, ttl: ttl, nowFn: time.Now}
}

// Decision is the outcome of consulting the ledger for a key.
type Decision int

const (
	// DecisionProceed means the key is unseen and the request may execute.
	DecisionProceed Decision = iota
	// DecisionReplay means the stored outcome must be returned verbatim.
	DecisionReplay
	// DecisionConflict means the key was reused with a different payload or
	// by a different operation.
	DecisionConflict
)

// Check consults the ledger. On DecisionReplay the stored CreateResult is
// returned; on DecisionConflict the returned string names the operation that
// first spent the key. Expired records are treated as unseen.
func (l *Ledger) Check(ctx context.Context, key, op, requestHash string) (Decision, *types.CreateResult, string, error) {
	rec, err := l.storage.FindIdempotency(ctx, key)
	if err == store.ErrNotFound {
		return DecisionProceed, nil, "", nil
	}
	if err != nil {
		return DecisionProceed, nil, "", fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	if l.nowFn().After(rec.ExpiresAt) {
		return DecisionProceed, nil, "", nil
	}
	if rec.Operation != op || rec.RequestHash != requestHash {
		prior := rec.Operation
		if prior == "" {
			prior = op
		}
		return DecisionConflict, nil, prior, nil
	}
	var out types.CreateResult
	if err := json.Unmarshal(rec.Outcome, &out); err != nil {
		return DecisionProceed, nil, "", fmt.Errorf("ledger outcome %s: %w", key, err)
	}
	return DecisionReplay, &out, "", nil
}

// Store records a terminal successful outcome. Failed attempts are never
// stored so the client may retry the same key.
func (l *Ledger) Store(ctx context.Context, key, op, requestHash string, result *types.CreateResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := l.nowFn()
	return l.storage.SaveIdempotency(ctx, &store.IdempotencyRecord{
		Key:         key,
		Operation:   op,
		RequestHash: requestHash,
		Outcome:     raw,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	})
}

// RunCleanup purges expired records on the given interval until ctx ends.
func (l *Ledger) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.storage.PurgeExpiredIdempotency(ctx, l.nowFn())
			if err != nil {
				logger.Warnf("ledger cleanup: %v", err)
				continue
			}
			if n > 0 {
				logger.Debugf("ledger cleanup: purged %d expired keys", n)
			}
		}
	}
}

// HashRequest produces the canonical digest of a request body. Key order and
// whitespace do not affect the digest; field values do.
func HashRequest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canon, err := canonicalJSON(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON renders a decoded JSON value with object keys sorted. Go's
// map marshalling already sorts keys; this keeps nested arrays intact.
func canonicalJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := canonicalJSON(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalJSON(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(t)
	}
}
