package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/metrics"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
)

const abortedDetail = "aborted: audit store unavailable"

type entryStore interface {
	Insert(ctx context.Context, entry Entry) error
	Complete(ctx context.Context, entry Entry) error
	Restore(ctx context.Context, entry Entry) error
	FindByIdempotencyKey(ctx context.Context, key string) ([]Entry, error)
}

// LedgerDeps wires the ledger's collaborators.
type LedgerDeps struct {
	Store    entryStore
	Fallback *FallbackLog
	Metrics  metrics.Recorder
	Logger   *zap.Logger
	Clock    func() time.Time
	IDGen    func() string
}

// Ledger records compliance entries synchronously.
type Ledger struct {
	store    entryStore
	fallback *FallbackLog
	metrics  metrics.Recorder
	logger   *zap.Logger
	clock    func() time.Time
	newID    func() string
}

// NewLedger constructs a Ledger.
func NewLedger(deps LedgerDeps) (*Ledger, error) {
	if deps.Store == nil {
		return nil, errors.New("audit: store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &Ledger{
		store:    deps.Store,
		fallback: deps.Fallback,
		metrics:  metrics.OrNop(deps.Metrics),
		logger:   observability.OrNop(deps.Logger).Named("audit"),
		clock:    clock,
		newID:    idGen,
	}, nil
}

// Begin persists an initiated entry and returns it. The caller must not perform the audited
// action unless Begin succeeds.
func (l *Ledger) Begin(ctx context.Context, intent Intent) (*Entry, error) {
	if strings.TrimSpace(intent.TenantID) == "" || intent.ActionType == "" {
		return nil, errors.New("audit: tenant and action type are required")
	}
	entry := Entry{
		EntryID:        l.newID(),
		TenantID:       intent.TenantID,
		IdempotencyKey: intent.IdempotencyKey,
		ActionType:     intent.ActionType,
		Status:         StatusInitiated,
		ActorType:      intent.ActorType,
		ActorID:        intent.ActorID,
		ResourceRef:    intent.ResourceRef,
		AmountCents:    intent.AmountCents,
		Currency:       intent.Currency,
		Metadata:       intent.Metadata,
		CreatedAt:      l.clock().UTC(),
	}
	if err := l.store.Insert(ctx, entry); err != nil {
		// The action never runs after a failed Begin, so the recovered entry is terminal.
		aborted := entry
		abortedAt := l.clock().UTC()
		aborted.Status = StatusFailed
		aborted.ErrorDetail = abortedDetail
		aborted.CompletedAt = &abortedAt
		return nil, l.divert(ctx, KindBegin, aborted, err)
	}
	return &entry, nil
}

// Complete moves an initiated entry to its terminal outcome. It is applied at most once;
// ErrAlreadyCompleted reports a second attempt.
func (l *Ledger) Complete(ctx context.Context, entry *Entry, outcome Outcome) (*Entry, error) {
	if entry == nil || entry.EntryID == "" {
		return nil, errors.New("audit: entry is required")
	}
	if !outcome.Status.IsTerminal() {
		return nil, ErrNotTerminal
	}
	completed := *entry
	completedAt := l.clock().UTC()
	completed.Status = outcome.Status
	completed.ProcessorRef = outcome.ProcessorRef
	completed.ErrorDetail = outcome.ErrorDetail
	completed.CompletedAt = &completedAt

	if err := l.store.Complete(ctx, completed); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			return nil, err
		}
		return nil, l.divert(ctx, KindComplete, completed, err)
	}
	return &completed, nil
}

// RecordSecurityViolation writes a failed security-violation entry for a refused
// cross-tenant access.
func (l *Ledger) RecordSecurityViolation(ctx context.Context, v Violation) error {
	l.metrics.Add(ctx, metrics.TenantViolations, 1, map[string]string{"operation": v.Operation})
	now := l.clock().UTC()
	entry := Entry{
		EntryID:        l.newID(),
		TenantID:       v.TenantID,
		IdempotencyKey: v.RequestID,
		ActionType:     ActionSecurityViolation,
		Status:         StatusFailed,
		ActorType:      v.ActorType,
		ActorID:        v.ActorID,
		ResourceRef:    v.ResourceRef,
		ErrorDetail:    "cross-tenant access refused",
		Metadata: map[string]string{
			"owner_tenant_id": v.OwnerTenantID,
			"operation":       v.Operation,
		},
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := l.store.Insert(ctx, entry); err != nil {
		return l.divert(ctx, KindViolation, entry, err)
	}
	return nil
}

// FindByIdempotencyKey returns the entries correlated with key.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) ([]Entry, error) {
	return l.store.FindByIdempotencyKey(ctx, key)
}

// ReplayFallback re-imports fallback records into the primary store. It is safe to run
// repeatedly; records already present with a terminal status are skipped.
func (l *Ledger) ReplayFallback(ctx context.Context) (int, error) {
	if l.fallback == nil {
		return 0, nil
	}
	n, err := l.fallback.Drain(ctx, func(ctx context.Context, rec FallbackRecord) error {
		return l.store.Restore(ctx, rec.Entry)
	})
	if n > 0 {
		l.metrics.Add(ctx, metrics.AuditFallbackReplayed, float64(n), nil)
		l.logger.Info("audit.fallback.replayed", zap.Int("count", n))
	}
	if err != nil {
		l.logger.Warn("audit.fallback.replay_incomplete", zap.Int("restored", n), zap.Error(err))
	}
	return n, err
}

// divert writes entry to the fallback log after a primary store failure and returns the
// error the caller must surface.
func (l *Ledger) divert(ctx context.Context, kind string, entry Entry, cause error) error {
	log := observability.FromContext(ctx, l.logger)
	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("entry_id", entry.EntryID),
		zap.String("tenant_id", entry.TenantID),
		zap.String("action_type", string(entry.ActionType)),
		zap.String("status", string(entry.Status)),
		zap.Error(cause),
	}
	if l.fallback == nil {
		log.Error("audit.write_failed.no_fallback", fields...)
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, cause)
	}
	if err := l.fallback.Append(kind, entry, cause); err != nil {
		log.Error("audit.fallback.write_failed", append(fields, zap.NamedError("fallback_error", err))...)
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, errors.Join(cause, err))
	}
	l.metrics.Add(ctx, metrics.AuditFallbackWrites, 1, map[string]string{"kind": kind})
	log.Warn("audit.fallback.written", fields...)
	return fmt.Errorf("%w: %v", ErrAuditWriteFailed, cause)
}
