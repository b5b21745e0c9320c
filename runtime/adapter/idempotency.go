package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/tools"
)

type (
	// IdempotencyRecord stores the outcome of a completed execution keyed by
	// the call's idempotency key. Fingerprint preserves the stable-JSON call
	// material so key collisions are detected instead of silently replayed.
	IdempotencyRecord struct {
		Key         string
		Fingerprint string
		Result      tools.Result
		CreatedAt   time.Time
	}

	// IdempotencyStore persists execution records. Implementations may be
	// process-local (single worker) or backed by the persistence layer
	// (multi-worker); correctness does not depend on the choice.
	IdempotencyStore interface {
		Get(ctx context.Context, key string) (IdempotencyRecord, bool, error)
		Put(ctx context.Context, record IdempotencyRecord) error
	}

	// MemoryIdempotencyStore keeps records in a map. Suitable for tests and
	// single-process deployments.
	MemoryIdempotencyStore struct {
		mu      sync.RWMutex
		records map[string]IdempotencyRecord
	}

	inflightCall struct {
		done   chan struct{}
		result tools.Result
		err    error
	}
)

// NewMemoryIdempotencyStore constructs an empty in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]IdempotencyRecord)}
}

// Get returns the record for key, if present.
func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	return record, ok, nil
}

// Put stores the record, keyed by record.Key.
func (s *MemoryIdempotencyStore) Put(_ context.Context, record IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key] = record
	return nil
}

// IdempotencyKey derives the dedup key for a call: sha256 over the stable
// JSON of {tenantId, requestId, stepNumber, toolName, args}. The stable JSON
// itself serves as the collision fingerprint.
func IdempotencyKey(call tools.Call) (key, fingerprint string, err error) {
	material, err := StableJSON(map[string]any{
		"tenantId":   call.Scope.TenantID,
		"requestId":  call.RequestID,
		"stepNumber": call.StepNumber,
		"toolName":   call.ToolName,
		"args":       call.Args,
	})
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), material, nil
}

// withIdempotency returns the stored result for repeated keys, executes the
// handler at most once per key, and coalesces concurrent callers of the same
// key onto a single in-flight execution.
func withIdempotency(next tools.Handler, store IdempotencyStore) tools.Handler {
	var (
		mu       sync.Mutex
		inflight = make(map[string]*inflightCall)
	)
	return func(ctx context.Context, call tools.Call) (tools.Result, error) {
		key, fingerprint, err := IdempotencyKey(call)
		if err != nil {
			return tools.Result{}, err
		}
		if record, ok, err := store.Get(ctx, key); err != nil {
			return tools.Result{}, err
		} else if ok {
			if record.Fingerprint != fingerprint {
				return tools.Result{}, contract.Validationf(
					"idempotency_key", "key", "collision",
					"key %s maps to a different call fingerprint", key,
				)
			}
			return record.Result, nil
		}

		mu.Lock()
		if call, ok := inflight[key]; ok {
			mu.Unlock()
			select {
			case <-call.done:
				return call.result, call.err
			case <-ctx.Done():
				return tools.Result{}, ctx.Err()
			}
		}
		flight := &inflightCall{done: make(chan struct{})}
		inflight[key] = flight
		mu.Unlock()

		flight.result, flight.err = next(ctx, call)
		if flight.err == nil && flight.result.Status == tools.ResultOK {
			flight.err = store.Put(ctx, IdempotencyRecord{
				Key:         key,
				Fingerprint: fingerprint,
				Result:      flight.result,
				CreatedAt:   time.Now().UTC(),
			})
		}
		close(flight.done)

		mu.Lock()
		delete(inflight, key)
		mu.Unlock()
		return flight.result, flight.err
	}
}
