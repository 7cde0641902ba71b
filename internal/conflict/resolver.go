// Package conflict reconciles divergent client and server views of a
// shared resource using one of three pluggable strategies.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/version"
)

var (
	// ErrMissingClientData indicates client-wins was requested without data.
	ErrMissingClientData = errors.New("missing client data")
	// ErrUnsupportedStrategy indicates an unrecognised strategy name.
	ErrUnsupportedStrategy = errors.New("unsupported strategy")
	// ErrUnknownResource indicates the collaborator has no snapshot for the key.
	ErrUnknownResource = errors.New("unknown resource")
)

// Strategy selects how a divergence is reconciled.
type Strategy int

const (
	StrategyServerWins Strategy = iota
	StrategyClientWins
	StrategyMerge
)

// String returns the wire representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyClientWins:
		return "client-wins"
	case StrategyMerge:
		return "merge"
	default:
		return "server-wins"
	}
}

// ParseStrategy maps a requested strategy name to the enum. An empty
// name selects the server-wins default.
func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "server-wins", "server_wins":
		return StrategyServerWins, nil
	case "client-wins", "client_wins":
		return StrategyClientWins, nil
	case "merge":
		return StrategyMerge, nil
	default:
		return StrategyServerWins, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, raw)
	}
}

// ResourceStore is the external data collaborator: snapshot reads and a
// narrow apply-and-acknowledge write.
type ResourceStore interface {
	FetchResourceSnapshot(ctx context.Context, kind version.ResourceKind, id string) (map[string]any, error)
	ApplyResourceUpdate(ctx context.Context, kind version.ResourceKind, id string, payload map[string]any, actorID string) error
}

// Broadcaster receives accepted mutations so interested parties learn the outcome.
type Broadcaster interface {
	StateChanged(kind version.ResourceKind, id string, payload map[string]any, newVersion int64, actorID string)
}

// Request describes one conflict instance submitted by a client.
type Request struct {
	Kind          version.ResourceKind
	ID            string
	ClientVersion int64
	ClientData    map[string]any
	Strategy      string
	ActorID       string
}

// Resolution is the outcome of a reconciled conflict.
type Resolution struct {
	ConflictID    string
	Strategy      Strategy
	Data          map[string]any
	ServerVersion int64
	ResolvedAt    time.Time
}

// mergeFunc combines the authoritative server snapshot with client data.
type mergeFunc func(server, client map[string]any) map[string]any

// Resolver applies conflict strategies against the version store and the
// external resource collaborator.
type Resolver struct {
	versions  *version.Store
	store     ResourceStore
	broadcast Broadcaster
	merges    map[version.ResourceKind]mergeFunc
	now       func() time.Time
	log       *logging.Logger
}

// Option customises resolver construction.
type Option func(*Resolver)

// WithClock overrides the resolver time source; used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewResolver wires the resolver to its collaborators. The broadcaster
// may be nil when resolutions need no fan-out (tests).
func NewResolver(versions *version.Store, store ResourceStore, broadcast Broadcaster, logger *logging.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = logging.L()
	}
	resolver := &Resolver{
		versions:  versions,
		store:     store,
		broadcast: broadcast,
		merges: map[version.ResourceKind]mergeFunc{
			version.KindOrder:     mergeOrder,
			version.KindOrderItem: mergeOrderItem,
			version.KindTable:     mergeTable,
		},
		now: time.Now,
		log: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(resolver)
		}
	}
	return resolver
}

// Resolve reconciles the request and returns the resolution event payload.
// Failures never crash the engine; they surface to the requester.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	if r == nil {
		return nil, errors.New("resolver not initialised")
	}
	strategy, err := ParseStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}

	resolution := &Resolution{
		ConflictID: uuid.NewString(),
		Strategy:   strategy,
		ResolvedAt: r.now(),
	}

	switch strategy {
	case StrategyServerWins:
		snapshot, err := r.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		//1.- The server was already current, so the version stands unchanged.
		resolution.Data = snapshot
		resolution.ServerVersion = r.versions.Current(req.Kind, req.ID)

	case StrategyClientWins:
		if len(req.ClientData) == 0 {
			return nil, ErrMissingClientData
		}
		if err := r.apply(ctx, req, req.ClientData); err != nil {
			return nil, err
		}
		resolution.Data = req.ClientData
		resolution.ServerVersion = r.versions.Bump(req.Kind, req.ID, req.ActorID)
		r.fanOut(req, resolution)

	case StrategyMerge:
		snapshot, err := r.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		merged := r.mergeFor(req.Kind)(snapshot, req.ClientData)
		if err := r.apply(ctx, req, merged); err != nil {
			return nil, err
		}
		resolution.Data = merged
		resolution.ServerVersion = r.versions.Bump(req.Kind, req.ID, req.ActorID)
		r.fanOut(req, resolution)
	}

	r.log.Info("conflict resolved",
		logging.String("conflict_id", resolution.ConflictID),
		logging.String("strategy", strategy.String()),
		logging.String("resource_kind", string(req.Kind)),
		logging.String("resource_id", req.ID),
		logging.Int64("server_version", resolution.ServerVersion))
	return resolution, nil
}

func (r *Resolver) fetch(ctx context.Context, req Request) (map[string]any, error) {
	snapshot, err := r.store.FetchResourceSnapshot(ctx, req.Kind, req.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", req.Kind, req.ID, err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownResource, req.Kind, req.ID)
	}
	return snapshot, nil
}

func (r *Resolver) apply(ctx context.Context, req Request, payload map[string]any) error {
	if err := r.store.ApplyResourceUpdate(ctx, req.Kind, req.ID, payload, req.ActorID); err != nil {
		return fmt.Errorf("apply %s/%s: %w", req.Kind, req.ID, err)
	}
	return nil
}

func (r *Resolver) fanOut(req Request, resolution *Resolution) {
	if r.broadcast == nil {
		return
	}
	r.broadcast.StateChanged(req.Kind, req.ID, resolution.Data, resolution.ServerVersion, req.ActorID)
}

func (r *Resolver) mergeFor(kind version.ResourceKind) mergeFunc {
	if fn, ok := r.merges[kind]; ok {
		return fn
	}
	return mergeShallow
}
