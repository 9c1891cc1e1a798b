// Package scheduler implements the global CAT scheduler. It aggregates
// per-chain proposals into a single verdict per CAT and submits verdicts back
// through the confirmation layer so gateways observe them in their ordered
// sub-block streams.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hyperplane/observability/metrics"
	"hyperplane/types"
)

var (
	// ErrCATNotFound is returned when no aggregation state exists for a CAT.
	ErrCATNotFound = errors.New("scheduler: CAT not found")
	// ErrNotStarted is returned by accessors invoked before Start.
	ErrNotStarted = errors.New("scheduler: node not started")
	// ErrStopped is returned by accessors invoked after shutdown.
	ErrStopped = errors.New("scheduler: node stopped")
)

// Node aggregates CAT proposals. State is owned by the run loop; accessors
// are served as messages.
type Node struct {
	in    <-chan types.Proposal
	out   chan<- types.VerdictGroup
	log   *slog.Logger
	grace time.Duration

	cmds chan func(*state)

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopc     chan struct{}
	done      chan struct{}
}

type state struct {
	participants map[types.CATID][]types.ChainID
	proposals    map[types.CATID]map[types.ChainID]types.Outcome
	resolved     map[types.CATID]types.Outcome
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(n *Node) { n.log = log }
}

// WithShutdownGrace bounds the inbound drain window honoured on shutdown.
func WithShutdownGrace(grace time.Duration) Option {
	return func(n *Node) { n.grace = grace }
}

// New builds a scheduler consuming proposals from in and submitting verdict
// groups on out.
func New(in <-chan types.Proposal, out chan<- types.VerdictGroup, opts ...Option) *Node {
	n := &Node{
		in:    in,
		out:   out,
		log:   slog.Default(),
		grace: 500 * time.Millisecond,
		cmds:  make(chan func(*state)),
		stopc: make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(slog.String("component", "scheduler"))
	return n
}

// Start launches the run loop. Subsequent calls are no-ops.
func (n *Node) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		n.started.Store(true)
		go n.run(ctx)
	})
}

// Shutdown stops the node and waits for the run loop to exit. It is
// idempotent.
func (n *Node) Shutdown() {
	n.stopOnce.Do(func() { close(n.stopc) })
	if n.started.Load() {
		<-n.done
	}
}

func (n *Node) run(ctx context.Context) {
	defer close(n.done)

	st := &state{
		participants: make(map[types.CATID][]types.ChainID),
		proposals:    make(map[types.CATID]map[types.ChainID]types.Outcome),
		resolved:     make(map[types.CATID]types.Outcome),
	}

	n.log.Info("scheduler started")
	for {
		select {
		case <-n.stopc:
			n.drain(st)
			return
		case <-ctx.Done():
			n.drain(st)
			return
		case p, ok := <-n.in:
			if !ok {
				n.log.Info("proposal channel closed, scheduler exiting")
				return
			}
			n.handleProposal(st, p)
		case cmd := <-n.cmds:
			cmd(st)
		}
	}
}

// drain consumes proposals already buffered on the inbound channel for a
// bounded grace period.
func (n *Node) drain(st *state) {
	deadline := time.After(n.grace)
	for {
		select {
		case p, ok := <-n.in:
			if !ok {
				return
			}
			n.handleProposal(st, p)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// handleProposal records a per-chain opinion and resolves the CAT once a
// failure is seen or every participant reported success. At most one verdict
// is emitted per CAT.
func (n *Node) handleProposal(st *state, p types.Proposal) {
	log := n.log.With(slog.String("cat", string(p.CATID)), slog.String("chain", string(p.ChainID)))

	if _, ok := st.resolved[p.CATID]; ok {
		log.Debug("proposal for resolved CAT, discarding")
		return
	}
	if len(p.Participants) < 2 {
		log.Warn("proposal with fewer than two participants, discarding")
		return
	}
	if !types.ContainsChain(p.Participants, p.ChainID) {
		log.Warn("proposer not in participant set, discarding")
		return
	}

	participants, known := st.participants[p.CATID]
	if !known {
		participants = append([]types.ChainID(nil), p.Participants...)
		st.participants[p.CATID] = participants
		st.proposals[p.CATID] = make(map[types.ChainID]types.Outcome, len(participants))
	} else if !types.SameChains(participants, p.Participants) {
		log.Warn("participant set mismatch, discarding",
			slog.Any("expected", participants), slog.Any("received", p.Participants))
		return
	}

	votes := st.proposals[p.CATID]
	if _, dup := votes[p.ChainID]; dup {
		// First write wins; duplicates from the same chain are no-ops.
		log.Debug("duplicate proposal from chain, ignoring")
		return
	}
	votes[p.ChainID] = p.Outcome
	log.Info("proposal recorded", slog.String("outcome", p.Outcome.String()))

	if p.Outcome == types.OutcomeFailure {
		n.resolve(st, p.CATID, types.OutcomeFailure)
		return
	}
	if len(votes) == len(participants) {
		n.resolve(st, p.CATID, types.OutcomeSuccess)
	}
}

func (n *Node) resolve(st *state, catID types.CATID, outcome types.Outcome) {
	chains := st.participants[catID]
	st.resolved[catID] = outcome
	delete(st.participants, catID)
	delete(st.proposals, catID)

	group := types.VerdictGroup{CATID: catID, Outcome: outcome, Chains: chains}
	select {
	case n.out <- group:
	default:
		// Submission channel full: block until there is room or shutdown.
		select {
		case n.out <- group:
		case <-n.stopc:
			n.log.Warn("shutdown while submitting verdict",
				slog.String("cat", string(catID)))
			return
		}
	}
	metrics.Core().VerdictsSent.WithLabelValues(outcome.String()).Inc()
	n.log.Info("verdict emitted",
		slog.String("cat", string(catID)), slog.String("outcome", outcome.String()))
}

// CATStatus reports the aggregation state of a CAT: pending while proposals
// are outstanding, otherwise the emitted verdict outcome.
func (n *Node) CATStatus(catID types.CATID) (types.Status, error) {
	var status types.Status
	var found bool
	err := n.do(func(st *state) {
		if outcome, ok := st.resolved[catID]; ok {
			status, found = types.StatusOf(outcome), true
			return
		}
		if _, ok := st.participants[catID]; ok {
			status, found = types.StatusPending, true
		}
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrCATNotFound, catID)
	}
	return status, nil
}

// PendingCATs lists CATs still aggregating proposals.
func (n *Node) PendingCATs() ([]types.CATID, error) {
	var cats []types.CATID
	err := n.do(func(st *state) {
		for catID := range st.participants {
			cats = append(cats, catID)
		}
	})
	return cats, err
}

// ResolvedCount reports how many CATs have received a verdict.
func (n *Node) ResolvedCount() (int, error) {
	var count int
	err := n.do(func(st *state) { count = len(st.resolved) })
	return count, err
}

func (n *Node) do(fn func(*state)) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	ran := make(chan struct{})
	wrapped := func(st *state) {
		fn(st)
		close(ran)
	}
	select {
	case n.cmds <- wrapped:
	case <-n.done:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-n.done:
		return ErrStopped
	}
}
