// Package confirmation implements the confirmation layer: the global clock
// and per-chain total order of the system. It drains submitted transaction
// groups into per-chain sub-blocks at a fixed cadence and publishes them on
// each chain's channel.
package confirmation

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
	// ErrInvalidInterval is returned when the block interval is not positive.
	ErrInvalidInterval = errors.New("confirmation: block interval must be positive")
	// ErrChainNotRegistered is returned on submissions targeting an unknown chain.
	ErrChainNotRegistered = errors.New("confirmation: chain not registered")
	// ErrInvalidGroup is returned when a submission group is malformed.
	ErrInvalidGroup = errors.New("confirmation: invalid submission group")
	// ErrNotStarted is returned by accessors invoked before Start.
	ErrNotStarted = errors.New("confirmation: node not started")
	// ErrStopped is returned by accessors invoked after shutdown.
	ErrStopped = errors.New("confirmation: node stopped")
	// ErrSubBlockNotFound is returned when no sub-block exists at the height.
	ErrSubBlockNotFound = errors.New("confirmation: sub-block not found")
)

// Node produces per-chain sub-blocks every block interval. All mutable state
// is owned by the run loop; accessors are served as messages on the command
// channel.
type Node struct {
	interval time.Duration
	buffer   int
	log      *slog.Logger

	verdicts <-chan types.VerdictGroup
	cmds     chan func(*state)

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopc     chan struct{}
	done      chan struct{}
}

type state struct {
	registered map[types.ChainID]struct{}
	order      []types.ChainID
	// globalHeight is the shared block clock. Chains registered later join
	// at the current height, which keeps CAT constituents aligned on one
	// height value across every participant.
	globalHeight uint64
	heights      map[types.ChainID]uint64
	queues     map[types.ChainID][]types.Item
	outs       map[types.ChainID]chan types.SubBlock
	produced   map[types.ChainID]map[uint64]types.SubBlock
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(n *Node) { n.log = log }
}

// WithChannelBuffer sets the capacity of the per-chain sub-block channels.
func WithChannelBuffer(buffer int) Option {
	return func(n *Node) { n.buffer = buffer }
}

// New builds a confirmation layer node. verdicts is the scheduler's
// submission channel; it may be nil when no scheduler is attached.
func New(interval time.Duration, verdicts <-chan types.VerdictGroup, opts ...Option) (*Node, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	n := &Node{
		interval: interval,
		buffer:   64,
		log:      slog.Default(),
		verdicts: verdicts,
		cmds:     make(chan func(*state)),
		stopc:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(slog.String("component", "cl"))
	return n, nil
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
		registered: make(map[types.ChainID]struct{}),
		heights:    make(map[types.ChainID]uint64),
		queues:     make(map[types.ChainID][]types.Item),
		outs:       make(map[types.ChainID]chan types.SubBlock),
		produced:   make(map[types.ChainID]map[uint64]types.SubBlock),
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	n.log.Info("confirmation layer started", slog.Duration("interval", n.interval))
	for {
		select {
		case <-n.stopc:
			n.log.Info("confirmation layer stopping")
			return
		case <-ctx.Done():
			n.log.Info("confirmation layer context cancelled")
			return
		case <-ticker.C:
			if !n.tick(st) {
				return
			}
		case vg, ok := <-n.verdicts:
			if !ok {
				n.verdicts = nil
				continue
			}
			n.enqueueVerdict(st, vg)
		case cmd := <-n.cmds:
			cmd(st)
		}
	}
}

// tick mints the next height for every registered chain, drains each queue
// into a sub-block (possibly empty) and publishes it. Returns false when the
// node is asked to stop while blocked on a full channel.
func (n *Node) tick(st *state) bool {
	st.globalHeight++
	for _, chain := range st.order {
		height := st.globalHeight
		st.heights[chain] = height

		items := st.queues[chain]
		st.queues[chain] = nil
		for i := range items {
			if items[i].Tx != nil {
				items[i].Tx.SubmittedIn = height
			}
		}

		sb := types.SubBlock{ChainID: chain, Height: height, Items: items}
		st.produced[chain][height] = sb
		metrics.Core().BlocksProduced.WithLabelValues(string(chain)).Inc()

		select {
		case st.outs[chain] <- sb:
		case <-n.stopc:
			return false
		}
	}
	return true
}

func (n *Node) enqueueVerdict(st *state, vg types.VerdictGroup) {
	for _, chain := range vg.Chains {
		if _, ok := st.registered[chain]; !ok {
			n.log.Warn("verdict addressed to unknown chain, discarding",
				slog.String("chain", string(chain)), slog.String("cat", string(vg.CATID)))
			continue
		}
		verdict := types.Verdict{CATID: vg.CATID, Outcome: vg.Outcome}
		st.queues[chain] = append(st.queues[chain], types.Item{Verdict: &verdict})
	}
}

// RegisterChain establishes the chain's queue and sub-block channel and joins
// the chain to the global block clock. Registering an already known chain is
// logged and leaves state untouched; the existing channel is returned.
func (n *Node) RegisterChain(chain types.ChainID) (<-chan types.SubBlock, error) {
	var out chan types.SubBlock
	err := n.do(func(st *state) {
		if existing, ok := st.outs[chain]; ok {
			n.log.Warn("chain already registered", slog.String("chain", string(chain)))
			out = existing
			return
		}
		st.registered[chain] = struct{}{}
		st.order = append(st.order, chain)
		st.heights[chain] = st.globalHeight
		st.produced[chain] = make(map[uint64]types.SubBlock)
		out = make(chan types.SubBlock, n.buffer)
		st.outs[chain] = out
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Submit admits a transaction group. A group is either one regular
// transaction for one registered chain, or a CAT group containing exactly one
// constituent per participant chain; constituents are enqueued atomically so
// they drain at the same height on every participant.
func (n *Node) Submit(group types.Group) error {
	var submitErr error
	err := n.do(func(st *state) {
		submitErr = submit(st, group)
	})
	if err != nil {
		return err
	}
	return submitErr
}

func submit(st *state, group types.Group) error {
	if len(group.Txs) == 0 {
		return fmt.Errorf("%w: empty group", ErrInvalidGroup)
	}

	if group.Txs[0].Kind == types.TxRegular {
		if len(group.Txs) != 1 {
			return fmt.Errorf("%w: regular group must hold exactly one transaction", ErrInvalidGroup)
		}
		tx := group.Txs[0]
		if _, ok := st.registered[tx.ChainID]; !ok {
			return fmt.Errorf("%w: %s", ErrChainNotRegistered, tx.ChainID)
		}
		st.queues[tx.ChainID] = append(st.queues[tx.ChainID], types.Item{Tx: &tx})
		return nil
	}

	participants := group.Txs[0].Participants
	if len(participants) < 2 {
		return fmt.Errorf("%w: CAT needs at least two participants", ErrInvalidGroup)
	}
	if len(group.Txs) != len(participants) {
		return fmt.Errorf("%w: CAT group wants one constituent per participant", ErrInvalidGroup)
	}
	catID := group.Txs[0].CATID
	targets := make(map[types.ChainID]struct{}, len(group.Txs))
	for _, tx := range group.Txs {
		if tx.Kind != types.TxCATConstituent {
			return fmt.Errorf("%w: mixed transaction kinds", ErrInvalidGroup)
		}
		if tx.CATID != catID {
			return fmt.Errorf("%w: constituents disagree on CAT id", ErrInvalidGroup)
		}
		if !types.SameChains(tx.Participants, participants) {
			return fmt.Errorf("%w: constituents disagree on participant set", ErrInvalidGroup)
		}
		if !types.ContainsChain(participants, tx.ChainID) {
			return fmt.Errorf("%w: constituent targets non-participant chain %s", ErrInvalidGroup, tx.ChainID)
		}
		if _, dup := targets[tx.ChainID]; dup {
			return fmt.Errorf("%w: duplicate constituent for chain %s", ErrInvalidGroup, tx.ChainID)
		}
		targets[tx.ChainID] = struct{}{}
		if _, ok := st.registered[tx.ChainID]; !ok {
			return fmt.Errorf("%w: %s", ErrChainNotRegistered, tx.ChainID)
		}
	}

	// All constituents validated; enqueue atomically.
	for i := range group.Txs {
		tx := group.Txs[i]
		st.queues[tx.ChainID] = append(st.queues[tx.ChainID], types.Item{Tx: &tx})
	}
	return nil
}

// CurrentHeight reports the chain's latest minted height.
func (n *Node) CurrentHeight(chain types.ChainID) (uint64, error) {
	var height uint64
	var found bool
	err := n.do(func(st *state) {
		height, found = st.heights[chain]
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrChainNotRegistered, chain)
	}
	return height, nil
}

// SubBlock returns the sub-block published for chain at height.
func (n *Node) SubBlock(chain types.ChainID, height uint64) (types.SubBlock, error) {
	var sb types.SubBlock
	var found bool
	err := n.do(func(st *state) {
		blocks, ok := st.produced[chain]
		if !ok {
			return
		}
		sb, found = blocks[height]
	})
	if err != nil {
		return types.SubBlock{}, err
	}
	if !found {
		return types.SubBlock{}, fmt.Errorf("%w: chain %s height %d", ErrSubBlockNotFound, chain, height)
	}
	return sb, nil
}

// RegisteredChains lists chains in registration order.
func (n *Node) RegisteredChains() ([]types.ChainID, error) {
	var chains []types.ChainID
	err := n.do(func(st *state) {
		chains = append(chains, st.order...)
	})
	return chains, err
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
