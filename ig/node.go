// Package ig implements the per-chain information gateway. The gateway
// consumes ordered sub-blocks from the confirmation layer, speculatively
// executes transactions against its local store, enforces key-level
// dependencies through an onion of per-key lock layers, emits CAT proposals
// to the scheduler and applies scheduler verdicts.
package ig

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
	"hyperplane/vm"
)

var (
	// ErrTxNotFound is returned when the gateway has never seen the transaction.
	ErrTxNotFound = errors.New("ig: transaction not found")
	// ErrCATNotFound is returned when no deadline is tracked for the CAT.
	ErrCATNotFound = errors.New("ig: CAT not found")
	// ErrNotStarted is returned by accessors invoked before Start.
	ErrNotStarted = errors.New("ig: node not started")
	// ErrStopped is returned by accessors invoked after shutdown.
	ErrStopped = errors.New("ig: node stopped")
)

// StatusCounts is a per-status transaction tally.
type StatusCounts struct {
	Pending uint64
	Success uint64
	Failure uint64
}

// Node is the information gateway for a single chain. All mutable state is
// owned by the run loop; accessors are served as messages on the query
// channel, so a sub-block is always processed atomically with respect to
// reads.
type Node struct {
	chainID       types.ChainID
	vm            vm.VM
	in            <-chan types.SubBlock
	out           chan<- types.Proposal
	log           *slog.Logger
	catLifetime   uint64
	allowPending  bool
	proposalDelay time.Duration
	grace         time.Duration

	queries chan func(*state)

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopc     chan struct{}
	done      chan struct{}
}

type queuedProposal struct {
	proposal types.Proposal
	readyAt  time.Time
}

type state struct {
	store    vm.MapStore
	received map[types.TxID]types.Transaction
	statuses map[types.TxID]types.Status
	pending  map[types.TxID]struct{}

	keyTopLocker map[string]types.TxID
	txLockedKeys map[types.TxID]map[string]struct{}
	txConsumers  map[types.TxID][]types.TxID
	txWaitsOn    map[types.TxID]map[types.TxID]struct{}

	catToTx      map[types.CATID]types.TxID
	catDeadline  map[types.CATID]uint64
	proposalSent map[types.CATID]types.Outcome
	timeoutFired map[types.CATID]struct{}

	proposalQueue []queuedProposal

	height       uint64
	allowPending bool
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(n *Node) { n.log = log }
}

// WithCATLifetime sets the number of blocks a CAT constituent may stay
// pending before the gateway unilaterally proposes failure.
func WithCATLifetime(blocks uint64) Option {
	return func(n *Node) { n.catLifetime = blocks }
}

// WithAllowPendingDependencies sets the admission policy for CATs whose keys
// are locked by pending transactions.
func WithAllowPendingDependencies(allow bool) Option {
	return func(n *Node) { n.allowPending = allow }
}

// WithProposalDelay delays proposals to the scheduler by the given duration
// after they are queued. The default is no delay.
func WithProposalDelay(delay time.Duration) Option {
	return func(n *Node) { n.proposalDelay = delay }
}

// WithShutdownGrace bounds the inbound drain window honoured on shutdown.
func WithShutdownGrace(grace time.Duration) Option {
	return func(n *Node) { n.grace = grace }
}

// New builds a gateway for chain, consuming sub-blocks from in and emitting
// proposals on out.
func New(chain types.ChainID, machine vm.VM, in <-chan types.SubBlock, out chan<- types.Proposal, opts ...Option) *Node {
	n := &Node{
		chainID:     chain,
		vm:          machine,
		in:          in,
		out:         out,
		log:         slog.Default(),
		catLifetime: 10,
		grace:       500 * time.Millisecond,
		queries:     make(chan func(*state)),
		stopc:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(slog.String("component", "ig"), slog.String("chain", string(chain)))
	return n
}

// ChainID reports the chain this gateway serves.
func (n *Node) ChainID() types.ChainID { return n.chainID }

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
		store:        make(vm.MapStore),
		received:     make(map[types.TxID]types.Transaction),
		statuses:     make(map[types.TxID]types.Status),
		pending:      make(map[types.TxID]struct{}),
		keyTopLocker: make(map[string]types.TxID),
		txLockedKeys: make(map[types.TxID]map[string]struct{}),
		txConsumers:  make(map[types.TxID][]types.TxID),
		txWaitsOn:    make(map[types.TxID]map[types.TxID]struct{}),
		catToTx:      make(map[types.CATID]types.TxID),
		catDeadline:  make(map[types.CATID]uint64),
		proposalSent: make(map[types.CATID]types.Outcome),
		timeoutFired: make(map[types.CATID]struct{}),
		allowPending: n.allowPending,
	}

	n.log.Info("gateway started", slog.Uint64("cat_lifetime_blocks", n.catLifetime))
	for {
		n.flushProposals(st)

		var flushC <-chan time.Time
		if len(st.proposalQueue) > 0 {
			wait := time.Until(st.proposalQueue[0].readyAt)
			if wait < 10*time.Millisecond {
				wait = 10 * time.Millisecond
			}
			flushC = time.After(wait)
		}

		select {
		case <-n.stopc:
			n.drain(st)
			return
		case <-ctx.Done():
			n.drain(st)
			return
		case sb, ok := <-n.in:
			if !ok {
				n.log.Info("sub-block channel closed, gateway exiting")
				return
			}
			n.handleSubBlock(st, sb)
		case <-flushC:
			// Loop back to flushProposals.
		case q := <-n.queries:
			q(st)
		}
	}
}

// drain finishes processing sub-blocks already buffered on the inbound
// channel for a bounded grace period, then drops state.
func (n *Node) drain(st *state) {
	deadline := time.After(n.grace)
	for {
		n.flushProposals(st)
		select {
		case sb, ok := <-n.in:
			if !ok {
				return
			}
			n.handleSubBlock(st, sb)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// flushProposals sends queued proposals whose delay has elapsed. Sends are
// non-blocking so the gateway never stalls mid-queue on a full channel; the
// remainder is retried on the next pass.
func (n *Node) flushProposals(st *state) {
	now := time.Now()
	for len(st.proposalQueue) > 0 {
		next := st.proposalQueue[0]
		if next.readyAt.After(now) {
			return
		}
		select {
		case n.out <- next.proposal:
			st.proposalQueue = st.proposalQueue[1:]
			metrics.Core().ProposalsSent.WithLabelValues(string(n.chainID), next.proposal.Outcome.String()).Inc()
		default:
			return
		}
	}
}

// handleSubBlock processes one sub-block to completion: every item in list
// order, then the timeout scan for the new height.
func (n *Node) handleSubBlock(st *state, sb types.SubBlock) {
	if sb.ChainID != n.chainID {
		n.log.Error("sub-block for wrong chain, discarding",
			slog.String("received", string(sb.ChainID)), slog.Uint64("height", sb.Height))
		return
	}
	st.height = sb.Height

	for _, item := range sb.Items {
		switch {
		case item.Tx != nil:
			n.admit(st, *item.Tx)
		case item.Verdict != nil:
			n.applyVerdict(st, *item.Verdict)
		}
	}

	n.checkTimeouts(st)
	metrics.Core().PendingTxs.WithLabelValues(string(n.chainID)).Set(float64(len(st.pending)))
}

// admit runs the admission dispatch for a freshly delivered transaction.
func (n *Node) admit(st *state, tx types.Transaction) {
	if _, seen := st.received[tx.ID]; seen {
		n.log.Debug("duplicate transaction, skipping", slog.String("tx", string(tx.ID)))
		return
	}
	st.received[tx.ID] = tx

	outcome, keys := n.simulate(st, tx)
	blockers := n.blockersOf(st, keys)

	switch tx.Kind {
	case types.TxRegular:
		n.admitRegular(st, tx, outcome, keys, blockers)
	case types.TxCATConstituent:
		n.admitConstituent(st, tx, outcome, keys, blockers)
	default:
		n.log.Warn("unknown transaction kind, discarding", slog.String("tx", string(tx.ID)))
	}
}

func (n *Node) simulate(st *state, tx types.Transaction) (types.Outcome, []string) {
	res, err := n.vm.Simulate(st.store, tx.Payload)
	if err != nil {
		n.log.Warn("simulation rejected payload",
			slog.String("tx", string(tx.ID)), slog.Any("error", err))
		return types.OutcomeFailure, nil
	}
	return res.Outcome, res.Keys
}

// blockersOf collects the top lockers of the given keys, deduplicated in key
// order.
func (n *Node) blockersOf(st *state, keys []string) []types.TxID {
	var blockers []types.TxID
	seen := make(map[types.TxID]struct{})
	for _, key := range keys {
		top, locked := st.keyTopLocker[key]
		if !locked {
			continue
		}
		if _, dup := seen[top]; dup {
			continue
		}
		seen[top] = struct{}{}
		blockers = append(blockers, top)
	}
	return blockers
}

func (n *Node) admitRegular(st *state, tx types.Transaction, outcome types.Outcome, keys []string, blockers []types.TxID) {
	if len(blockers) == 0 {
		if outcome == types.OutcomeSuccess {
			if err := n.vm.Execute(st.store, tx.Payload); err != nil {
				n.log.Error("execution failed after successful simulation",
					slog.String("tx", string(tx.ID)), slog.Any("error", err))
				outcome = types.OutcomeFailure
			}
		}
		n.finalize(st, tx.ID, types.StatusOf(outcome))
		return
	}

	// Blocked: become the new top layer on every touched key and wait on
	// the immediately preceding lockers.
	st.statuses[tx.ID] = types.StatusPending
	st.pending[tx.ID] = struct{}{}
	n.lockKeys(st, tx.ID, keys)
	n.recordDependencies(st, tx.ID, blockers)
	n.countTx(tx.Kind, types.StatusPending)
	n.log.Info("transaction blocked",
		slog.String("tx", string(tx.ID)), slog.Int("blockers", len(blockers)))
}

func (n *Node) admitConstituent(st *state, tx types.Transaction, outcome types.Outcome, keys []string, blockers []types.TxID) {
	log := n.log.With(slog.String("tx", string(tx.ID)), slog.String("cat", string(tx.CATID)))

	if len(tx.Participants) < 2 || !types.ContainsChain(tx.Participants, n.chainID) {
		log.Warn("malformed CAT constituent, discarding")
		st.statuses[tx.ID] = types.StatusFailure
		n.countTx(tx.Kind, types.StatusFailure)
		return
	}
	st.catToTx[tx.CATID] = tx.ID

	if outcome == types.OutcomeFailure {
		st.statuses[tx.ID] = types.StatusFailure
		n.propose(st, tx, types.OutcomeFailure)
		n.countTx(tx.Kind, types.StatusFailure)
		log.Info("CAT constituent failed simulation, proposing failure")
		return
	}

	if len(blockers) > 0 && !st.allowPending {
		st.statuses[tx.ID] = types.StatusFailure
		n.propose(st, tx, types.OutcomeFailure)
		n.countTx(tx.Kind, types.StatusFailure)
		log.Info("CAT constituent depends on pending state, proposing failure")
		return
	}

	st.statuses[tx.ID] = types.StatusPending
	st.pending[tx.ID] = struct{}{}
	n.lockKeys(st, tx.ID, keys)
	st.catDeadline[tx.CATID] = st.height + n.catLifetime
	if len(blockers) > 0 {
		n.recordDependencies(st, tx.ID, blockers)
	}
	n.propose(st, tx, types.OutcomeSuccess)
	n.countTx(tx.Kind, types.StatusPending)
	log.Info("CAT constituent pending, proposing success",
		slog.Uint64("deadline", st.catDeadline[tx.CATID]))
}

// lockKeys makes tx the topmost locker of every key. Replacing the previous
// top does not release it: the older layer keeps the key in its own locked
// set and resolution unwinds layer by layer.
func (n *Node) lockKeys(st *state, txID types.TxID, keys []string) {
	if len(keys) == 0 {
		return
	}
	locked := st.txLockedKeys[txID]
	if locked == nil {
		locked = make(map[string]struct{}, len(keys))
		st.txLockedKeys[txID] = locked
	}
	for _, key := range keys {
		st.keyTopLocker[key] = txID
		locked[key] = struct{}{}
	}
}

func (n *Node) recordDependencies(st *state, txID types.TxID, blockers []types.TxID) {
	waits := make(map[types.TxID]struct{}, len(blockers))
	for _, blocker := range blockers {
		waits[blocker] = struct{}{}
		st.txConsumers[blocker] = append(st.txConsumers[blocker], txID)
	}
	st.txWaitsOn[txID] = waits
}

// propose queues a CAT proposal for the scheduler. At most one proposal per
// CAT leaves the admission/cascade path; the timeout path bypasses this guard
// through proposeTimeout.
func (n *Node) propose(st *state, tx types.Transaction, outcome types.Outcome) {
	if _, sent := st.proposalSent[tx.CATID]; sent {
		return
	}
	st.proposalSent[tx.CATID] = outcome
	n.enqueueProposal(st, tx.CATID, outcome, tx.Participants)
}

func (n *Node) proposeTimeout(st *state, catID types.CATID, participants []types.ChainID) {
	n.enqueueProposal(st, catID, types.OutcomeFailure, participants)
}

func (n *Node) enqueueProposal(st *state, catID types.CATID, outcome types.Outcome, participants []types.ChainID) {
	st.proposalQueue = append(st.proposalQueue, queuedProposal{
		proposal: types.Proposal{
			CATID:        catID,
			ChainID:      n.chainID,
			Outcome:      outcome,
			Participants: participants,
		},
		readyAt: time.Now().Add(n.proposalDelay),
	})
}

// applyVerdict executes or discards the local constituent of a resolved CAT,
// releases its locks and cascades resolution down the dependency chain.
func (n *Node) applyVerdict(st *state, v types.Verdict) {
	log := n.log.With(slog.String("cat", string(v.CATID)), slog.String("outcome", v.Outcome.String()))

	txID, ok := st.catToTx[v.CATID]
	if !ok {
		log.Debug("verdict for unknown CAT, ignoring")
		return
	}
	if st.statuses[txID] != types.StatusPending {
		log.Debug("verdict for already resolved constituent, ignoring",
			slog.String("tx", string(txID)))
		return
	}

	status := types.StatusOf(v.Outcome)
	if v.Outcome == types.OutcomeSuccess {
		tx := st.received[txID]
		res, err := n.vm.Simulate(st.store, tx.Payload)
		if err != nil || res.Outcome != types.OutcomeSuccess {
			// The constituent's keys were locked the whole time, so a stale
			// view here indicates a protocol violation upstream.
			log.Error("success verdict no longer executable, recording failure",
				slog.String("tx", string(txID)), slog.Any("error", err))
			status = types.StatusFailure
		} else if err := n.vm.Execute(st.store, tx.Payload); err != nil {
			log.Error("verdict execution failed", slog.String("tx", string(txID)), slog.Any("error", err))
			status = types.StatusFailure
		}
	}

	delete(st.catDeadline, v.CATID)
	delete(st.timeoutFired, v.CATID)
	n.finalize(st, txID, status)
	log.Info("verdict applied", slog.String("tx", string(txID)))
}

// finalize records a terminal status, releases every key the transaction
// locked and cascades to its consumers.
func (n *Node) finalize(st *state, txID types.TxID, status types.Status) {
	st.statuses[txID] = status
	delete(st.pending, txID)
	n.releaseLocks(st, txID)
	n.countTx(st.received[txID].Kind, status)
	n.cascade(st, txID)
}

// releaseLocks clears the transaction's locked set. The top-locker index is
// only cleared where this transaction still is the top; keys superseded by a
// higher onion layer keep their current top.
func (n *Node) releaseLocks(st *state, txID types.TxID) {
	for key := range st.txLockedKeys[txID] {
		if st.keyTopLocker[key] == txID {
			delete(st.keyTopLocker, key)
		}
	}
	delete(st.txLockedKeys, txID)
}

// cascade walks the finalized transaction's consumers in recorded order and
// re-dispatches those with no remaining dependencies.
func (n *Node) cascade(st *state, txID types.TxID) {
	consumers := st.txConsumers[txID]
	delete(st.txConsumers, txID)
	for _, consumer := range consumers {
		waits, ok := st.txWaitsOn[consumer]
		if !ok {
			continue
		}
		delete(waits, txID)
		if len(waits) > 0 {
			continue
		}
		delete(st.txWaitsOn, consumer)
		if _, isPending := st.pending[consumer]; isPending {
			n.readmit(st, consumer)
		}
	}
}

// readmit re-simulates a formerly blocked transaction once its last
// dependency resolved. Regular transactions finalize (possibly cascading
// further). CAT constituents keep their locks and stay pending for the
// verdict; re-simulation never emits a second proposal.
func (n *Node) readmit(st *state, txID types.TxID) {
	tx := st.received[txID]
	outcome, _ := n.simulate(st, tx)

	if tx.Kind == types.TxRegular {
		if outcome == types.OutcomeSuccess {
			if err := n.vm.Execute(st.store, tx.Payload); err != nil {
				n.log.Error("execution failed after successful re-simulation",
					slog.String("tx", string(txID)), slog.Any("error", err))
				outcome = types.OutcomeFailure
			}
		}
		n.finalize(st, txID, types.StatusOf(outcome))
		n.log.Info("unblocked transaction finalized",
			slog.String("tx", string(txID)), slog.String("status", outcome.String()))
		return
	}

	if outcome == types.OutcomeFailure {
		// Outcome flipped after the dependency resolved; the proposal for
		// this CAT has already been sent, so only record the turn locally.
		n.propose(st, tx, types.OutcomeFailure)
		n.log.Warn("CAT constituent no longer succeeds after dependency resolution",
			slog.String("tx", string(txID)), slog.String("cat", string(tx.CATID)))
	}
}

// checkTimeouts proposes failure for pending CAT constituents whose deadline
// passed without a verdict. The constituent stays pending with its locks held
// so the chain never unilaterally commits a timed-out CAT; the verdict, when
// it arrives, still drives execution or discard.
func (n *Node) checkTimeouts(st *state) {
	for catID, deadline := range st.catDeadline {
		if st.height < deadline {
			continue
		}
		if _, fired := st.timeoutFired[catID]; fired {
			continue
		}
		txID, ok := st.catToTx[catID]
		if !ok || st.statuses[txID] != types.StatusPending {
			continue
		}
		st.timeoutFired[catID] = struct{}{}
		tx := st.received[txID]
		n.proposeTimeout(st, catID, tx.Participants)
		metrics.Core().CATTimeouts.WithLabelValues(string(n.chainID)).Inc()
		n.log.Warn("CAT constituent timed out, proposing failure",
			slog.String("cat", string(catID)), slog.Uint64("height", st.height),
			slog.Uint64("deadline", deadline))
	}
}

func (n *Node) countTx(kind types.TxKind, status types.Status) {
	metrics.Core().TxsProcessed.WithLabelValues(string(n.chainID), kind.String(), status.String()).Inc()
}

// Status reports the current lifecycle status of a transaction.
func (n *Node) Status(txID types.TxID) (types.Status, error) {
	var status types.Status
	var found bool
	err := n.query(func(st *state) {
		status, found = st.statuses[txID]
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}
	return status, nil
}

// PendingCount reports the number of pending transactions.
func (n *Node) PendingCount() (int, error) {
	var count int
	err := n.query(func(st *state) { count = len(st.pending) })
	return count, err
}

// Pending lists the pending transaction IDs.
func (n *Node) Pending() ([]types.TxID, error) {
	var ids []types.TxID
	err := n.query(func(st *state) {
		for id := range st.pending {
			ids = append(ids, id)
		}
	})
	return ids, err
}

// ChainState returns a snapshot of the committed store.
func (n *Node) ChainState() (map[string]int64, error) {
	var snapshot map[string]int64
	err := n.query(func(st *state) { snapshot = st.store.Snapshot() })
	return snapshot, err
}

// Preload seeds the store with a balance, used to set up genesis state.
func (n *Node) Preload(key string, balance int64) error {
	return n.query(func(st *state) { st.store.Set(key, balance) })
}

// SetAllowCATPendingDependencies flips the admission policy at runtime.
func (n *Node) SetAllowCATPendingDependencies(allow bool) error {
	return n.query(func(st *state) { st.allowPending = allow })
}

// AllowCATPendingDependencies reports the current admission policy.
func (n *Node) AllowCATPendingDependencies() (bool, error) {
	var allow bool
	err := n.query(func(st *state) { allow = st.allowPending })
	return allow, err
}

// LockedKeys lists the keys currently locked by a transaction.
func (n *Node) LockedKeys(txID types.TxID) ([]string, error) {
	var keys []string
	err := n.query(func(st *state) {
		for key := range st.txLockedKeys[txID] {
			keys = append(keys, key)
		}
	})
	return keys, err
}

// DependenciesOf lists the transactions txID still waits on.
func (n *Node) DependenciesOf(txID types.TxID) ([]types.TxID, error) {
	var deps []types.TxID
	err := n.query(func(st *state) {
		for dep := range st.txWaitsOn[txID] {
			deps = append(deps, dep)
		}
	})
	return deps, err
}

// ProposedStatus reports the outcome this gateway proposed for the CAT the
// transaction belongs to.
func (n *Node) ProposedStatus(txID types.TxID) (types.Outcome, error) {
	var outcome types.Outcome
	var found bool
	err := n.query(func(st *state) {
		tx, ok := st.received[txID]
		if !ok {
			return
		}
		outcome, found = st.proposalSent[tx.CATID]
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}
	return outcome, nil
}

// CATDeadline reports the height at which the CAT's lifetime expires.
func (n *Node) CATDeadline(catID types.CATID) (uint64, error) {
	var deadline uint64
	var found bool
	err := n.query(func(st *state) {
		deadline, found = st.catDeadline[catID]
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrCATNotFound, catID)
	}
	return deadline, nil
}

// CurrentHeight reports the height of the last processed sub-block.
func (n *Node) CurrentHeight() (uint64, error) {
	var height uint64
	err := n.query(func(st *state) { height = st.height })
	return height, err
}

// StatusCounts tallies transactions of the given kind by status.
func (n *Node) StatusCounts(kind types.TxKind) (StatusCounts, error) {
	var counts StatusCounts
	err := n.query(func(st *state) {
		for txID, status := range st.statuses {
			if st.received[txID].Kind != kind {
				continue
			}
			switch status {
			case types.StatusPending:
				counts.Pending++
			case types.StatusSuccess:
				counts.Success++
			case types.StatusFailure:
				counts.Failure++
			}
		}
	})
	return counts, err
}

func (n *Node) query(fn func(*state)) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	ran := make(chan struct{})
	wrapped := func(st *state) {
		fn(st)
		close(ran)
	}
	select {
	case n.queries <- wrapped:
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
