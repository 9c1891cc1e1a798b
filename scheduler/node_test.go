package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hyperplane/scheduler"
	"hyperplane/types"
)

func startScheduler(t *testing.T) (*scheduler.Node, chan types.Proposal, chan types.VerdictGroup) {
	t.Helper()
	in := make(chan types.Proposal, 16)
	out := make(chan types.VerdictGroup, 16)
	node := scheduler.New(in, out)
	node.Start(context.Background())
	t.Cleanup(node.Shutdown)
	return node, in, out
}

func proposal(catID types.CATID, chain types.ChainID, outcome types.Outcome) types.Proposal {
	return types.Proposal{
		CATID:        catID,
		ChainID:      chain,
		Outcome:      outcome,
		Participants: []types.ChainID{"chain-a", "chain-b"},
	}
}

func awaitVerdict(t *testing.T, out <-chan types.VerdictGroup) types.VerdictGroup {
	t.Helper()
	select {
	case vg := <-out:
		return vg
	case <-time.After(2 * time.Second):
		t.Fatal("no verdict before timeout")
		return types.VerdictGroup{}
	}
}

func requireNoVerdict(t *testing.T, out <-chan types.VerdictGroup) {
	t.Helper()
	select {
	case vg := <-out:
		t.Fatalf("unexpected verdict for %s", vg.CATID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAllSuccessEmitsSuccessVerdict(t *testing.T) {
	node, in, out := startScheduler(t)
	catID := types.NewCATID()

	in <- proposal(catID, "chain-a", types.OutcomeSuccess)
	requireNoVerdict(t, out)

	require.Eventually(t, func() bool {
		status, err := node.CATStatus(catID)
		return err == nil && status == types.StatusPending
	}, 2*time.Second, time.Millisecond)

	in <- proposal(catID, "chain-b", types.OutcomeSuccess)

	vg := awaitVerdict(t, out)
	require.Equal(t, catID, vg.CATID)
	require.Equal(t, types.OutcomeSuccess, vg.Outcome)
	require.ElementsMatch(t, []types.ChainID{"chain-a", "chain-b"}, vg.Chains)

	status, err := node.CATStatus(catID)
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, status)
}

func TestFirstFailureResolvesImmediately(t *testing.T) {
	_, in, out := startScheduler(t)
	catID := types.NewCATID()

	in <- proposal(catID, "chain-b", types.OutcomeFailure)

	vg := awaitVerdict(t, out)
	require.Equal(t, types.OutcomeFailure, vg.Outcome)
	require.ElementsMatch(t, []types.ChainID{"chain-a", "chain-b"}, vg.Chains)
}

func TestAtMostOneVerdictPerCAT(t *testing.T) {
	node, in, out := startScheduler(t)
	catID := types.NewCATID()

	in <- proposal(catID, "chain-a", types.OutcomeFailure)
	awaitVerdict(t, out)

	// Late and duplicate proposals for a resolved CAT are discarded.
	in <- proposal(catID, "chain-b", types.OutcomeSuccess)
	in <- proposal(catID, "chain-a", types.OutcomeFailure)
	requireNoVerdict(t, out)

	count, err := node.ResolvedCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDuplicateProposalFromSameChainIsIdempotent(t *testing.T) {
	_, in, out := startScheduler(t)
	catID := types.NewCATID()

	in <- proposal(catID, "chain-a", types.OutcomeSuccess)
	// A later timeout-driven failure from the same chain must not override
	// the first recorded opinion.
	in <- proposal(catID, "chain-a", types.OutcomeFailure)
	requireNoVerdict(t, out)

	in <- proposal(catID, "chain-b", types.OutcomeSuccess)
	vg := awaitVerdict(t, out)
	require.Equal(t, types.OutcomeSuccess, vg.Outcome)
}

func TestParticipantSetMismatchDiscarded(t *testing.T) {
	node, in, out := startScheduler(t)
	catID := types.NewCATID()

	in <- proposal(catID, "chain-a", types.OutcomeSuccess)
	in <- types.Proposal{
		CATID:        catID,
		ChainID:      "chain-b",
		Outcome:      types.OutcomeSuccess,
		Participants: []types.ChainID{"chain-b", "chain-c"},
	}
	requireNoVerdict(t, out)

	status, err := node.CATStatus(catID)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, status)
}

func TestProposerOutsideParticipantSetDiscarded(t *testing.T) {
	node, in, out := startScheduler(t)
	catID := types.NewCATID()

	in <- types.Proposal{
		CATID:        catID,
		ChainID:      "chain-z",
		Outcome:      types.OutcomeFailure,
		Participants: []types.ChainID{"chain-a", "chain-b"},
	}
	requireNoVerdict(t, out)

	_, err := node.CATStatus(catID)
	require.ErrorIs(t, err, scheduler.ErrCATNotFound)
}

func TestSingleParticipantProposalDiscarded(t *testing.T) {
	node, in, out := startScheduler(t)
	catID := types.NewCATID()

	in <- types.Proposal{
		CATID:        catID,
		ChainID:      "chain-a",
		Outcome:      types.OutcomeSuccess,
		Participants: []types.ChainID{"chain-a"},
	}
	requireNoVerdict(t, out)

	require.Eventually(t, func() bool {
		_, err := node.CATStatus(catID)
		return err != nil
	}, 2*time.Second, time.Millisecond)
	_, err := node.CATStatus(catID)
	require.ErrorIs(t, err, scheduler.ErrCATNotFound)
}

func TestPendingCATs(t *testing.T) {
	node, in, _ := startScheduler(t)
	catID := types.NewCATID()

	in <- proposal(catID, "chain-a", types.OutcomeSuccess)
	require.Eventually(t, func() bool {
		cats, err := node.PendingCATs()
		return err == nil && len(cats) == 1 && cats[0] == catID
	}, 2*time.Second, time.Millisecond)
}

func TestShutdownIsIdempotent(t *testing.T) {
	in := make(chan types.Proposal, 1)
	out := make(chan types.VerdictGroup, 1)
	node := scheduler.New(in, out)
	node.Start(context.Background())

	node.Shutdown()
	node.Shutdown()

	_, err := node.ResolvedCount()
	require.ErrorIs(t, err, scheduler.ErrStopped)
}

func TestShutdownDrainsBufferedProposals(t *testing.T) {
	in := make(chan types.Proposal, 4)
	out := make(chan types.VerdictGroup, 4)
	node := scheduler.New(in, out, scheduler.WithShutdownGrace(time.Second))
	catID := types.NewCATID()

	// Buffer a resolving failure proposal before the loop ever runs, then
	// shut down immediately: the drain window must still process it.
	in <- proposal(catID, "chain-a", types.OutcomeFailure)
	node.Start(context.Background())
	node.Shutdown()

	select {
	case vg := <-out:
		require.Equal(t, types.OutcomeFailure, vg.Outcome)
	case <-time.After(time.Second):
		t.Fatal("buffered proposal was not drained")
	}
}
