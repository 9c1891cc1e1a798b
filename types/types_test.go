package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCATBuildsOneConstituentPerParticipant(t *testing.T) {
	catID := NewCATID()
	group := NewCAT(catID, map[ChainID]string{
		"chain-2": "credit 1 5",
		"chain-1": "credit 1 5",
	})

	require.Len(t, group.Txs, 2)
	require.Equal(t, string(catID), group.ID)

	seen := make(map[ChainID]struct{})
	for _, tx := range group.Txs {
		require.Equal(t, TxCATConstituent, tx.Kind)
		require.Equal(t, catID, tx.CATID)
		require.ElementsMatch(t, []ChainID{"chain-1", "chain-2"}, tx.Participants)
		require.NotEmpty(t, tx.ID)
		seen[tx.ChainID] = struct{}{}
	}
	require.Len(t, seen, 2)
}

func TestNewRegular(t *testing.T) {
	group := NewRegular("chain-1", "noop")
	require.Len(t, group.Txs, 1)
	require.Equal(t, TxRegular, group.Txs[0].Kind)
	require.Equal(t, ChainID("chain-1"), group.Txs[0].ChainID)
}

func TestSameChains(t *testing.T) {
	tests := []struct {
		a, b []ChainID
		want bool
	}{
		{nil, nil, true},
		{[]ChainID{"a"}, []ChainID{"a"}, true},
		{[]ChainID{"a", "b"}, []ChainID{"b", "a"}, true},
		{[]ChainID{"a", "b"}, []ChainID{"a"}, false},
		{[]ChainID{"a", "a"}, []ChainID{"a", "b"}, false},
		{[]ChainID{"a", "b"}, []ChainID{"a", "c"}, false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, SameChains(tc.a, tc.b), "%v vs %v", tc.a, tc.b)
	}
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, StatusSuccess, StatusOf(OutcomeSuccess))
	require.Equal(t, StatusFailure, StatusOf(OutcomeFailure))
}
