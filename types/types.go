package types

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ChainID identifies one of the independent chains coordinated by the system.
type ChainID string

// TxID is the globally unique identifier of a transaction.
type TxID string

// CATID identifies a cross-chain atomic transaction. Every constituent of the
// same CAT carries the same CATID.
type CATID string

// NewTxID mints a fresh transaction identifier.
func NewTxID() TxID { return TxID(uuid.NewString()) }

// NewCATID mints a fresh CAT identifier.
func NewCATID() CATID { return CATID(uuid.NewString()) }

// TxKind distinguishes chain-local transactions from CAT constituents.
type TxKind uint8

const (
	TxRegular TxKind = iota
	TxCATConstituent
)

func (k TxKind) String() string {
	switch k {
	case TxRegular:
		return "regular"
	case TxCATConstituent:
		return "cat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Outcome is the binary result of simulating or resolving a transaction.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Status is the lifecycle state of a transaction tracked by an IG.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// StatusOf maps an outcome to the corresponding terminal status.
func StatusOf(o Outcome) Status {
	if o == OutcomeSuccess {
		return StatusSuccess
	}
	return StatusFailure
}

// Transaction is a single chain-local transaction. For CAT constituents,
// CATID and Participants describe the cross-chain group the transaction
// belongs to.
type Transaction struct {
	ID           TxID
	ChainID      ChainID
	Payload      string
	Kind         TxKind
	CATID        CATID
	Participants []ChainID
	// SubmittedIn is the block height the transaction was drained into,
	// stamped by the confirmation layer.
	SubmittedIn uint64
}

// Verdict is the scheduler's final decision for a CAT, delivered to every
// participant IG inside the ordered sub-block stream.
type Verdict struct {
	CATID   CATID
	Outcome Outcome
}

// Item is a single sub-block entry: exactly one of Tx or Verdict is set.
type Item struct {
	Tx      *Transaction
	Verdict *Verdict
}

// SubBlock is the per-chain portion of a global block, produced by the
// confirmation layer at every tick. Items are processed in list order.
type SubBlock struct {
	ChainID ChainID
	Height  uint64
	Items   []Item
}

// Proposal is an IG's per-chain opinion on a CAT, sent to the scheduler.
// Participants is carried on every proposal and must be identical across
// proposals for the same CAT.
type Proposal struct {
	CATID        CATID
	ChainID      ChainID
	Outcome      Outcome
	Participants []ChainID
}

// VerdictGroup is the scheduler's verdict addressed to every participant
// chain, submitted back through the confirmation layer.
type VerdictGroup struct {
	CATID   CATID
	Outcome Outcome
	Chains  []ChainID
}

// Group is a submission admitted to the confirmation layer atomically:
// either a single regular transaction, or one CAT constituent per
// participant chain.
type Group struct {
	ID  string
	Txs []Transaction
}

// NewRegular builds a submission group holding one regular transaction.
func NewRegular(chain ChainID, payload string) Group {
	return Group{
		ID: uuid.NewString(),
		Txs: []Transaction{{
			ID:      NewTxID(),
			ChainID: chain,
			Payload: payload,
			Kind:    TxRegular,
		}},
	}
}

// NewCAT builds a submission group with one constituent per participant
// chain. Payloads maps each participant to its chain-local payload; the
// participant set is the key set of payloads.
func NewCAT(catID CATID, payloads map[ChainID]string) Group {
	participants := make([]ChainID, 0, len(payloads))
	for chain := range payloads {
		participants = append(participants, chain)
	}
	sortChains(participants)

	txs := make([]Transaction, 0, len(participants))
	for _, chain := range participants {
		txs = append(txs, Transaction{
			ID:           NewTxID(),
			ChainID:      chain,
			Payload:      payloads[chain],
			Kind:         TxCATConstituent,
			CATID:        catID,
			Participants: participants,
		})
	}
	return Group{ID: string(catID), Txs: txs}
}

// SameChains reports whether a and b contain the same chain IDs, ignoring
// order and multiplicity.
func SameChains(a, b []ChainID) bool {
	seen := make(map[ChainID]struct{}, len(a))
	for _, c := range a {
		seen[c] = struct{}{}
	}
	others := make(map[ChainID]struct{}, len(b))
	for _, c := range b {
		if _, ok := seen[c]; !ok {
			return false
		}
		others[c] = struct{}{}
	}
	return len(seen) == len(others)
}

// ContainsChain reports whether chains includes id.
func ContainsChain(chains []ChainID, id ChainID) bool {
	for _, c := range chains {
		if c == id {
			return true
		}
	}
	return false
}

func sortChains(chains []ChainID) {
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
}
