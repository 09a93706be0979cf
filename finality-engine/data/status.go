package data

import (
	"fmt"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
)

// PendingProposalStatus explains why a proposal cannot be acted upon yet.
type PendingProposalStatus uint8

const (
	// PendingTopBlock means the top block of the branch is not imported.
	PendingTopBlock PendingProposalStatus = iota
	// TopBlockImportedButIncorrectBranch means the imported top block does not
	// descend through the proposed branch.
	TopBlockImportedButIncorrectBranch
	// TopBlockImportedButNotFinalizedAncestor means the block below the branch
	// is not finalized yet.
	TopBlockImportedButNotFinalizedAncestor
)

func (s PendingProposalStatus) String() string {
	switch s {
	case PendingTopBlock:
		return "PendingTopBlock"
	case TopBlockImportedButIncorrectBranch:
		return "TopBlockImportedButIncorrectBranch"
	case TopBlockImportedButNotFinalizedAncestor:
		return "TopBlockImportedButNotFinalizedAncestor"
	default:
		return fmt.Sprintf("PendingProposalStatus(%d)", uint8(s))
	}
}

type statusKind uint8

const (
	statusFinalize statusKind = iota + 1
	statusIgnore
	statusPending
)

// ProposalStatus is the outcome of checking a proposal against the local
// chain: finalize a block, ignore the proposal, or wait.
type ProposalStatus struct {
	kind    statusKind
	block   core.BlockHashNum
	pending PendingProposalStatus
}

// Finalize returns the status requesting finalization of block.
func Finalize(block core.BlockHashNum) ProposalStatus {
	return ProposalStatus{kind: statusFinalize, block: block}
}

// Ignore returns the status of a proposal that will never be finalizable.
func Ignore() ProposalStatus {
	return ProposalStatus{kind: statusIgnore}
}

// Pending returns the status of a proposal that may become finalizable later.
func Pending(reason PendingProposalStatus) ProposalStatus {
	return ProposalStatus{kind: statusPending, pending: reason}
}

// IsFinalize reports whether the status requests finalization, and of which block.
func (s ProposalStatus) IsFinalize() (core.BlockHashNum, bool) {
	return s.block, s.kind == statusFinalize
}

// IsIgnore reports whether the proposal should be ignored.
func (s ProposalStatus) IsIgnore() bool {
	return s.kind == statusIgnore
}

// IsPending reports whether the proposal is pending, and why.
func (s ProposalStatus) IsPending() (PendingProposalStatus, bool) {
	return s.pending, s.kind == statusPending
}

func (s ProposalStatus) String() string {
	switch s.kind {
	case statusFinalize:
		return fmt.Sprintf("Finalize(%v)", s.block)
	case statusIgnore:
		return "Ignore"
	case statusPending:
		return fmt.Sprintf("Pending(%v)", s.pending)
	default:
		return "Invalid"
	}
}

// ChainInfoProvider exposes the local chain state needed to classify proposals.
type ChainInfoProvider interface {
	// IsBlockImported reports whether the block is present in the local database.
	IsBlockImported(block core.BlockHashNum) bool
	// HighestFinalized returns the highest finalized block.
	HighestFinalized() core.BlockHashNum
	// ParentOf returns the hash of the parent of an imported block.
	ParentOf(block core.BlockHashNum) (core.BlockHash, bool)
}

// ProposalStatusOf classifies proposal against the chain state. old is the
// status computed for the same proposal previously, or nil.
func ProposalStatusOf(chain ChainInfoProvider, proposal *AlephProposal, old *ProposalStatus) ProposalStatus {
	finalized := chain.HighestFinalized()
	if finalized.Num >= proposal.NumberTopBlock() {
		return Ignore()
	}

	if old != nil {
		if reason, ok := old.IsPending(); ok && reason == TopBlockImportedButIncorrectBranch {
			// The chain below an imported block never changes.
			return *old
		}
	}

	if !chain.IsBlockImported(proposal.TopBlock()) {
		return Pending(PendingTopBlock)
	}

	if !isBranchAncestry(chain, proposal) {
		return Pending(TopBlockImportedButIncorrectBranch)
	}

	if finalized.Num < proposal.NumberBelowBranch() {
		return Pending(TopBlockImportedButNotFinalizedAncestor)
	}

	var implied core.BlockHash
	if finalized.Num == proposal.NumberBelowBranch() {
		parent, ok := chain.ParentOf(proposal.BottomBlock())
		if !ok {
			return Pending(TopBlockImportedButNotFinalizedAncestor)
		}
		implied = parent
	} else {
		block, _ := proposal.BlockAtNum(finalized.Num)
		implied = block.Hash
	}
	if implied != finalized.Hash {
		// The branch forks off below the finalized block.
		return Ignore()
	}

	return Finalize(proposal.TopBlock())
}

func isBranchAncestry(chain ChainInfoProvider, proposal *AlephProposal) bool {
	for i := proposal.Len() - 1; i > 0; i-- {
		block := core.NewBlockHashNum(proposal.At(i), proposal.NumberBottomBlock()+core.BlockNumber(i))
		parent, ok := chain.ParentOf(block)
		if !ok || parent != proposal.At(i-1) {
			return false
		}
	}
	return true
}
