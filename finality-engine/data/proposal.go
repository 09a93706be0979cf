package data

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
)

// MaxDataBranchLen is the maximum number of blocks a single proposal may carry.
const MaxDataBranchLen = 7

// ProposalKey identifies a proposal by its branch and top block number only.
type ProposalKey = common.Hash

// proposalFields is the canonical encoding shared by both proposal types.
type proposalFields struct {
	Branch []core.BlockHash
	Number core.BlockNumber
}

func proposalKey(branch []core.BlockHash, number core.BlockNumber) ProposalKey {
	enc, err := rlp.EncodeToBytes(proposalFields{Branch: branch, Number: number})
	if err != nil {
		// hashes and integers always encode
		panic(fmt.Sprintf("proposal encoding failed: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

func branchEqual(a, b []core.BlockHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// UnvalidatedAlephProposal is a proposal as received from another node.
//
// The sender may be malicious: the hashes need not correspond to real blocks
// and the number is arbitrary. An honest node proposing branch [h_0, ..., h_n]
// with number num claims that
//  1. the blocks b_0, ..., b_n with hash(b_i) = h_i form a chain,
//  2. height(b_n) = num,
//  3. the parent of b_0 was already finalized when the proposal was made.
//
// ValidateBounds turns it into an AlephProposal whose accessors cannot
// overflow or underflow.
type UnvalidatedAlephProposal struct {
	Branch []core.BlockHash
	Number core.BlockNumber
}

// NewUnvalidatedAlephProposal creates a proposal for the top block of branch.
func NewUnvalidatedAlephProposal(branch []core.BlockHash, number core.BlockNumber) *UnvalidatedAlephProposal {
	return &UnvalidatedAlephProposal{
		Branch: branch,
		Number: number,
	}
}

// ValidateBounds checks the branch length and that the whole branch fits in
// the session. It returns false for any proposal that is not a valid
// in-session proposal; no further detail is given.
func (p *UnvalidatedAlephProposal) ValidateBounds(session core.SessionBoundaries) (*AlephProposal, bool) {
	if len(p.Branch) > MaxDataBranchLen {
		return nil, false
	}
	if len(p.Branch) == 0 {
		return nil, false
	}
	// Also excludes branches starting at the genesis block.
	if p.Number < core.BlockNumber(len(p.Branch)) {
		return nil, false
	}

	bottom := p.Number - core.BlockNumber(len(p.Branch)-1)
	top := p.Number
	if session.FirstBlock() <= bottom && top <= session.LastBlock() {
		branch := make([]core.BlockHash, len(p.Branch))
		copy(branch, p.Branch)
		return &AlephProposal{
			branch: branch,
			number: p.Number,
		}, true
	}
	return nil, false
}

// Key returns the identity of the proposal for use in maps and sets.
func (p *UnvalidatedAlephProposal) Key() ProposalKey {
	return proposalKey(p.Branch, p.Number)
}

// Equal reports whether both proposals carry the same branch and number.
func (p *UnvalidatedAlephProposal) Equal(other *UnvalidatedAlephProposal) bool {
	if other == nil {
		return false
	}
	return p.Number == other.Number && branchEqual(p.Branch, other.Branch)
}

func (p *UnvalidatedAlephProposal) String() string {
	return fmt.Sprintf("UnvalidatedAlephProposal{len: %d, number: %d}", len(p.Branch), p.Number)
}

// AlephProposal is an UnvalidatedAlephProposal that passed bounds validation.
// The branch is non-empty, at most MaxDataBranchLen long, does not start at
// genesis and lies within the session it was validated against.
type AlephProposal struct {
	branch []core.BlockHash
	number core.BlockNumber
}

// EncodeRLP implements rlp.Encoder.
func (p *AlephProposal) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, proposalFields{Branch: p.branch, Number: p.number})
}

// Unvalidated returns the proposal in its wire form.
func (p *AlephProposal) Unvalidated() *UnvalidatedAlephProposal {
	return NewUnvalidatedAlephProposal(p.Branch(), p.number)
}

// Len outputs the length of the branch.
func (p *AlephProposal) Len() int {
	return len(p.branch)
}

// At returns the i-th hash of the branch, counting from the bottom.
func (p *AlephProposal) At(i int) core.BlockHash {
	return p.branch[i]
}

// Branch returns a copy of the branch.
func (p *AlephProposal) Branch() []core.BlockHash {
	branch := make([]core.BlockHash, len(p.branch))
	copy(branch, p.branch)
	return branch
}

// TopBlock outputs the highest block in the branch.
func (p *AlephProposal) TopBlock() core.BlockHashNum {
	return core.NewBlockHashNum(p.branch[len(p.branch)-1], p.NumberTopBlock())
}

// BottomBlock outputs the lowest block in the branch.
func (p *AlephProposal) BottomBlock() core.BlockHashNum {
	return core.NewBlockHashNum(p.branch[0], p.NumberBottomBlock())
}

// NumberBelowBranch outputs the number one below the lowest block in the branch.
func (p *AlephProposal) NumberBelowBranch() core.BlockNumber {
	return p.number - core.BlockNumber(len(p.branch))
}

// NumberBottomBlock outputs the number of the lowest block in the branch.
func (p *AlephProposal) NumberBottomBlock() core.BlockNumber {
	return p.number - core.BlockNumber(len(p.branch)-1)
}

// NumberTopBlock outputs the number of the highest block in the branch.
func (p *AlephProposal) NumberTopBlock() core.BlockNumber {
	return p.number
}

// BlockAtNum outputs the block of the branch with the given number, if num is
// between the lowest and highest block numbers of the branch.
func (p *AlephProposal) BlockAtNum(num core.BlockNumber) (core.BlockHashNum, bool) {
	bottom := p.NumberBottomBlock()
	if bottom <= num && num <= p.NumberTopBlock() {
		return core.NewBlockHashNum(p.branch[num-bottom], num), true
	}
	return core.BlockHashNum{}, false
}

// Key returns the identity of the proposal for use in maps and sets.
func (p *AlephProposal) Key() ProposalKey {
	return proposalKey(p.branch, p.number)
}

// Equal reports whether both proposals carry the same branch and number.
func (p *AlephProposal) Equal(other *AlephProposal) bool {
	if other == nil {
		return false
	}
	return p.number == other.number && branchEqual(p.branch, other.branch)
}

func (p *AlephProposal) String() string {
	return fmt.Sprintf("AlephProposal{bottom: %v, top: %v}", p.BottomBlock(), p.TopBlock())
}
