package data

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
)

func testBranch(n int) []core.BlockHash {
	branch := make([]core.BlockHash, n)
	for i := range branch {
		branch[i] = common.BytesToHash([]byte{byte(i + 1), 0xaa})
	}
	return branch
}

func TestProposalTooLong(t *testing.T) {
	session := core.NewSessionBoundaries(1, 20)
	branch := testBranch(MaxDataBranchLen + 1)
	proposal := NewUnvalidatedAlephProposal(branch, session.FirstBlock()+MaxDataBranchLen+1)

	_, ok := proposal.ValidateBounds(session)
	assert.False(t, ok)
}

func TestProposalEmptyBranch(t *testing.T) {
	session := core.NewSessionBoundaries(1, 20)
	proposal := NewUnvalidatedAlephProposal(nil, 25)

	_, ok := proposal.ValidateBounds(session)
	assert.False(t, ok)
}

func TestProposalNotWithinSession(t *testing.T) {
	session := core.NewSessionBoundaries(1, 20)
	branch := testBranch(2)

	// bottom block one below the session
	proposal := NewUnvalidatedAlephProposal(branch, session.FirstBlock())
	_, ok := proposal.ValidateBounds(session)
	assert.False(t, ok)

	// top block one above the session
	proposal = NewUnvalidatedAlephProposal(branch, session.LastBlock()+1)
	_, ok = proposal.ValidateBounds(session)
	assert.False(t, ok)
}

func TestProposalStartingAtGenesis(t *testing.T) {
	session := core.NewSessionBoundaries(0, 20)
	proposal := NewUnvalidatedAlephProposal(testBranch(2), 1)

	_, ok := proposal.ValidateBounds(session)
	assert.False(t, ok)
}

func TestProposalNumberBelowLength(t *testing.T) {
	session := core.NewSessionBoundaries(0, 20)
	proposal := NewUnvalidatedAlephProposal(testBranch(5), 3)

	_, ok := proposal.ValidateBounds(session)
	assert.False(t, ok)
}

func TestProposalValidAtSessionTop(t *testing.T) {
	session := core.NewSessionBoundaries(1, 20)
	branch := testBranch(5)

	proposal, ok := NewUnvalidatedAlephProposal(branch, 39).ValidateBounds(session)
	require.True(t, ok)
	assert.Equal(t, 5, proposal.Len())
	assert.Equal(t, core.BlockNumber(39), proposal.NumberTopBlock())
	assert.Equal(t, core.BlockNumber(35), proposal.NumberBottomBlock())
	assert.Equal(t, core.BlockNumber(34), proposal.NumberBelowBranch())
	assert.Equal(t, core.NewBlockHashNum(branch[4], 39), proposal.TopBlock())
	assert.Equal(t, core.NewBlockHashNum(branch[0], 35), proposal.BottomBlock())

	_, ok = NewUnvalidatedAlephProposal(branch, 40).ValidateBounds(session)
	assert.False(t, ok)
}

func TestProposalMaxLength(t *testing.T) {
	session := core.NewSessionBoundaries(0, 20)

	proposal, ok := NewUnvalidatedAlephProposal(testBranch(MaxDataBranchLen), MaxDataBranchLen+1).ValidateBounds(session)
	require.True(t, ok)
	assert.Equal(t, MaxDataBranchLen, proposal.Len())
	assert.Equal(t, core.BlockNumber(2), proposal.NumberBottomBlock())
	assert.Equal(t, core.BlockNumber(1), proposal.NumberBelowBranch())

	proposal, ok = NewUnvalidatedAlephProposal(testBranch(1), MaxDataBranchLen+1).ValidateBounds(session)
	require.True(t, ok)
	assert.Equal(t, 1, proposal.Len())
	assert.Equal(t, proposal.TopBlock(), proposal.BottomBlock())

	// exactly the maximum length ending at the last block of a session
	session = core.NewSessionBoundaries(1, 20)
	proposal, ok = NewUnvalidatedAlephProposal(testBranch(MaxDataBranchLen), session.LastBlock()).ValidateBounds(session)
	require.True(t, ok)
	assert.Equal(t, session.LastBlock(), proposal.NumberTopBlock())
}

func TestProposalValidationIdempotent(t *testing.T) {
	session := core.NewSessionBoundaries(1, 20)
	unvalidated := NewUnvalidatedAlephProposal(testBranch(3), 30)

	first, ok := unvalidated.ValidateBounds(session)
	require.True(t, ok)
	second, ok := unvalidated.ValidateBounds(session)
	require.True(t, ok)

	assert.True(t, first.Equal(second))
	assert.Equal(t, first.Key(), second.Key())
}

func TestProposalBranchIsCopied(t *testing.T) {
	session := core.NewSessionBoundaries(1, 20)
	branch := testBranch(3)
	proposal, ok := NewUnvalidatedAlephProposal(branch, 30).ValidateBounds(session)
	require.True(t, ok)

	original := branch[0]
	branch[0] = common.Hash{}
	assert.Equal(t, original, proposal.At(0))

	returned := proposal.Branch()
	returned[1] = common.Hash{}
	assert.NotEqual(t, common.Hash{}, proposal.At(1))
}

func TestProposalBlockAtNum(t *testing.T) {
	session := core.NewSessionBoundaries(1, 20)
	branch := testBranch(4)
	proposal, ok := NewUnvalidatedAlephProposal(branch, 30).ValidateBounds(session)
	require.True(t, ok)

	for i, hash := range branch {
		block, ok := proposal.BlockAtNum(core.BlockNumber(27 + i))
		require.True(t, ok)
		assert.Equal(t, hash, block.Hash)
		assert.Equal(t, core.BlockNumber(27+i), block.Num)
	}

	_, ok = proposal.BlockAtNum(26)
	assert.False(t, ok)
	_, ok = proposal.BlockAtNum(31)
	assert.False(t, ok)
}

func TestProposalKey(t *testing.T) {
	branch := testBranch(3)
	a := NewUnvalidatedAlephProposal(branch, 30)
	b := NewUnvalidatedAlephProposal(testBranch(3), 30)
	c := NewUnvalidatedAlephProposal(branch, 31)
	d := NewUnvalidatedAlephProposal(branch[:2], 30)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Key(), c.Key())
	assert.False(t, a.Equal(d))
	assert.NotEqual(t, a.Key(), d.Key())

	seen := map[ProposalKey]struct{}{a.Key(): {}}
	_, dup := seen[b.Key()]
	assert.True(t, dup)

	session := core.NewSessionBoundaries(1, 20)
	validated, ok := a.ValidateBounds(session)
	require.True(t, ok)
	assert.Equal(t, a.Key(), validated.Key())
}

func TestProposalEqualNil(t *testing.T) {
	unvalidated := NewUnvalidatedAlephProposal(testBranch(3), 30)
	assert.False(t, unvalidated.Equal(nil))

	proposal, ok := unvalidated.ValidateBounds(core.NewSessionBoundaries(1, 20))
	require.True(t, ok)
	assert.False(t, proposal.Equal(nil))
}

func TestProposalEncoding(t *testing.T) {
	session := core.NewSessionBoundaries(1, 20)
	unvalidated := NewUnvalidatedAlephProposal(testBranch(3), 30)
	proposal, ok := unvalidated.ValidateBounds(session)
	require.True(t, ok)

	enc, err := rlp.EncodeToBytes(proposal)
	require.NoError(t, err)

	var decoded UnvalidatedAlephProposal
	require.NoError(t, rlp.DecodeBytes(enc, &decoded))
	assert.True(t, unvalidated.Equal(&decoded))
	assert.True(t, proposal.Unvalidated().Equal(&decoded))
}
