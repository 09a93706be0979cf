package data

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
)

// mockChain is a linear chain with optional forks, keyed by block hash.
type mockChain struct {
	parents   map[core.BlockHash]core.BlockHash
	finalized core.BlockHashNum
}

func newMockChain() *mockChain {
	return &mockChain{parents: make(map[core.BlockHash]core.BlockHash)}
}

func blockHash(tag byte, num int) core.BlockHash {
	return common.BytesToHash([]byte{tag, byte(num >> 8), byte(num)})
}

// extend imports blocks from..to on the fork tagged tag, starting on top of parent.
func (c *mockChain) extend(tag byte, parent core.BlockHash, from, to int) []core.BlockHash {
	var hashes []core.BlockHash
	for n := from; n <= to; n++ {
		h := blockHash(tag, n)
		c.parents[h] = parent
		parent = h
		hashes = append(hashes, h)
	}
	return hashes
}

func (c *mockChain) IsBlockImported(block core.BlockHashNum) bool {
	_, ok := c.parents[block.Hash]
	return ok
}

func (c *mockChain) HighestFinalized() core.BlockHashNum {
	return c.finalized
}

func (c *mockChain) ParentOf(block core.BlockHashNum) (core.BlockHash, bool) {
	parent, ok := c.parents[block.Hash]
	return parent, ok
}

// setup imports blocks 1..40 on the best chain with the given block finalized.
func setup(t *testing.T, finalized int) (*mockChain, []core.BlockHash) {
	t.Helper()
	chain := newMockChain()
	best := append([]core.BlockHash{blockHash('m', 0)}, chain.extend('m', blockHash('m', 0), 1, 40)...)
	chain.finalized = core.NewBlockHashNum(best[finalized], core.BlockNumber(finalized))
	return chain, best
}

func validated(t *testing.T, branch []core.BlockHash, top int) *AlephProposal {
	t.Helper()
	proposal, ok := NewUnvalidatedAlephProposal(branch, core.BlockNumber(top)).ValidateBounds(core.NewSessionBoundaries(1, 20))
	require.True(t, ok)
	return proposal
}

func TestProposalStatusFinalize(t *testing.T) {
	chain, best := setup(t, 24)
	proposal := validated(t, best[25:30], 29)

	status := ProposalStatusOf(chain, proposal, nil)
	block, ok := status.IsFinalize()
	require.True(t, ok, status.String())
	assert.Equal(t, proposal.TopBlock(), block)
}

func TestProposalStatusFinalizeOverlappingFinalized(t *testing.T) {
	chain, best := setup(t, 27)
	proposal := validated(t, best[25:30], 29)

	_, ok := ProposalStatusOf(chain, proposal, nil).IsFinalize()
	assert.True(t, ok)
}

func TestProposalStatusIgnoreAlreadyFinalized(t *testing.T) {
	chain, best := setup(t, 29)
	proposal := validated(t, best[25:30], 29)

	assert.True(t, ProposalStatusOf(chain, proposal, nil).IsIgnore())
}

func TestProposalStatusPendingTopBlock(t *testing.T) {
	chain, _ := setup(t, 24)
	branch := []core.BlockHash{blockHash('x', 25), blockHash('x', 26)}
	proposal := validated(t, branch, 26)

	reason, ok := ProposalStatusOf(chain, proposal, nil).IsPending()
	require.True(t, ok)
	assert.Equal(t, PendingTopBlock, reason)
}

func TestProposalStatusIncorrectBranch(t *testing.T) {
	chain, best := setup(t, 24)
	branch := []core.BlockHash{blockHash('x', 25), best[26]}
	proposal := validated(t, branch, 26)

	status := ProposalStatusOf(chain, proposal, nil)
	reason, ok := status.IsPending()
	require.True(t, ok)
	assert.Equal(t, TopBlockImportedButIncorrectBranch, reason)

	// sticky even if the chain state would otherwise say something else
	chain.parents = map[core.BlockHash]core.BlockHash{}
	again := ProposalStatusOf(chain, proposal, &status)
	assert.Equal(t, status, again)
}

func TestProposalStatusNotFinalizedAncestor(t *testing.T) {
	chain, best := setup(t, 21)
	proposal := validated(t, best[25:30], 29)

	reason, ok := ProposalStatusOf(chain, proposal, nil).IsPending()
	require.True(t, ok)
	assert.Equal(t, TopBlockImportedButNotFinalizedAncestor, reason)

	chain.finalized = core.NewBlockHashNum(best[24], 24)
	_, ok = ProposalStatusOf(chain, proposal, nil).IsFinalize()
	assert.True(t, ok)
}

func TestProposalStatusIgnoreFork(t *testing.T) {
	chain, best := setup(t, 24)
	fork := chain.extend('f', best[22], 23, 30)
	proposal := validated(t, fork[2:8], 30)

	// fork branches off below the finalized block 24
	assert.True(t, ProposalStatusOf(chain, proposal, nil).IsIgnore())

	// fork block inside the branch at the finalized height
	proposal = validated(t, fork[1:8], 30)
	assert.True(t, ProposalStatusOf(chain, proposal, nil).IsIgnore())
}

func TestProposalStatusString(t *testing.T) {
	assert.Equal(t, "Ignore", Ignore().String())
	assert.Equal(t, "Pending(PendingTopBlock)", Pending(PendingTopBlock).String())
	assert.Contains(t, Finalize(core.NewBlockHashNum(blockHash('m', 1), 1)).String(), "Finalize(")
	assert.Equal(t, Pending(TopBlockImportedButIncorrectBranch), Pending(TopBlockImportedButIncorrectBranch))
	assert.NotEqual(t, Pending(PendingTopBlock), Ignore())
}
