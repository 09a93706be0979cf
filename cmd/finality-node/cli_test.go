package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/core"
	"github.com/VanDung-dev/AlephFinality-Engine/finality-engine/data"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Name+" v"+Version+"\n", out)
}

func TestSessionCmd(t *testing.T) {
	out, err := execute(t, "session", "--id", "2", "--period", "20")
	require.NoError(t, err)
	assert.Equal(t, "session 2: first 40, last 59\n", out)

	out, err = execute(t, "session", "--block", "45", "--period", "20")
	require.NoError(t, err)
	assert.Equal(t, "session 2: first 40, last 59\n", out)
}

func TestValidateProposalCmd(t *testing.T) {
	branch := "0x01,0x02,0x03"

	out, err := execute(t, "validate-proposal", "--number", "12", "--branch", branch, "--period", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "valid:")
	assert.Contains(t, out, "[0, 19]")

	// bottom block 10 lies before session 1
	out, err = execute(t, "validate-proposal", "--number", "12", "--branch", branch, "--period", "20", "--session", "1")
	assert.Error(t, err)
	assert.Contains(t, out, "invalid:")

	_, err = execute(t, "validate-proposal", "--number", "12", "--branch", "zz", "--period", "20")
	assert.Error(t, err)

	_, err = execute(t, "validate-proposal", "--number", "12", "--branch", branch, "--period", "0")
	assert.Error(t, err)
}

func TestParseBranch(t *testing.T) {
	hashes, err := parseBranch(" 0x01 , ,0x" + string(bytes.Repeat([]byte("ab"), 32)))
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	assert.Equal(t, byte(0x01), hashes[0][31])
	assert.Equal(t, byte(0xab), hashes[1][0])

	_, err = parseBranch("0x" + string(bytes.Repeat([]byte("ab"), 33)))
	assert.Error(t, err)
}

func TestSessionFlagsRejectOutOfRange(t *testing.T) {
	_, err := execute(t, "session", "--block", "4294967296", "--period", "20")
	assert.Error(t, err)

	_, err = execute(t, "validate-proposal", "--number", "12", "--branch", "0x01", "--session", "4294967296")
	assert.Error(t, err)

	_, err = execute(t, "session", "--block", "-1")
	assert.Error(t, err)
}

func TestValidateProposalExplicitSessionZero(t *testing.T) {
	// block 45 derives session 2, an explicit session 0 overrides it
	out, err := execute(t, "validate-proposal", "--number", "45", "--branch", "0x01", "--period", "20", "--session", "0")
	assert.Error(t, err)
	assert.Contains(t, out, "[0, 19]")
}

func TestLogProposalsDrains(t *testing.T) {
	proposals := make(chan *data.AlephProposal)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- logProposals(ctx, proposals) }()

	proposal, ok := data.NewUnvalidatedAlephProposal([]core.BlockHash{{1}, {2}}, 12).
		ValidateBounds(core.NewSessionBoundaries(0, 20))
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		select {
		case proposals <- proposal:
		case <-time.After(time.Second):
			t.Fatal("proposal not consumed")
		}
	}

	cancel()
	select {
	case count := <-done:
		assert.Equal(t, 5, count)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestSetupLogging(t *testing.T) {
	assert.NoError(t, setupLogging("debug"))
	assert.Error(t, setupLogging("loud"))
}
