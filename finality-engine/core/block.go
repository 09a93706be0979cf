package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BlockHash identifies a block.
type BlockHash = common.Hash

// BlockNumber is the height of a block. Genesis has number 0.
type BlockNumber uint32

// BlockHashNum pairs a block hash with the number it is claimed to have.
type BlockHashNum struct {
	Hash BlockHash   `json:"hash"`
	Num  BlockNumber `json:"num"`
}

// NewBlockHashNum creates a hash/number pair.
func NewBlockHashNum(hash BlockHash, num BlockNumber) BlockHashNum {
	return BlockHashNum{Hash: hash, Num: num}
}

func (b BlockHashNum) String() string {
	return fmt.Sprintf("#%d (%s)", b.Num, b.Hash.TerminalString())
}
