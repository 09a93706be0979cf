package network

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Codec converts user messages to and from their wire form.
type Codec[D any] interface {
	Encode(data D) ([]byte, error)
	Decode(raw []byte) (D, error)
}

// RLPCodec encodes messages with RLP.
type RLPCodec[D any] struct{}

// Encode implements Codec.
func (RLPCodec[D]) Encode(data D) ([]byte, error) {
	enc, err := rlp.EncodeToBytes(data)
	if err != nil {
		return nil, fmt.Errorf("rlp encode: %w", err)
	}
	return enc, nil
}

// Decode implements Codec.
func (RLPCodec[D]) Decode(raw []byte) (D, error) {
	var data D
	if err := rlp.DecodeBytes(raw, &data); err != nil {
		return data, fmt.Errorf("rlp decode: %w", err)
	}
	return data, nil
}

// RawCodec passes bytes through unchanged.
type RawCodec struct{}

// Encode implements Codec.
func (RawCodec) Encode(data []byte) ([]byte, error) {
	return data, nil
}

// Decode implements Codec.
func (RawCodec) Decode(raw []byte) ([]byte, error) {
	return raw, nil
}
