package abi

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	abi, err := LoadFile("testdata/factory.json")
	require.NoError(t, err)
	_, ok := abi.parsed.Events["Deployed"]
	assert.True(t, ok)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile("testdata/does-not-exist.json")
	assert.Error(t, err)
}

func TestDecodeLogArgs_IndexedAndNonIndexed(t *testing.T) {
	contractABI, err := LoadFile("testdata/escrow.json")
	require.NoError(t, err)

	event := contractABI.parsed.Events["Released"]

	beneficiary := common.HexToAddress("0x1111111111111111111111111111111111111111")
	amount := big.NewInt(5000)

	data, err := event.Inputs.NonIndexed().Pack(amount)
	require.NoError(t, err)

	indexedTopic := common.BytesToHash(common.LeftPadBytes(beneficiary.Bytes(), 32))

	log := types.Log{
		Topics:      []common.Hash{event.ID, indexedTopic},
		Data:        data,
		BlockNumber: 10,
		TxHash:      common.HexToHash("0xabc"),
		Index:       2,
	}

	args, err := decodeLogArgs(contractABI.parsed, event, log)
	require.NoError(t, err)

	assert.Equal(t, "5000", args["amount"])
	assert.Equal(t, "0x1111111111111111111111111111111111111111", args["beneficiary"])
}

func TestDecodeLogArgs_IndexedChildAndNonIndexedCreator(t *testing.T) {
	contractABI, err := LoadFile("testdata/factory.json")
	require.NoError(t, err)

	event := contractABI.parsed.Events["Deployed"]
	child := common.HexToAddress("0x2222222222222222222222222222222222222222")
	creator := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data, err := event.Inputs.NonIndexed().Pack(creator)
	require.NoError(t, err)

	log := types.Log{
		Topics: []common.Hash{event.ID, common.BytesToHash(common.LeftPadBytes(child.Bytes(), 32))},
		Data:   data,
	}

	args, err := decodeLogArgs(contractABI.parsed, event, log)
	require.NoError(t, err)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", args["child"])
	assert.Equal(t, "0x3333333333333333333333333333333333333333", args["creator"])
}

func TestStringifyArg(t *testing.T) {
	assert.Equal(t, "42", stringifyArg(big.NewInt(42)))
	assert.Equal(t, "true", stringifyArg(true))
	assert.Equal(t, "0x1111111111111111111111111111111111111111", stringifyArg(common.HexToAddress("0x1111111111111111111111111111111111111111")))
}
