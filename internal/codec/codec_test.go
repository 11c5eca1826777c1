package codec

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultrails/internal/chain"
	"vaultrails/internal/contracts"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000005a0001")
	holder    = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

func refs(t *testing.T) (token, vault chain.ContractRef) {
	t.Helper()
	erc20, err := contracts.ParseERC20()
	require.NoError(t, err)
	sy, err := contracts.ParseVault()
	require.NoError(t, err)
	return chain.NewContractRef("token", tokenAddr, erc20, 6), chain.NewContractRef("vault", vaultAddr, sy, 18)
}

func TestEncodeSelectorAndArgs(t *testing.T) {
	token, _ := refs(t)

	data, err := Encode(token, contracts.MethodApprove, vaultAddr.Hex(), chain.AmountFromUint64(1_500_000, 6))
	require.NoError(t, err)
	assert.Equal(t, "095ea7b3", hex.EncodeToString(data[:4]))
	assert.Len(t, data, 4+2*32)
	assert.Equal(t, vaultAddr.Bytes(), data[4+12:4+32])
	assert.Zero(t, new(big.Int).SetBytes(data[36:68]).Cmp(big.NewInt(1_500_000)))
}

func TestEncodeAcceptsIntegerForms(t *testing.T) {
	token, _ := refs(t)
	want, err := Encode(token, contracts.MethodTransfer, holder, big.NewInt(42))
	require.NoError(t, err)

	for _, v := range []any{uint64(42), 42, uint256.NewInt(42), chain.AmountFromUint64(42, 6)} {
		got, err := Encode(token, contracts.MethodTransfer, holder, v)
		require.NoError(t, err, "%T", v)
		assert.Equal(t, want, got, "%T", v)
	}
}

func TestEncodeErrors(t *testing.T) {
	token, vault := refs(t)

	cases := []struct {
		name string
		ref  chain.ContractRef
		args []any
		m    string
		is   error
	}{
		{"unknown method", token, nil, "mint", errUnknownMethod},
		{"arg count", token, []any{holder}, contracts.MethodTransfer, errArgCount},
		{"bad address", token, []any{"0x1234", 1}, contracts.MethodTransfer, errBadAddress},
		{"negative", token, []any{holder, -1}, contracts.MethodTransfer, errOutOfRange},
		{"float", token, []any{holder, 1.5}, contracts.MethodTransfer, errNotInteger},
		{"bool", vault, []any{holder, big.NewInt(1), tokenAddr, big.NewInt(0), "no"}, contracts.MethodRedeem, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.ref, tc.m, tc.args...)
			var encErr *chain.EncodingError
			require.ErrorAs(t, err, &encErr)
			assert.Equal(t, tc.m, encErr.Method)
			if tc.is != nil {
				assert.True(t, errors.Is(err, tc.is), err.Error())
			}
		})
	}
}

func TestDecodeAmount(t *testing.T) {
	token, _ := refs(t)
	raw, err := token.ABI().Methods[contracts.MethodBalanceOf].Outputs.Pack(big.NewInt(2_500_000))
	require.NoError(t, err)

	a, err := DecodeAmount(token, contracts.MethodBalanceOf, raw)
	require.NoError(t, err)
	assert.Equal(t, "2.5", a.String())

	_, err = DecodeAmount(token, contracts.MethodBalanceOf, raw[:10])
	var encErr *chain.EncodingError
	assert.ErrorAs(t, err, &encErr)
}

func TestDecodeEvents(t *testing.T) {
	token, vault := refs(t)
	ev := vault.ABI().Events[contracts.EventDeposit]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(1_000_000), big.NewInt(7))
	require.NoError(t, err)

	receipt := &chain.Receipt{Logs: []*types.Log{
		{
			Address: vaultAddr,
			Topics: []common.Hash{
				ev.ID,
				common.BytesToHash(holder.Bytes()),
				common.BytesToHash(holder.Bytes()),
				common.BytesToHash(tokenAddr.Bytes()),
			},
			Data: data,
		},
		{Address: tokenAddr, Topics: []common.Hash{token.ABI().Events[contracts.EventTransfer].ID}},
	}}

	events, err := DecodeEvents(vault, receipt)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventDeposit, events[0].Name)
	assert.Equal(t, holder, events[0].Fields["receiver"])
	assert.Equal(t, tokenAddr, events[0].Fields["tokenIn"])

	out, err := EventAmount(events[0], "amountSyOut", vault.Decimals)
	require.NoError(t, err)
	assert.Equal(t, "7", out.BaseUnits())

	_, err = EventAmount(events[0], "missing", 18)
	assert.Error(t, err)
}
