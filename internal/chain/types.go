package chain

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrPending is returned by receipt lookups for transactions not yet included in a block.
var ErrPending = errors.New("transaction pending")

// ContractRef binds a deployed contract address to its published interface.
type ContractRef struct {
	Name     string
	Address  common.Address
	Decimals uint8
	abi      *abi.ABI
}

func NewContractRef(name string, address common.Address, iface abi.ABI, decimals uint8) ContractRef {
	return ContractRef{
		Name:     name,
		Address:  address,
		Decimals: decimals,
		abi:      &iface,
	}
}

// ABI returns the contract interface. The returned value must not be modified.
func (c ContractRef) ABI() *abi.ABI {
	return c.abi
}

// WithDecimals returns a copy carrying the token's decimal scale.
func (c ContractRef) WithDecimals(decimals uint8) ContractRef {
	c.Decimals = decimals
	return c
}

// Fees carries either a legacy gas price or EIP-1559 caps.
type Fees struct {
	GasPrice  *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

func (f Fees) Dynamic() bool {
	return f.GasFeeCap != nil
}

// TransactionRequest is everything needed to build and sign one ledger transaction.
type TransactionRequest struct {
	ChainID *big.Int
	From    common.Address
	To      ContractRef
	Method  string
	Data    []byte
	Value   *big.Int
	Gas     uint64
	Fees    Fees
	Nonce   uint64
}

func (r TransactionRequest) CallMsg() ethereum.CallMsg {
	to := r.To.Address
	return ethereum.CallMsg{
		From:  r.From,
		To:    &to,
		Value: r.Value,
		Data:  r.Data,
	}
}

// Transaction builds the unsigned transaction for this request.
func (r TransactionRequest) Transaction() *types.Transaction {
	to := r.To.Address
	value := r.Value
	if value == nil {
		value = new(big.Int)
	}
	if r.Fees.Dynamic() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   r.ChainID,
			Nonce:     r.Nonce,
			GasTipCap: r.Fees.GasTipCap,
			GasFeeCap: r.Fees.GasFeeCap,
			Gas:       r.Gas,
			To:        &to,
			Value:     value,
			Data:      r.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    r.Nonce,
		GasPrice: r.Fees.GasPrice,
		Gas:      r.Gas,
		To:       &to,
		Value:    value,
		Data:     r.Data,
	})
}

// TransactionHandle identifies a broadcast transaction until a terminal receipt is seen.
type TransactionHandle struct {
	Hash        common.Hash
	Request     TransactionRequest
	SubmittedAt time.Time
}

// Event is a decoded log entry.
type Event struct {
	Name     string         `json:"name"`
	Contract common.Address `json:"contract"`
	Fields   map[string]any `json:"fields"`
}

// Receipt is the ledger's record of a transaction's execution.
type Receipt struct {
	Hash        common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	Success     bool
	GasUsed     uint64
	Logs        []*types.Log
	Events      []Event
}

func ReceiptFromEth(r *types.Receipt) *Receipt {
	out := &Receipt{
		Hash:      r.TxHash,
		BlockHash: r.BlockHash,
		Success:   r.Status == types.ReceiptStatusSuccessful,
		GasUsed:   r.GasUsed,
		Logs:      r.Logs,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

// EventsNamed filters decoded events by name and emitting contract.
func (r *Receipt) EventsNamed(contract common.Address, name string) []Event {
	var out []Event
	for _, ev := range r.Events {
		if ev.Name == name && ev.Contract == contract {
			out = append(out, ev)
		}
	}
	return out
}
