// Package contracts embeds the published interfaces of the contracts the workflows talk to.
package contracts

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	//go:embed abi/erc20.json
	ERC20ABI []byte

	//go:embed abi/vault.json
	VaultABI []byte
)

// Method and event names of the vault interface.
const (
	MethodBalanceOf    = "balanceOf"
	MethodAllowance    = "allowance"
	MethodApprove      = "approve"
	MethodTransfer     = "transfer"
	MethodDecimals     = "decimals"
	MethodDeposit      = "deposit"
	MethodRedeem       = "redeem"
	MethodExchangeRate = "exchangeRate"

	EventDeposit  = "Deposit"
	EventRedeem   = "Redeem"
	EventTransfer = "Transfer"
	EventApproval = "Approval"
)

func ParseERC20() (abi.ABI, error) {
	return parse("erc20", ERC20ABI)
}

func ParseVault() (abi.ABI, error) {
	return parse("vault", VaultABI)
}

func parse(name string, raw []byte) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse %s abi: %w", name, err)
	}
	return parsed, nil
}
