package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"vaultrails/internal/chain"
	"vaultrails/internal/contracts"
)

const fakeGasPerTx = 90_000

var (
	errFakeConnReset = errors.New("connection reset by peer")
	errNonceTooLow   = errors.New("nonce too low")
	errNonceTooHigh  = errors.New("nonce too high")
)

// Fake is an in-memory ledger hosting ERC-20 tokens and standardized-yield vaults.
// It mines every accepted transaction in its own block and advances the head by one
// block each time BlockNumber is polled. Fault injection hooks let tests exercise
// reverts, stalled transactions and transport failures.
type Fake struct {
	mu sync.Mutex

	chainID *big.Int
	signer  types.Signer
	erc20   abi.ABI
	vault   abi.ABI

	head     uint64
	nonces   map[common.Address]uint64
	state    *fakeState
	receipts map[common.Hash]*types.Receipt
	stalled  map[common.Hash]*types.Transaction
	sent     []*types.Transaction

	revertOn      map[string]string
	stallOn       map[string]bool
	submitFaults  int
	receiptFaults int
	callFaults    int
}

type fakeState struct {
	tokens map[common.Address]*fakeToken
	vaults map[common.Address]*fakeVault
}

type fakeToken struct {
	decimals   uint8
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

type fakeVault struct {
	underlying      common.Address
	rateNum         *big.Int
	rateDen         *big.Int
	enforceSlippage bool
	accounted       *big.Int
}

func NewFake(chainID int64) *Fake {
	erc20, err := contracts.ParseERC20()
	if err != nil {
		panic(err)
	}
	vault, err := contracts.ParseVault()
	if err != nil {
		panic(err)
	}
	id := big.NewInt(chainID)
	return &Fake{
		chainID:  id,
		signer:   types.LatestSignerForChainID(id),
		erc20:    erc20,
		vault:    vault,
		head:     1,
		nonces:   make(map[common.Address]uint64),
		state:    &fakeState{tokens: make(map[common.Address]*fakeToken), vaults: make(map[common.Address]*fakeVault)},
		receipts: make(map[common.Hash]*types.Receipt),
		stalled:  make(map[common.Hash]*types.Transaction),
		revertOn: make(map[string]string),
		stallOn:  make(map[string]bool),
	}
}

// DeployToken registers an ERC-20 token at addr.
func (f *Fake) DeployToken(addr common.Address, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.tokens[addr] = newFakeToken(decimals)
}

// DeployVault registers a vault at addr issuing shares 1:1 against underlying.
func (f *Fake) DeployVault(addr, underlying common.Address, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.tokens[addr] = newFakeToken(decimals)
	f.state.vaults[addr] = &fakeVault{
		underlying:      underlying,
		rateNum:         big.NewInt(1),
		rateDen:         big.NewInt(1),
		enforceSlippage: true,
		accounted:       new(big.Int),
	}
}

// SetExchangeRate makes deposits mint amount*num/den shares and redemptions pay shares*den/num.
func (f *Fake) SetExchangeRate(vault common.Address, num, den int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.state.vaults[vault]
	v.rateNum = big.NewInt(num)
	v.rateDen = big.NewInt(den)
}

// SetSlippageEnforced toggles whether the vault reverts on minSharesOut/minTokenOut.
func (f *Fake) SetSlippageEnforced(vault common.Address, enforced bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.vaults[vault].enforceSlippage = enforced
}

// Mint credits amount of token to holder. For vault shares the vault's accounted
// underlying is not changed.
func (f *Fake) Mint(token, holder common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.state.tokens[token]
	t.credit(holder, amount)
	t.supply.Add(t.supply, amount)
}

func (f *Fake) BalanceOf(token, holder common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.state.tokens[token].balance(holder))
}

// RevertOn makes every mined call to method revert with reason. Gas estimation is
// unaffected, as if state changed between estimation and inclusion.
func (f *Fake) RevertOn(method, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertOn[method] = reason
}

// StallOn accepts transactions calling method but never includes them.
func (f *Fake) StallOn(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stallOn[method] = true
}

// FailSubmits makes the next n submissions fail with a transport error.
func (f *Fake) FailSubmits(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitFaults = n
}

// FailReceipts makes the next n receipt lookups fail with a transport error.
func (f *Fake) FailReceipts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptFaults = n
}

// FailCalls makes the next n read calls fail with a transport error.
func (f *Fake) FailCalls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callFaults = n
}

// Sent returns every transaction accepted by Submit, in order.
func (f *Fake) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentMethods returns the method names of accepted transactions, in order.
func (f *Fake) SentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, tx := range f.sent {
		m, _, err := f.lookup(tx.To(), tx.Data())
		if err != nil {
			out = append(out, "?")
			continue
		}
		out = append(out, m.Name)
	}
	return out
}

func (f *Fake) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *Fake) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	return f.head, nil
}

func (f *Fake) PendingNonce(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

// Call executes msg against a copy of the state. A non-nil block is treated as a
// replay of a mined transaction, so injected reverts apply.
func (f *Fake) Call(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callFaults > 0 {
		f.callFaults--
		return nil, &chain.NetworkError{Op: "eth_call", Err: errFakeConnReset}
	}
	res := f.exec(f.state.clone(), msg.From, msg.To, msg.Data, block != nil)
	if res.reverted {
		return nil, &chain.RevertedError{Reason: res.reason, Simulated: true}
	}
	return res.ret, nil
}

func (f *Fake) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.exec(f.state.clone(), msg.From, msg.To, msg.Data, false)
	if res.reverted {
		return 0, &chain.RevertedError{Reason: res.reason, Simulated: true}
	}
	return fakeGasPerTx, nil
}

func (f *Fake) SuggestFees(context.Context) (chain.Fees, error) {
	return chain.Fees{GasTipCap: big.NewInt(1_000_000_000), GasFeeCap: big.NewInt(3_000_000_000)}, nil
}

func (f *Fake) Submit(_ context.Context, req chain.TransactionRequest, signed *types.Transaction) (chain.TransactionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitFaults > 0 {
		f.submitFaults--
		return chain.TransactionHandle{}, &chain.NetworkError{Op: "send transaction", Err: errFakeConnReset}
	}
	sender, err := types.Sender(f.signer, signed)
	if err != nil {
		return chain.TransactionHandle{}, &chain.NetworkError{Op: "send transaction", Err: fmt.Errorf("invalid sender: %w", err)}
	}
	switch expected := f.nonces[sender]; {
	case signed.Nonce() < expected:
		return chain.TransactionHandle{}, &chain.NetworkError{Op: "send transaction", Err: errNonceTooLow}
	case signed.Nonce() > expected:
		return chain.TransactionHandle{}, &chain.NetworkError{Op: "send transaction", Err: errNonceTooHigh}
	}
	f.nonces[sender]++
	f.sent = append(f.sent, signed)

	handle := chain.TransactionHandle{Hash: signed.Hash(), Request: req, SubmittedAt: time.Now()}

	if m, _, err := f.lookup(signed.To(), signed.Data()); err == nil && f.stallOn[m.Name] {
		f.stalled[signed.Hash()] = signed
		return handle, nil
	}

	next := f.state.clone()
	res := f.exec(next, sender, signed.To(), signed.Data(), true)
	f.head++
	status := types.ReceiptStatusFailed
	var logs []*types.Log
	if !res.reverted {
		f.state = next
		status = types.ReceiptStatusSuccessful
		logs = res.logs
	}
	for i, lg := range logs {
		lg.TxHash = signed.Hash()
		lg.BlockNumber = f.head
		lg.Index = uint(i)
	}
	f.receipts[signed.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      signed.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.head),
		GasUsed:     fakeGasPerTx,
		Logs:        logs,
	}
	return handle, nil
}

func (f *Fake) Receipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptFaults > 0 {
		f.receiptFaults--
		return nil, &chain.NetworkError{Op: "transaction receipt", Err: errFakeConnReset}
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, chain.ErrPending
	}
	return chain.ReceiptFromEth(r), nil
}

type execResult struct {
	ret      []byte
	logs     []*types.Log
	reverted bool
	reason   string
}

func revert(reason string) execResult {
	return execResult{reverted: true, reason: reason}
}

func (f *Fake) lookup(to *common.Address, data []byte) (*abi.Method, *abi.ABI, error) {
	if to == nil || len(data) < 4 {
		return nil, nil, errors.New("not a contract call")
	}
	iface := &f.erc20
	if _, ok := f.state.vaults[*to]; ok {
		iface = &f.vault
	}
	m, err := iface.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	return m, iface, nil
}

func (f *Fake) exec(st *fakeState, from common.Address, to *common.Address, data []byte, injected bool) execResult {
	m, iface, err := f.lookup(to, data)
	if err != nil {
		return revert(err.Error())
	}
	token, ok := st.tokens[*to]
	if !ok {
		return revert("call to non-contract")
	}
	if reason, ok := f.revertOn[m.Name]; ok && injected {
		return revert(reason)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return revert("bad calldata")
	}
	c := &fakeCall{f: f, st: st, iface: iface, from: from, self: *to, token: token}
	if v, isVault := st.vaults[*to]; isVault {
		c.vault = v
	}
	ret, reason := c.dispatch(m.Name, args)
	if reason != "" {
		return revert(reason)
	}
	packed, err := m.Outputs.Pack(ret...)
	if err != nil {
		return revert("bad return")
	}
	return execResult{ret: packed, logs: c.logs}
}

type fakeCall struct {
	f     *Fake
	st    *fakeState
	iface *abi.ABI
	from  common.Address
	self  common.Address
	token *fakeToken
	vault *fakeVault
	logs  []*types.Log
}

func (c *fakeCall) dispatch(method string, args []any) ([]any, string) {
	switch method {
	case contracts.MethodBalanceOf:
		return []any{c.token.balance(args[0].(common.Address))}, ""
	case contracts.MethodAllowance:
		return []any{c.token.allowance(args[0].(common.Address), args[1].(common.Address))}, ""
	case contracts.MethodDecimals:
		return []any{c.token.decimals}, ""
	case "totalSupply":
		return []any{new(big.Int).Set(c.token.supply)}, ""
	case contracts.MethodApprove:
		spender, amount := args[0].(common.Address), args[1].(*big.Int)
		c.token.setAllowance(c.from, spender, amount)
		c.emit(&c.f.erc20, c.self, contracts.EventApproval, []common.Address{c.from, spender}, amount)
		return []any{true}, ""
	case contracts.MethodTransfer:
		if reason := c.move(c.self, c.from, args[0].(common.Address), args[1].(*big.Int)); reason != "" {
			return nil, reason
		}
		return []any{true}, ""
	case "transferFrom":
		owner, to, amount := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		if reason := c.spendAllowance(c.self, owner, c.from, amount); reason != "" {
			return nil, reason
		}
		if reason := c.move(c.self, owner, to, amount); reason != "" {
			return nil, reason
		}
		return []any{true}, ""
	}
	if c.vault == nil {
		return nil, "unsupported method " + method
	}
	switch method {
	case "yieldToken":
		return []any{c.vault.underlying}, ""
	case contracts.MethodExchangeRate:
		one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
		return []any{new(big.Int).Div(new(big.Int).Mul(one, c.vault.rateDen), c.vault.rateNum)}, ""
	case "previewDeposit":
		return []any{c.vault.sharesFor(args[1].(*big.Int))}, ""
	case "previewRedeem":
		return []any{c.vault.tokensFor(args[1].(*big.Int))}, ""
	case contracts.MethodDeposit:
		return c.deposit(args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int), args[3].(*big.Int))
	case contracts.MethodRedeem:
		return c.redeem(args[0].(common.Address), args[1].(*big.Int), args[2].(common.Address), args[3].(*big.Int))
	}
	return nil, "unsupported method " + method
}

// deposit consumes underlying already sent to the vault before pulling via allowance.
func (c *fakeCall) deposit(receiver, tokenIn common.Address, amount, minShares *big.Int) ([]any, string) {
	if tokenIn != c.vault.underlying {
		return nil, "SYInvalidTokenIn"
	}
	if amount.Sign() == 0 {
		return nil, "SYZeroDeposit"
	}
	underlying := c.st.tokens[c.vault.underlying]
	floating := new(big.Int).Sub(underlying.balance(c.self), c.vault.accounted)
	if floating.Cmp(amount) < 0 {
		if reason := c.spendAllowance(c.vault.underlying, c.from, c.self, amount); reason != "" {
			return nil, reason
		}
		if reason := c.move(c.vault.underlying, c.from, c.self, amount); reason != "" {
			return nil, reason
		}
	}
	c.vault.accounted.Add(c.vault.accounted, amount)

	shares := c.vault.sharesFor(amount)
	if c.vault.enforceSlippage && shares.Cmp(minShares) < 0 {
		return nil, "SYInsufficientSharesOut"
	}
	c.token.credit(receiver, shares)
	c.token.supply.Add(c.token.supply, shares)
	c.emit(&c.f.vault, c.self, contracts.EventTransfer, []common.Address{{}, receiver}, shares)
	c.emit(&c.f.vault, c.self, contracts.EventDeposit, []common.Address{c.from, receiver, tokenIn}, amount, shares)
	return []any{shares}, ""
}

func (c *fakeCall) redeem(receiver common.Address, shares *big.Int, tokenOut common.Address, minOut *big.Int) ([]any, string) {
	if tokenOut != c.vault.underlying {
		return nil, "SYInvalidTokenOut"
	}
	if shares.Sign() == 0 {
		return nil, "SYZeroRedeem"
	}
	if c.token.balance(c.from).Cmp(shares) < 0 {
		return nil, "ERC20: burn amount exceeds balance"
	}
	out := c.vault.tokensFor(shares)
	if c.vault.enforceSlippage && out.Cmp(minOut) < 0 {
		return nil, "SYInsufficientTokenOut"
	}
	c.token.debit(c.from, shares)
	c.token.supply.Sub(c.token.supply, shares)
	c.emit(&c.f.vault, c.self, contracts.EventTransfer, []common.Address{c.from, {}}, shares)
	if reason := c.move(c.vault.underlying, c.self, receiver, out); reason != "" {
		return nil, reason
	}
	c.vault.accounted.Sub(c.vault.accounted, out)
	if c.vault.accounted.Sign() < 0 {
		c.vault.accounted.SetInt64(0)
	}
	c.emit(&c.f.vault, c.self, contracts.EventRedeem, []common.Address{c.from, receiver, tokenOut}, shares, out)
	return []any{out}, ""
}

func (c *fakeCall) move(token, from, to common.Address, amount *big.Int) string {
	t := c.st.tokens[token]
	if t.balance(from).Cmp(amount) < 0 {
		return "ERC20: transfer amount exceeds balance"
	}
	t.debit(from, amount)
	t.credit(to, amount)
	c.emit(&c.f.erc20, token, contracts.EventTransfer, []common.Address{from, to}, amount)
	return ""
}

func (c *fakeCall) spendAllowance(token, owner, spender common.Address, amount *big.Int) string {
	t := c.st.tokens[token]
	current := t.allowance(owner, spender)
	if current.Cmp(amount) < 0 {
		return "ERC20: insufficient allowance"
	}
	t.setAllowance(owner, spender, new(big.Int).Sub(current, amount))
	return ""
}

func (c *fakeCall) emit(iface *abi.ABI, contract common.Address, name string, indexed []common.Address, values ...any) {
	ev := iface.Events[name]
	topics := []common.Hash{ev.ID}
	for _, addr := range indexed {
		topics = append(topics, common.BytesToHash(addr.Bytes()))
	}
	data, err := ev.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("fake ledger: pack %s: %v", name, err))
	}
	c.logs = append(c.logs, &types.Log{Address: contract, Topics: topics, Data: data})
}

func newFakeToken(decimals uint8) *fakeToken {
	return &fakeToken{
		decimals:   decimals,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *fakeToken) balance(holder common.Address) *big.Int {
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (t *fakeToken) credit(holder common.Address, amount *big.Int) {
	t.balances[holder] = new(big.Int).Add(t.balance(holder), amount)
}

func (t *fakeToken) debit(holder common.Address, amount *big.Int) {
	t.balances[holder] = new(big.Int).Sub(t.balance(holder), amount)
}

func (t *fakeToken) allowance(owner, spender common.Address) *big.Int {
	if byOwner, ok := t.allowances[owner]; ok {
		if v, ok := byOwner[spender]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

func (t *fakeToken) setAllowance(owner, spender common.Address, amount *big.Int) {
	if _, ok := t.allowances[owner]; !ok {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (t *fakeToken) clone() *fakeToken {
	out := newFakeToken(t.decimals)
	out.supply.Set(t.supply)
	for k, v := range t.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	for owner, bySpender := range t.allowances {
		out.allowances[owner] = make(map[common.Address]*big.Int, len(bySpender))
		for spender, v := range bySpender {
			out.allowances[owner][spender] = new(big.Int).Set(v)
		}
	}
	return out
}

func (v *fakeVault) sharesFor(amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, v.rateNum)
	return out.Div(out, v.rateDen)
}

func (v *fakeVault) tokensFor(shares *big.Int) *big.Int {
	out := new(big.Int).Mul(shares, v.rateDen)
	return out.Div(out, v.rateNum)
}

func (s *fakeState) clone() *fakeState {
	out := &fakeState{
		tokens: make(map[common.Address]*fakeToken, len(s.tokens)),
		vaults: make(map[common.Address]*fakeVault, len(s.vaults)),
	}
	for addr, t := range s.tokens {
		out.tokens[addr] = t.clone()
	}
	for addr, v := range s.vaults {
		cp := *v
		cp.accounted = new(big.Int).Set(v.accounted)
		out.vaults[addr] = &cp
	}
	return out
}
