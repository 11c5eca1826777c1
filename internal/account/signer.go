package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for one address. Implementations never expose key material.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// KeyedSigner signs with an in-process private key through a bind transactor.
type KeyedSigner struct {
	from   common.Address
	signFn bind.SignerFn
}

func NewKeyedSigner(hexKey string, chainID *big.Int) (*KeyedSigner, error) {
	pk, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	return &KeyedSigner{from: opts.From, signFn: opts.Signer}, nil
}

func (s *KeyedSigner) Address() common.Address {
	return s.from
}

func (s *KeyedSigner) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return s.signFn(s.from, tx)
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// the underlying error may echo input bytes
		return nil, fmt.Errorf("parse private key: invalid hex key")
	}
	return key, nil
}

// KeystoreSigner signs with a key held in an encrypted go-ethereum keystore directory.
// The key is unlocked once at construction; the passphrase is not retained.
type KeystoreSigner struct {
	ks      *keystore.KeyStore
	account accounts.Account
	chainID *big.Int
}

func NewKeystoreSigner(dir string, address common.Address, passphrase string, chainID *big.Int) (*KeystoreSigner, error) {
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	acct, err := ks.Find(accounts.Account{Address: address})
	if err != nil {
		return nil, fmt.Errorf("find %s in keystore: %w", address.Hex(), err)
	}
	if err := ks.Unlock(acct, passphrase); err != nil {
		return nil, fmt.Errorf("unlock %s: %w", address.Hex(), err)
	}
	return &KeystoreSigner{ks: ks, account: acct, chainID: new(big.Int).Set(chainID)}, nil
}

func (s *KeystoreSigner) Address() common.Address {
	return s.account.Address
}

func (s *KeystoreSigner) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return s.ks.SignTx(s.account, tx, s.chainID)
}
