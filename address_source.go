package main

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// AddressSource derives deterministic HD wallet addresses. Derivation is a
// pure function of the wallet seed, chain and index; it fails only on invalid
// index ranges or a broken child key.
type AddressSource interface {
	DeriveAddress(chain AddressChain, index uint32) (DerivedAddress, error)
}

// HDAddressSource derives BIP84 (P2WPKH) addresses from an account-level
// extended private key (m/84'/coin'/0').
type HDAddressSource struct {
	account *hdkeychain.ExtendedKey
	params  *chaincfg.Params
}

func NewHDAddressSource(accountXpriv string, params *chaincfg.Params) (*HDAddressSource, error) {
	key, err := hdkeychain.NewKeyFromString(accountXpriv)
	if err != nil {
		return nil, fmt.Errorf("failed to parse account key: %w", err)
	}
	if !key.IsPrivate() {
		return nil, fmt.Errorf("account key must be an extended private key")
	}
	return &HDAddressSource{account: key, params: params}, nil
}

func (s *HDAddressSource) DeriveAddress(chain AddressChain, index uint32) (DerivedAddress, error) {
	child, err := s.childKey(chain, index)
	if err != nil {
		return DerivedAddress{}, err
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return DerivedAddress{}, AddressDerivationError{Chain: chain, Index: index, Err: err}
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), s.params)
	if err != nil {
		return DerivedAddress{}, AddressDerivationError{Chain: chain, Index: index, Err: err}
	}

	return DerivedAddress{
		Address: addr.EncodeAddress(),
		Chain:   chain,
		Index:   index,
		Path:    s.derivationPath(chain, index),
	}, nil
}

// privateKey exposes the child key for shared-payload decryption. Not part of
// the AddressSource contract.
func (s *HDAddressSource) privateKey(chain AddressChain, index uint32) (*btcec.PrivateKey, error) {
	child, err := s.childKey(chain, index)
	if err != nil {
		return nil, err
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, AddressDerivationError{Chain: chain, Index: index, Err: err}
	}
	return priv, nil
}

func (s *HDAddressSource) childKey(chain AddressChain, index uint32) (*hdkeychain.ExtendedKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, AddressDerivationError{Chain: chain, Index: index, Err: fmt.Errorf("index out of range")}
	}

	branch, err := s.account.Derive(uint32(chain))
	if err != nil {
		return nil, AddressDerivationError{Chain: chain, Index: index, Err: err}
	}
	child, err := branch.Derive(index)
	if err != nil {
		return nil, AddressDerivationError{Chain: chain, Index: index, Err: err}
	}
	return child, nil
}

func (s *HDAddressSource) derivationPath(chain AddressChain, index uint32) string {
	coinType := 0
	if s.params.Name != chaincfg.MainNetParams.Name {
		coinType = 1
	}
	return fmt.Sprintf("m/84'/%d'/0'/%d/%d", coinType, chain, index)
}
