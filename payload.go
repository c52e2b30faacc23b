package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// sharedMemo is the decrypted payload body attached to a transaction by its
// counterparty.
type sharedMemo struct {
	Memo string `json:"memo"`
}

const (
	payloadPubKeyLen = 33
	payloadNonceLen  = 12
)

// PayloadCryptor decrypts shared transaction payloads. On-chain payloads are
// keyed to the receive address they arrived on (ECDH against the address
// child key); Lightning payloads use the wallet's fixed default key.
type PayloadCryptor struct {
	source     *HDAddressSource
	defaultKey []byte
}

func NewPayloadCryptor(source *HDAddressSource, lightningDefaultKeyHex string) (*PayloadCryptor, error) {
	var key []byte
	if lightningDefaultKeyHex != "" {
		decoded, err := hex.DecodeString(lightningDefaultKeyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to decode lightning default key: %w", err)
		}
		key = decoded
	}
	return &PayloadCryptor{source: source, defaultKey: key}, nil
}

// DecryptOnChain opens a payload that arrived on a receive address. The wire
// format is ephemeral pubkey (33 bytes) || nonce (12 bytes) || ciphertext.
func (p *PayloadCryptor) DecryptOnChain(txid string, payload []byte, addr DerivedAddress) (string, error) {
	if len(payload) < payloadPubKeyLen+payloadNonceLen+1 {
		return "", DecryptionError{TxID: txid, Err: fmt.Errorf("payload too short: %d bytes", len(payload))}
	}

	ephemeralPub, err := btcec.ParsePubKey(payload[:payloadPubKeyLen])
	if err != nil {
		return "", DecryptionError{TxID: txid, Err: err}
	}

	priv, err := p.source.privateKey(addr.Chain, addr.Index)
	if err != nil {
		return "", DecryptionError{TxID: txid, Err: err}
	}

	shared := btcec.GenerateSharedSecret(priv, ephemeralPub)
	key := sha256.Sum256(shared)

	return p.open(txid, key[:], payload[payloadPubKeyLen:])
}

// DecryptLightning opens a payload delivered over the Lightning side using
// the wallet's fixed default key. Wire format: nonce (12 bytes) || ciphertext.
func (p *PayloadCryptor) DecryptLightning(txid string, payload []byte) (string, error) {
	if len(p.defaultKey) == 0 {
		return "", DecryptionError{TxID: txid, Err: fmt.Errorf("no lightning default key configured")}
	}
	key := sha256.Sum256(p.defaultKey)
	return p.open(txid, key[:], payload)
}

func (p *PayloadCryptor) open(txid string, key, sealed []byte) (string, error) {
	if len(sealed) < payloadNonceLen+1 {
		return "", DecryptionError{TxID: txid, Err: fmt.Errorf("sealed payload too short: %d bytes", len(sealed))}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", DecryptionError{TxID: txid, Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", DecryptionError{TxID: txid, Err: err}
	}

	nonce := sealed[:payloadNonceLen]
	plaintext, err := gcm.Open(nil, nonce, sealed[payloadNonceLen:], nil)
	if err != nil {
		return "", DecryptionError{TxID: txid, Err: err}
	}

	var memo sharedMemo
	if err := json.Unmarshal(plaintext, &memo); err != nil {
		// Older payload versions carried the memo as a bare string.
		return string(plaintext), nil
	}
	return memo.Memo, nil
}
