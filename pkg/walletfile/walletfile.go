// Package walletfile implements the encrypted single-key wallet format
// shared by cmd/walletutil, cmd/haloblockd and cmd/powerworker, grounded on
// walletserver/services.WalletService's shape, adapted from an HD
// wallet wrapper to a single scrypt + chacha20poly1305 encrypted
// secp256k1 keypair.
package walletfile

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"haloblock/core"
)

const (
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
	saltBytes = 16
)

// File is the on-disk JSON wallet format.
type File struct {
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	ScryptN    int    `json:"scrypt_n"`
	ScryptR    int    `json:"scrypt_r"`
	ScryptP    int    `json:"scrypt_p"`
}

// Create generates a new secp256k1 keypair, encrypts it under passphrase,
// and writes it to path.
func Create(path, passphrase string) (core.Address, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return core.Address{}, err
	}
	addr, err := core.MakeAddress([][]byte{priv.PubKey().SerializeCompressed()}, 1)
	if err != nil {
		return core.Address{}, err
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return core.Address{}, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return core.Address{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return core.Address{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return core.Address{}, err
	}
	ciphertext := aead.Seal(nil, nonce, priv.Serialize(), nil)

	wf := File{
		Address:    addr.String(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		ScryptN:    scryptN,
		ScryptR:    scryptR,
		ScryptP:    scryptP,
	}
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return core.Address{}, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return core.Address{}, err
	}
	return addr, nil
}

// Load decrypts the wallet file at path with passphrase, returning the
// recovered private key and its address.
func Load(path, passphrase string) (*btcec.PrivateKey, core.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Address{}, err
	}
	var wf File
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, core.Address{}, err
	}
	salt, err := base64.StdEncoding.DecodeString(wf.Salt)
	if err != nil {
		return nil, core.Address{}, err
	}
	nonce, err := base64.StdEncoding.DecodeString(wf.Nonce)
	if err != nil {
		return nil, core.Address{}, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wf.Ciphertext)
	if err != nil {
		return nil, core.Address{}, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, wf.ScryptN, wf.ScryptR, wf.ScryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, core.Address{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, core.Address{}, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, core.Address{}, fmt.Errorf("wrong passphrase or corrupt wallet file: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(plain)
	addr, err := core.StringToAddress(wf.Address)
	if err != nil {
		return nil, core.Address{}, err
	}
	return priv, addr, nil
}
