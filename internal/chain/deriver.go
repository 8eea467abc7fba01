package chain

import (
	"crypto/sha256"
	"errors"
	"hash/fnv"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/ripemd160"
)

// SinkDeriver derives a per-shop burn sink address from the account xpub, so
// every shop's redemptions land on an auditable address of their own.
type SinkDeriver struct {
	XPub   string
	Prefix string
}

func (d SinkDeriver) SinkAddress(shopID string) (string, error) {
	if d.XPub == "" {
		return "", errors.New("sink xpub is not configured")
	}
	if d.Prefix == "" {
		return "", errors.New("bech32 prefix is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(shopIndex(shopID))
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	compressed := pubKey.SerializeCompressed()
	hash := sha256.Sum256(compressed)
	rip := ripemd160.New()
	_, _ = rip.Write(hash[:])
	addr := rip.Sum(nil)

	converted, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(d.Prefix, converted)
}

// shopIndex maps a shop id onto a stable non-hardened derivation index.
func shopIndex(shopID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(shopID))
	return h.Sum32() & 0x7fffffff
}

// ValidateAddress checks that a customer wallet address is well-formed bech32
// with the expected prefix.
func ValidateAddress(address, prefix string) error {
	hrp, _, err := bech32.Decode(address)
	if err != nil {
		return err
	}
	if prefix != "" && hrp != prefix {
		return errors.New("unexpected address prefix")
	}
	return nil
}
