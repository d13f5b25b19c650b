package crypto

import (
	"errors"
	"fmt"

	"github.com/shardx-labs/shardx/crypto/hash"
	"github.com/shardx-labs/shardx/types"
)

// AddressFromPublicKey derives the account address owned by a key. The
// address is the hex form of the key's digest, so ownership is verifiable
// from the transaction alone.
func AddressFromPublicKey(pk PublicKey) string {
	return hash.NewHash(pk.Bytes()).String()
}

// SignTransaction signs tx with priv and attaches the signature and public
// key. The sender address must be the one derived from the key.
func SignTransaction(priv PrivateKey, tx *types.Transaction) error {
	pub := priv.PublicKey()
	if tx.From != AddressFromPublicKey(pub) {
		return errors.New("sender address does not belong to the signing key")
	}

	tx.PublicKey = pub.Bytes()
	tx.Signature = priv.Sign(tx.SigningPayload()).Bytes()
	return nil
}

// VerifyTransaction checks a signed transaction: the attached key must own
// the sender address and the signature must cover the identity fields.
func VerifyTransaction(tx *types.Transaction) error {
	if len(tx.Signature) == 0 {
		return errors.New("transaction is unsigned")
	}

	pub, err := PublicKeyFromBytes(tx.PublicKey)
	if err != nil {
		return fmt.Errorf("attached public key: %w", err)
	}
	if tx.From != AddressFromPublicKey(pub) {
		return errors.New("public key does not own the sender address")
	}
	if err := pub.Verify(tx.SigningPayload(), SignatureFromBytes(tx.Signature)); err != nil {
		return err
	}
	return nil
}
