package attest

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96
)

// dst is the domain separation tag for submission signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// ErrNoSignatures is returned when aggregating an empty set.
var ErrNoSignatures = errors.New("no signatures to aggregate")

// KeyPair is a client's BLS signing key.
type KeyPair struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// GenerateKey creates a key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// KeyFromSeed derives a key pair deterministically. The seed must be at
// least 32 bytes.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, dst).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// ValidPublicKey reports whether b decodes to a BLS public key.
func ValidPublicKey(b []byte) bool {
	if len(b) != PublicKeySize {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(b)
	return pk != nil && pk.KeyValidate()
}

// Verify checks signature over message against publicKey.
func Verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, dst)
}

// AggregateSignatures combines signatures into one. The signatures may be
// over different messages.
func AggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, ErrNoSignatures
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, b := range signatures {
		if len(b) != SignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(b)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregatedMessages checks an aggregated signature where signer i
// signed messages[i] with publicKeys[i].
func VerifyAggregatedMessages(signature []byte, messages, publicKeys [][]byte) bool {
	if len(signature) != SignatureSize || len(messages) == 0 || len(messages) != len(publicKeys) {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))
	msgs := make([]blst.Message, len(messages))

	for i, b := range publicKeys {
		if len(b) != PublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(b)
		if pk == nil {
			return false
		}

		pks[i] = pk
		msgs[i] = messages[i]
	}

	return sig.AggregateVerify(true, pks, true, msgs, dst)
}

// SubmissionMessage is the byte string a client signs for one round:
// blake3("medchain-submission" || round || len(id) || id || digest || size).
func SubmissionMessage(round uint64, clientID, modelDigest string, datasetSize uint64) []byte {
	h := blake3.New()
	h.Write([]byte("medchain-submission"))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(clientID)))
	h.Write(buf[:])
	h.Write([]byte(clientID))

	h.Write([]byte(modelDigest))

	binary.BigEndian.PutUint64(buf[:], datasetSize)
	h.Write(buf[:])

	return h.Sum(nil)
}
