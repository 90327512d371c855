package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/internal/event"
)

// GenerateKeypair returns a fresh secp256k1 keypair as (secretHex,
// compressedPublicHex).
func GenerateKeypair() (string, string, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", "", errors.Wrap(err, "generate key")
	}
	sec := hex.EncodeToString(ethcrypto.FromECDSA(priv))
	pub := hex.EncodeToString(ethcrypto.CompressPubkey(&priv.PublicKey))
	return sec, pub, nil
}

// PublicKeyHex derives the compressed public key for a secret key.
func PublicKeyHex(secretKeyHex string) (string, error) {
	priv, err := ethcrypto.HexToECDSA(secretKeyHex)
	if err != nil {
		return "", errors.Wrap(err, "parse secret key")
	}
	return hex.EncodeToString(ethcrypto.CompressPubkey(&priv.PublicKey)), nil
}

func parsePeerKey(pubHex string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode peer key")
	}
	pub, err := ethcrypto.DecompressPubkey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decompress peer key")
	}
	return pub, nil
}

// sharedKey derives the symmetric key two parties agree on: sha256 of the
// x coordinate of the ECDH point.
func sharedKey(secretKeyHex, peerPubHex string) ([]byte, error) {
	priv, err := ethcrypto.HexToECDSA(secretKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "parse secret key")
	}
	pub, err := parsePeerKey(peerPubHex)
	if err != nil {
		return nil, err
	}
	x, _ := priv.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil {
		return nil, errors.New("ecdh produced point at infinity")
	}
	sum := sha256.Sum256(x.FillBytes(make([]byte, 32)))
	return sum[:], nil
}

// EncryptToPeer seals plaintext with AES-256-GCM under the ECDH shared key
// and returns base64(nonce || ciphertext). Failures are reported as
// EncryptError.
func EncryptToPeer(secretKeyHex, peerPubHex string, plaintext []byte) (string, error) {
	key, err := sharedKey(secretKeyHex, peerPubHex)
	if err != nil {
		return "", &errors.EncryptError{Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &errors.EncryptError{Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &errors.EncryptError{Err: err}
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &errors.EncryptError{Err: err}
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptFromPeer is the inverse of EncryptToPeer. Failures are reported as
// DecryptError carrying the original cause.
func DecryptFromPeer(secretKeyHex, peerPubHex, ciphertext string) ([]byte, error) {
	key, err := sharedKey(secretKeyHex, peerPubHex)
	if err != nil {
		return nil, &errors.DecryptError{Err: err}
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, &errors.DecryptError{Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &errors.DecryptError{Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &errors.DecryptError{Err: err}
	}
	if len(raw) < gcm.NonceSize() {
		return nil, &errors.DecryptError{Err: errors.New("ciphertext shorter than nonce")}
	}

	plaintext, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return nil, &errors.DecryptError{Err: err}
	}
	return plaintext, nil
}

// DecryptEvent returns a copy of ev with decrypted content when ev carries
// the encrypted marker; events without the marker pass through unchanged.
func DecryptEvent(secretKeyHex, peerPubHex string, ev *event.Event) (*event.Event, error) {
	if !ev.HasTag(event.TagEncrypted) {
		return ev, nil
	}
	plaintext, err := DecryptFromPeer(secretKeyHex, peerPubHex, ev.Content)
	if err != nil {
		return nil, err
	}
	out := *ev
	out.Content = string(plaintext)
	return &out, nil
}
