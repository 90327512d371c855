package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/openagentsinc/dvm-engine/common/errors"
)

// Kind ranges for the job marketplace protocol. A result for a request of
// kind k is published under kind k+1000.
const (
	KindJobRequestMin = 5000
	KindJobRequestMax = 5999
	KindJobResultMin  = 6000
	KindJobResultMax  = 6999
	KindJobFeedback   = 7000
)

// Tag names consumed and produced by the broker.
const (
	TagInput     = "i"
	TagOutput    = "output"
	TagBid       = "bid"
	TagPubKey    = "p"
	TagEncrypted = "encrypted"
	TagEvent     = "e"
	TagRequest   = "request"
	TagAmount    = "amount"
	TagStatus    = "status"
	TagParam     = "param"
)

// Tag is one ordered list of strings attached to an event.
type Tag []string

// Event is the wire-level message envelope. ID is the hex sha256 of the
// canonical serialization; Sig is the hex secp256k1 signature over ID.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

func IsJobRequestKind(kind int) bool {
	return kind >= KindJobRequestMin && kind <= KindJobRequestMax
}

func IsJobResultKind(kind int) bool {
	return kind >= KindJobResultMin && kind <= KindJobResultMax
}

// ResultKindFor maps a request kind to the kind its result is published under.
func ResultKindFor(requestKind int) int { return requestKind + 1000 }

// Tag returns the first tag named name, or nil.
func (e *Event) Tag(name string) Tag {
	for _, t := range e.Tags {
		if len(t) > 0 && t[0] == name {
			return t
		}
	}
	return nil
}

// TagValues returns the trailing values of every tag named name.
func (e *Event) TagValues(name string) []Tag {
	var out []Tag
	for _, t := range e.Tags {
		if len(t) > 0 && t[0] == name {
			out = append(out, t[1:])
		}
	}
	return out
}

// HasTag reports whether a tag named name is present.
func (e *Event) HasTag(name string) bool { return e.Tag(name) != nil }

// serialize produces the canonical form [0, pubkey, created_at, kind, tags,
// content] that the event id is computed over.
func serialize(pubkey string, createdAt int64, kind int, tags []Tag, content string) ([]byte, error) {
	if tags == nil {
		tags = []Tag{}
	}
	arr := []interface{}{0, pubkey, createdAt, kind, tags, content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func computeID(pubkey string, createdAt int64, kind int, tags []Tag, content string) (string, error) {
	ser, err := serialize(pubkey, createdAt, kind, tags, content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:]), nil
}

// Sign builds a signed event from the author's secret key and the event
// body. CreatedAt is taken from the wall clock.
func Sign(secretKeyHex string, kind int, tags []Tag, content string) (*Event, error) {
	return SignAt(secretKeyHex, time.Now().Unix(), kind, tags, content)
}

// SignAt is Sign with an explicit created_at timestamp.
func SignAt(secretKeyHex string, createdAt int64, kind int, tags []Tag, content string) (*Event, error) {
	priv, err := ethcrypto.HexToECDSA(secretKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "parse secret key")
	}

	pubkey := hex.EncodeToString(ethcrypto.CompressPubkey(&priv.PublicKey))

	if tags == nil {
		tags = []Tag{}
	}

	id, err := computeID(pubkey, createdAt, kind, tags, content)
	if err != nil {
		return nil, errors.Wrap(err, "serialize event")
	}

	digest, err := hex.DecodeString(id)
	if err != nil {
		return nil, errors.Wrap(err, "decode id")
	}
	sig, err := ethcrypto.Sign(digest, priv)
	if err != nil {
		return nil, errors.Wrap(err, "sign event")
	}

	return &Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
		Sig:       hex.EncodeToString(sig),
	}, nil
}

// Verify recomputes the event id and checks the signature against the
// declared author key.
func Verify(e *Event) error {
	id, err := computeID(e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content)
	if err != nil {
		return errors.Malformed("unserializable event")
	}
	if id != e.ID {
		return errors.Malformed("id does not match content")
	}

	pubkey, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubkey) != 33 {
		return errors.Malformed("bad pubkey encoding")
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) < 64 {
		return errors.Malformed("bad signature encoding")
	}
	digest, err := hex.DecodeString(e.ID)
	if err != nil {
		return errors.Malformed("bad id encoding")
	}

	if !ethcrypto.VerifySignature(pubkey, digest, sig[:64]) {
		return errors.Malformed("signature does not verify")
	}
	return nil
}

// Parse decodes raw JSON into an Event, enforcing the structural invariants
// of the envelope: kind is an integer, tags is a list of string lists,
// content is a string.
func Parse(raw []byte) (*Event, error) {
	var shape struct {
		ID        json.RawMessage `json:"id"`
		PubKey    json.RawMessage `json:"pubkey"`
		CreatedAt json.RawMessage `json:"created_at"`
		Kind      json.RawMessage `json:"kind"`
		Tags      json.RawMessage `json:"tags"`
		Content   json.RawMessage `json:"content"`
		Sig       json.RawMessage `json:"sig"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, errors.Malformed("not a JSON object")
	}

	var e Event
	if err := json.Unmarshal(shape.ID, &e.ID); err != nil {
		return nil, errors.Malformed("id is not a string")
	}
	if err := json.Unmarshal(shape.PubKey, &e.PubKey); err != nil {
		return nil, errors.Malformed("pubkey is not a string")
	}
	if err := json.Unmarshal(shape.CreatedAt, &e.CreatedAt); err != nil {
		return nil, errors.Malformed("created_at is not an integer")
	}
	if err := json.Unmarshal(shape.Kind, &e.Kind); err != nil || bytes.ContainsRune(shape.Kind, '.') {
		return nil, errors.Malformed("kind is not an integer")
	}
	if len(shape.Tags) > 0 {
		if err := json.Unmarshal(shape.Tags, &e.Tags); err != nil {
			return nil, errors.Malformed("tags is not a list of string lists")
		}
	}
	if err := json.Unmarshal(shape.Content, &e.Content); err != nil {
		return nil, errors.Malformed("content is not a string")
	}
	if len(shape.Sig) > 0 {
		if err := json.Unmarshal(shape.Sig, &e.Sig); err != nil {
			return nil, errors.Malformed("sig is not a string")
		}
	}
	return &e, nil
}
