package job

import (
	"context"
	"testing"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/crypto"
	"github.com/openagentsinc/dvm-engine/internal/event"
	"github.com/openagentsinc/dvm-engine/internal/relay"
	"github.com/openagentsinc/dvm-engine/internal/relay/relaytest"
)

func newTestPool(t *testing.T) (*relaytest.Server, *relay.Pool) {
	t.Helper()
	srv := relaytest.NewServer()
	pool := relay.NewPool([]string{srv.URL()}, log.Discard())
	t.Cleanup(func() {
		pool.Close()
		srv.Close()
	})
	return srv, pool
}

func consumerKey(t *testing.T) string {
	t.Helper()
	sec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return sec
}

func TestCreate_PlaintextRequest(t *testing.T) {
	srv, pool := newTestPool(t)
	builder := NewBuilder(pool, log.Discard())

	req, err := builder.Create(context.Background(), &RequestSpec{
		SecretKey: consumerKey(t),
		Kind:      5100,
		Inputs: []Input{
			{Value: "Translate 'hello' to French", Type: InputTypeText},
			{Value: "https://example.org/context.txt", Type: InputTypeURL, Relay: "wss://relay.example"},
		},
		OutputMimeType: "text/plain",
		BidMsats:       5000,
		Params:         []Param{{Name: "language", Value: "fr"}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ev := req.Event
	if !event.IsJobRequestKind(ev.Kind) {
		t.Fatalf("kind %d is not a job request kind", ev.Kind)
	}
	if err := event.Verify(ev); err != nil {
		t.Fatalf("published event does not verify: %v", err)
	}

	inputs := ev.TagValues(event.TagInput)
	if len(inputs) != 2 {
		t.Fatalf("got %d i tags, want 2", len(inputs))
	}
	if ev.HasTag(event.TagEncrypted) {
		t.Fatal("plaintext request must not carry an encrypted tag")
	}
	if got := ev.Tag(event.TagOutput); got == nil || got[1] != "text/plain" {
		t.Fatalf("output tag = %v", got)
	}
	if got := ev.Tag(event.TagBid); got == nil || got[1] != "5000" {
		t.Fatalf("bid tag = %v", got)
	}
	if got := ev.Tag(event.TagParam); got == nil || got[1] != "language" || got[2] != "fr" {
		t.Fatalf("param tag = %v", got)
	}

	if srv.EventCount() != 1 {
		t.Fatalf("relay stored %d events, want 1", srv.EventCount())
	}
}

func TestCreate_EncryptedRequest(t *testing.T) {
	_, pool := newTestPool(t)
	builder := NewBuilder(pool, log.Discard())

	providerSec, providerPub, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	req, err := builder.Create(context.Background(), &RequestSpec{
		SecretKey:      consumerKey(t),
		Kind:           5100,
		Inputs:         []Input{{Value: "secret prompt", Type: InputTypeText}},
		TargetProvider: providerPub,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ev := req.Event
	if ev.HasTag(event.TagInput) {
		t.Fatal("encrypted request must not expose plaintext i tags")
	}
	if !ev.HasTag(event.TagEncrypted) {
		t.Fatal("encrypted request missing encrypted tag")
	}
	if got := ev.Tag(event.TagPubKey); got == nil || got[1] != providerPub {
		t.Fatalf("p tag = %v, want provider pubkey", got)
	}

	plain, err := crypto.DecryptFromPeer(providerSec, ev.PubKey, ev.Content)
	if err != nil {
		t.Fatalf("provider cannot decrypt content: %v", err)
	}
	inputs, err := DecodeInputsJSON(plain)
	if err != nil {
		t.Fatalf("decode inputs: %v", err)
	}
	if len(inputs) != 1 || inputs[0].Value != "secret prompt" {
		t.Fatalf("decrypted inputs = %v", inputs)
	}
}

func TestCreate_NoBidTagWhenZero(t *testing.T) {
	_, pool := newTestPool(t)
	builder := NewBuilder(pool, log.Discard())

	req, err := builder.Create(context.Background(), &RequestSpec{
		SecretKey: consumerKey(t),
		Kind:      5001,
		Inputs:    []Input{{Value: "summarize this", Type: InputTypeText}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if req.Event.HasTag(event.TagBid) {
		t.Fatal("bid tag present for zero bid")
	}
}

func TestCreate_RejectsInvalidSpecs(t *testing.T) {
	srv, pool := newTestPool(t)
	builder := NewBuilder(pool, log.Discard())
	key := consumerKey(t)

	cases := []struct {
		name string
		spec RequestSpec
	}{
		{"missing key", RequestSpec{Kind: 5100, Inputs: []Input{{Value: "x", Type: InputTypeText}}}},
		{"kind below range", RequestSpec{SecretKey: key, Kind: 4999, Inputs: []Input{{Value: "x", Type: InputTypeText}}}},
		{"kind above range", RequestSpec{SecretKey: key, Kind: 6000, Inputs: []Input{{Value: "x", Type: InputTypeText}}}},
		{"no inputs", RequestSpec{SecretKey: key, Kind: 5100}},
		{"bad input type", RequestSpec{SecretKey: key, Kind: 5100, Inputs: []Input{{Value: "x", Type: "blob"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := builder.Create(context.Background(), &tc.spec)
			var verr *errors.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("want ValidationError, got %v", err)
			}
		})
	}

	if srv.EventCount() != 0 {
		t.Fatalf("relay stored %d events, rejected specs must publish nothing", srv.EventCount())
	}
}
