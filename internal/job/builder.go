package job

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/crypto"
	"github.com/openagentsinc/dvm-engine/internal/event"
	"github.com/openagentsinc/dvm-engine/internal/relay"
)

// RequestSpec describes the job request a consumer wants published.
type RequestSpec struct {
	SecretKey      string
	Kind           int
	Inputs         []Input
	OutputMimeType string
	BidMsats       uint64
	TargetProvider string // presence triggers encryption of the inputs
	Params         []Param
}

// Builder turns request specs into signed, optionally encrypted events and
// publishes them.
type Builder struct {
	pool   *relay.Pool
	logger log.Logger
}

func NewBuilder(pool *relay.Pool, logger log.Logger) *Builder {
	return &Builder{pool: pool, logger: logger}
}

func validateSpec(spec *RequestSpec) error {
	if spec.SecretKey == "" {
		return errors.Validation("missing signer key")
	}
	if !event.IsJobRequestKind(spec.Kind) {
		return errors.Validationf("kind %d outside job request range [%d,%d]",
			spec.Kind, event.KindJobRequestMin, event.KindJobRequestMax)
	}
	if len(spec.Inputs) == 0 {
		return errors.Validation("request needs at least one input")
	}
	for _, in := range spec.Inputs {
		if !in.Type.Valid() {
			return errors.Validationf("unknown input type %q", in.Type)
		}
	}
	return nil
}

// Create validates spec, encrypts the inputs when a target provider is set,
// signs the event and publishes it to every relay. The returned Request
// wraps the published event.
func (b *Builder) Create(ctx context.Context, spec *RequestSpec) (*Request, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	var (
		tags    []event.Tag
		content string
	)

	if spec.TargetProvider != "" {
		tags = append(tags, event.Tag{event.TagPubKey, spec.TargetProvider})
		tags = append(tags, event.Tag{event.TagEncrypted})

		plaintext, err := json.Marshal(EncodeInputs(spec.Inputs))
		if err != nil {
			return nil, &errors.EncryptError{Err: err}
		}
		content, err = crypto.EncryptToPeer(spec.SecretKey, spec.TargetProvider, plaintext)
		if err != nil {
			return nil, err
		}
	} else {
		tags = append(tags, EncodeInputs(spec.Inputs)...)
	}

	mime := spec.OutputMimeType
	if mime == "" {
		mime = "text/plain"
	}
	tags = append(tags, event.Tag{event.TagOutput, mime})

	if spec.BidMsats > 0 {
		tags = append(tags, event.Tag{event.TagBid, strconv.FormatUint(spec.BidMsats, 10)})
	}
	for _, p := range spec.Params {
		tags = append(tags, event.Tag{event.TagParam, p.Name, p.Value})
	}

	ev, err := event.Sign(spec.SecretKey, spec.Kind, tags, content)
	if err != nil {
		return nil, errors.Wrap(err, "sign request")
	}

	if _, err := b.pool.Publish(ctx, ev); err != nil {
		return nil, err
	}
	b.logger.Infof("published job request %s (kind %d)", ev.ID, ev.Kind)

	return &Request{
		Event:          ev,
		Kind:           spec.Kind,
		Inputs:         spec.Inputs,
		OutputMimeType: mime,
		BidMsats:       spec.BidMsats,
		TargetProvider: spec.TargetProvider,
		Params:         spec.Params,
		Encrypted:      spec.TargetProvider != "",
	}, nil
}
