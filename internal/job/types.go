package job

import (
	"encoding/json"
	"strconv"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/internal/event"
)

// InputType classifies one job input descriptor.
type InputType string

const (
	InputTypeURL   InputType = "url"
	InputTypeEvent InputType = "event"
	InputTypeJob   InputType = "job"
	InputTypeText  InputType = "text"
)

func (t InputType) Valid() bool {
	switch t {
	case InputTypeURL, InputTypeEvent, InputTypeJob, InputTypeText:
		return true
	}
	return false
}

// Input is one (value, type, relay?, marker?, extra?) job input tuple.
type Input struct {
	Value      string
	Type       InputType
	Relay      string
	Marker     string
	ExtraParam string
}

// Tag renders the input as an `i` tag, keeping trailing optional fields
// only up to the last non-empty one.
func (in Input) Tag() event.Tag {
	fields := []string{in.Relay, in.Marker, in.ExtraParam}
	last := len(fields)
	for last > 0 && fields[last-1] == "" {
		last--
	}
	t := event.Tag{event.TagInput, in.Value, string(in.Type)}
	return append(t, fields[:last]...)
}

func inputFromTag(t event.Tag) (Input, error) {
	if len(t) < 3 || t[0] != event.TagInput {
		return Input{}, errors.Malformed("input tag too short")
	}
	in := Input{Value: t[1], Type: InputType(t[2])}
	if len(t) > 3 {
		in.Relay = t[3]
	}
	if len(t) > 4 {
		in.Marker = t[4]
	}
	if len(t) > 5 {
		in.ExtraParam = t[5]
	}
	return in, nil
}

// EncodeInputs renders inputs as the `i` tag array. This is also the form
// that gets JSON-encoded and encrypted for addressed requests.
func EncodeInputs(inputs []Input) []event.Tag {
	tags := make([]event.Tag, 0, len(inputs))
	for _, in := range inputs {
		tags = append(tags, in.Tag())
	}
	return tags
}

// DecodeInputs parses the `i` tag array form produced by EncodeInputs.
func DecodeInputs(tags []event.Tag) ([]Input, error) {
	inputs := make([]Input, 0, len(tags))
	for _, t := range tags {
		in, err := inputFromTag(t)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// DecodeInputsJSON parses the JSON encoding of the `i` tag array, the
// plaintext recovered from an encrypted request.
func DecodeInputsJSON(raw []byte) ([]Input, error) {
	var tags []event.Tag
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, errors.Malformed("encrypted payload is not an input tag array")
	}
	return DecodeInputs(tags)
}

// Param is one (name, value) additional request parameter.
type Param struct {
	Name  string
	Value string
}

// Request is a parsed job request event.
type Request struct {
	Event          *event.Event
	Kind           int
	Inputs         []Input
	OutputMimeType string
	BidMsats       uint64
	TargetProvider string
	Params         []Param
	Encrypted      bool
}

// ParseRequest decodes a request event into its typed form. For encrypted
// requests Inputs stays empty until the content is decrypted.
func ParseRequest(ev *event.Event) (*Request, error) {
	if !event.IsJobRequestKind(ev.Kind) {
		return nil, errors.Malformed("kind out of job request range")
	}

	req := &Request{
		Event:          ev,
		Kind:           ev.Kind,
		OutputMimeType: "text/plain",
		Encrypted:      ev.HasTag(event.TagEncrypted),
	}

	if t := ev.Tag(event.TagPubKey); len(t) > 1 {
		req.TargetProvider = t[1]
	}
	if t := ev.Tag(event.TagOutput); len(t) > 1 && t[1] != "" {
		req.OutputMimeType = t[1]
	}
	if t := ev.Tag(event.TagBid); len(t) > 1 {
		bid, err := strconv.ParseUint(t[1], 10, 64)
		if err != nil {
			return nil, errors.Malformed("bid is not a decimal millisat amount")
		}
		req.BidMsats = bid
	}
	for _, vals := range ev.TagValues(event.TagParam) {
		if len(vals) >= 2 {
			req.Params = append(req.Params, Param{Name: vals[0], Value: vals[1]})
		}
	}

	if req.Encrypted {
		if ev.HasTag(event.TagInput) {
			return nil, errors.Malformed("encrypted request carries plaintext input tags")
		}
		return req, nil
	}

	for _, t := range ev.Tags {
		if len(t) > 0 && t[0] == event.TagInput {
			in, err := inputFromTag(t)
			if err != nil {
				return nil, err
			}
			req.Inputs = append(req.Inputs, in)
		}
	}
	return req, nil
}

// Result is a parsed job result event.
type Result struct {
	Event       *event.Event
	RequestID   string
	RequestJSON string // optional echo of the original request
	AmountMsats uint64
	Invoice     string
	Encrypted   bool
	Content     string
}

// ParseResult decodes a result event. Content is left as ciphertext for
// encrypted results; callers decrypt via the encryption gateway.
func ParseResult(ev *event.Event) (*Result, error) {
	if !event.IsJobResultKind(ev.Kind) {
		return nil, errors.Malformed("kind out of job result range")
	}
	res := &Result{
		Event:     ev,
		Encrypted: ev.HasTag(event.TagEncrypted),
		Content:   ev.Content,
	}
	if t := ev.Tag(event.TagEvent); len(t) > 1 {
		res.RequestID = t[1]
	} else {
		return nil, errors.Malformed("result without request reference")
	}
	if t := ev.Tag(event.TagRequest); len(t) > 1 {
		res.RequestJSON = t[1]
	}
	if t := ev.Tag(event.TagAmount); len(t) > 1 {
		amount, err := strconv.ParseUint(t[1], 10, 64)
		if err != nil {
			return nil, errors.Malformed("amount is not a decimal millisat amount")
		}
		res.AmountMsats = amount
		if len(t) > 2 {
			res.Invoice = t[2]
		}
	}
	return res, nil
}

// FeedbackStatus is the closed set of feedback states a provider reports.
type FeedbackStatus string

const (
	StatusPaymentRequired FeedbackStatus = "payment-required"
	StatusProcessing      FeedbackStatus = "processing"
	StatusError           FeedbackStatus = "error"
	StatusSuccess         FeedbackStatus = "success"
	StatusPartial         FeedbackStatus = "partial"
)

func (s FeedbackStatus) Valid() bool {
	switch s {
	case StatusPaymentRequired, StatusProcessing, StatusError, StatusSuccess, StatusPartial:
		return true
	}
	return false
}

// Feedback is a parsed job feedback event.
type Feedback struct {
	Event       *event.Event
	RequestID   string
	Status      FeedbackStatus
	ExtraInfo   string
	AmountMsats uint64
	Invoice     string
	Encrypted   bool
	Content     string
}

// ParseFeedback decodes a feedback event.
func ParseFeedback(ev *event.Event) (*Feedback, error) {
	if ev.Kind != event.KindJobFeedback {
		return nil, errors.Malformed("kind is not job feedback")
	}
	fb := &Feedback{
		Event:     ev,
		Encrypted: ev.HasTag(event.TagEncrypted),
		Content:   ev.Content,
	}
	if t := ev.Tag(event.TagEvent); len(t) > 1 {
		fb.RequestID = t[1]
	} else {
		return nil, errors.Malformed("feedback without request reference")
	}
	if t := ev.Tag(event.TagStatus); len(t) > 1 {
		fb.Status = FeedbackStatus(t[1])
		if !fb.Status.Valid() {
			return nil, errors.Malformed("unknown feedback status " + t[1])
		}
		if len(t) > 2 {
			fb.ExtraInfo = t[2]
		}
	} else {
		return nil, errors.Malformed("feedback without status")
	}
	if t := ev.Tag(event.TagAmount); len(t) > 1 {
		amount, err := strconv.ParseUint(t[1], 10, 64)
		if err != nil {
			return nil, errors.Malformed("amount is not a decimal millisat amount")
		}
		fb.AmountMsats = amount
		if len(t) > 2 {
			fb.Invoice = t[2]
		}
	}
	return fb, nil
}
