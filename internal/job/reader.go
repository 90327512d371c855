package job

import (
	"context"
	"time"

	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/crypto"
	"github.com/openagentsinc/dvm-engine/internal/event"
	"github.com/openagentsinc/dvm-engine/internal/relay"
)

// ReadOptions scope a result/feedback lookup. Provider narrows the query to
// one author; DecryptKey is the consumer secret used to open encrypted
// content. RequestKind, when known, lets the result clause carry an exact
// kind instead of matching the whole result range locally.
type ReadOptions struct {
	Provider    string
	DecryptKey  string
	RequestKind int
}

// Update is one typed event delivered by SubscribeUpdates: exactly one of
// Result or Feedback is set.
type Update struct {
	Result   *Result
	Feedback *Feedback
}

// Reader correlates result and feedback events back to a request id.
type Reader struct {
	pool         *relay.Pool
	logger       log.Logger
	queryTimeout time.Duration
}

func NewReader(pool *relay.Pool, queryTimeout time.Duration, logger log.Logger) *Reader {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Reader{pool: pool, logger: logger, queryTimeout: queryTimeout}
}

func (r *Reader) resultFilter(requestID string, opts ReadOptions) relay.Filter {
	f := relay.Filter{Events: []string{requestID}}
	if opts.Provider != "" {
		f.Authors = []string{opts.Provider}
	}
	if opts.RequestKind != 0 {
		f.Kinds = []int{event.ResultKindFor(opts.RequestKind)}
	}
	return f
}

func (r *Reader) feedbackFilter(requestID string, opts ReadOptions) relay.Filter {
	f := relay.Filter{Kinds: []int{event.KindJobFeedback}, Events: []string{requestID}}
	if opts.Provider != "" {
		f.Authors = []string{opts.Provider}
	}
	return f
}

// decryptResult opens an encrypted result in place when a key is available.
// A missing key leaves the ciphertext untouched rather than failing: the
// caller may only want the payment tags.
func (r *Reader) decryptResult(res *Result, opts ReadOptions) error {
	if !res.Encrypted || opts.DecryptKey == "" {
		return nil
	}
	plaintext, err := crypto.DecryptFromPeer(opts.DecryptKey, res.Event.PubKey, res.Content)
	if err != nil {
		return err
	}
	res.Content = string(plaintext)
	return nil
}

// FetchResult returns the most recent result correlated to requestID, or
// (nil, nil) when none exists yet; a pending job is not an error. A decrypt
// failure on the result is surfaced, never swallowed.
func (r *Reader) FetchResult(ctx context.Context, requestID string, opts ReadOptions) (*Result, error) {
	events, err := r.pool.Query(ctx, []relay.Filter{r.resultFilter(requestID, opts)}, r.queryTimeout)
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		if !event.IsJobResultKind(ev.Kind) {
			continue
		}
		res, err := ParseResult(ev)
		if err != nil {
			r.logger.Warnf("dropping malformed result %s: %v", ev.ID, err)
			continue
		}
		if res.RequestID != requestID {
			continue
		}
		if err := r.decryptResult(res, opts); err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, nil
}

// ListFeedback returns every feedback event correlated to requestID, newest
// first. Feedback is an informational stream, so one item that fails to
// parse or decrypt is logged and skipped instead of failing the listing.
func (r *Reader) ListFeedback(ctx context.Context, requestID string, opts ReadOptions) ([]*Feedback, error) {
	events, err := r.pool.Query(ctx, []relay.Filter{r.feedbackFilter(requestID, opts)}, r.queryTimeout)
	if err != nil {
		return nil, err
	}

	var out []*Feedback
	for _, ev := range events {
		fb, err := ParseFeedback(ev)
		if err != nil {
			r.logger.Warnf("dropping malformed feedback %s: %v", ev.ID, err)
			continue
		}
		if fb.RequestID != requestID {
			continue
		}
		if fb.Encrypted && opts.DecryptKey != "" {
			plaintext, err := crypto.DecryptFromPeer(opts.DecryptKey, ev.PubKey, fb.Content)
			if err != nil {
				r.logger.Warnf("skipping undecryptable feedback %s: %v", ev.ID, err)
				continue
			}
			fb.Content = string(plaintext)
		}
		out = append(out, fb)
	}
	return out, nil
}

// SubscribeUpdates opens one transport subscription covering the result and
// feedback clauses for requestID and delivers typed, decrypted updates.
// Decryption is pure CPU work and runs inline on the delivery goroutine.
func (r *Reader) SubscribeUpdates(ctx context.Context, requestID string, opts ReadOptions, onUpdate func(Update)) (*relay.Subscription, error) {
	filters := []relay.Filter{
		r.resultFilter(requestID, opts),
		r.feedbackFilter(requestID, opts),
	}

	return r.pool.Subscribe(ctx, filters, func(ev *event.Event) {
		switch {
		case event.IsJobResultKind(ev.Kind):
			res, err := ParseResult(ev)
			if err != nil || res.RequestID != requestID {
				return
			}
			if err := r.decryptResult(res, opts); err != nil {
				r.logger.Warnf("result %s failed to decrypt: %v", ev.ID, err)
				return
			}
			onUpdate(Update{Result: res})

		case ev.Kind == event.KindJobFeedback:
			fb, err := ParseFeedback(ev)
			if err != nil || fb.RequestID != requestID {
				return
			}
			if fb.Encrypted && opts.DecryptKey != "" {
				plaintext, err := crypto.DecryptFromPeer(opts.DecryptKey, ev.PubKey, fb.Content)
				if err != nil {
					r.logger.Warnf("skipping undecryptable feedback %s: %v", ev.ID, err)
					return
				}
				fb.Content = string(plaintext)
			}
			onUpdate(Update{Feedback: fb})
		}
	})
}
