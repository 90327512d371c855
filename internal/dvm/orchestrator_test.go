package dvm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/crypto"
	"github.com/openagentsinc/dvm-engine/internal/db"
	"github.com/openagentsinc/dvm-engine/internal/event"
	"github.com/openagentsinc/dvm-engine/internal/inference"
	"github.com/openagentsinc/dvm-engine/internal/job"
	"github.com/openagentsinc/dvm-engine/internal/payment"
	"github.com/openagentsinc/dvm-engine/internal/relay"
	"github.com/openagentsinc/dvm-engine/internal/relay/relaytest"
)

type fakeBackend struct {
	mu     sync.Mutex
	inputs []string
	output string
}

func (f *fakeBackend) Compute(ctx context.Context, input string) (string, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	return f.output, nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

type fixture struct {
	srv      *relaytest.Server
	pool     *relay.Pool
	store    *db.DB
	backend  *fakeBackend
	invoicer *payment.MockInvoicer
	orch     *Orchestrator
	reader   *job.Reader
	builder  *job.Builder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	backend := &fakeBackend{output: "Bonjour"}
	f := newFixtureWith(t, cfg, backend)
	f.backend = backend
	return f
}

func newFixtureWith(t *testing.T, cfg Config, backend inference.Backend) *fixture {
	t.Helper()

	srv := relaytest.NewServer()
	pool := relay.NewPool([]string{srv.URL()}, log.Discard())

	store, err := db.NewDB(filepath.Join(t.TempDir(), "dvm.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if cfg.SecretKey == "" {
		sec, _, err := crypto.GenerateKeypair()
		if err != nil {
			t.Fatalf("keypair: %v", err)
		}
		cfg.SecretKey = sec
	}
	if len(cfg.SupportedKinds) == 0 {
		cfg.SupportedKinds = []int{5100}
	}
	if cfg.PaymentPollInterval == 0 {
		cfg.PaymentPollInterval = 20 * time.Millisecond
	}

	invoicer := payment.NewMockInvoicer()

	orch, err := New(cfg, pool, backend, invoicer, store, log.Discard())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}

	t.Cleanup(func() {
		orch.Stop()
		pool.Close()
		srv.Close()
	})

	return &fixture{
		srv:      srv,
		pool:     pool,
		store:    store,
		invoicer: invoicer,
		orch:     orch,
		reader:   job.NewReader(pool, time.Second, log.Discard()),
		builder:  job.NewBuilder(pool, log.Discard()),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOrchestrator_EncryptedRequestEndToEnd(t *testing.T) {
	f := newFixture(t, Config{})

	consumerSec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	req, err := f.builder.Create(context.Background(), &job.RequestSpec{
		SecretKey:      consumerSec,
		Kind:           5100,
		Inputs:         []job.Input{{Value: "Translate 'hello' to French", Type: job.InputTypeText}},
		TargetProvider: f.orch.PubKey(),
		BidMsats:       1000,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	opts := job.ReadOptions{Provider: f.orch.PubKey(), DecryptKey: consumerSec, RequestKind: 5100}
	var res *job.Result
	waitFor(t, "job result", func() bool {
		res, err = f.reader.FetchResult(context.Background(), req.Event.ID, opts)
		return err == nil && res != nil
	})

	if res.Content != "Bonjour" {
		t.Fatalf("decrypted result = %q", res.Content)
	}
	if !res.Encrypted {
		t.Fatal("result for an encrypted request must be encrypted")
	}
	if res.RequestJSON != "" {
		t.Fatal("encrypted request must not be echoed back in the result")
	}

	feedback, err := f.reader.ListFeedback(context.Background(), req.Event.ID, job.ReadOptions{})
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	var processing, success int
	for _, fb := range feedback {
		switch fb.Status {
		case job.StatusProcessing:
			processing++
		case job.StatusSuccess:
			success++
		}
	}
	if processing != 1 || success != 1 {
		t.Fatalf("processing=%d success=%d, want exactly one of each", processing, success)
	}

	entry, err := f.store.GetEntry(req.Event.ID)
	if err != nil {
		t.Fatalf("get history entry: %v", err)
	}
	if entry.Status != db.HistoryCompleted.String() {
		t.Fatalf("history status = %s, want completed", entry.Status)
	}
}

func TestOrchestrator_UpfrontPaymentFlow(t *testing.T) {
	f := newFixture(t, Config{
		Pricing: PricingPolicy{Mode: PricingFixed, FixedPriceMsats: 2000, Upfront: true},
	})

	consumerSec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	req, err := f.builder.Create(context.Background(), &job.RequestSpec{
		SecretKey: consumerSec,
		Kind:      5100,
		Inputs:    []job.Input{{Value: "summarize this", Type: job.InputTypeText}},
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	var required *job.Feedback
	waitFor(t, "payment-required feedback", func() bool {
		feedback, err := f.reader.ListFeedback(context.Background(), req.Event.ID, job.ReadOptions{})
		if err != nil {
			return false
		}
		for _, fb := range feedback {
			if fb.Status == job.StatusPaymentRequired {
				required = fb
				return true
			}
		}
		return false
	})

	if required.AmountMsats != 2000 {
		t.Fatalf("invoice amount = %d, want 2000", required.AmountMsats)
	}
	if required.Invoice == "" {
		t.Fatal("payment-required feedback must carry the bolt11 invoice")
	}
	if f.backend.calls() != 0 {
		t.Fatal("compute must not run before payment")
	}

	var entry db.HistoryEntry
	waitFor(t, "invoice recorded", func() bool {
		entry, err = f.store.GetEntry(req.Event.ID)
		return err == nil && entry.InvoiceID != ""
	})
	if entry.Status != db.HistoryPendingPayment.String() {
		t.Fatalf("history status = %s, want pending_payment", entry.Status)
	}

	f.invoicer.SettleInvoice(entry.InvoiceID)

	var res *job.Result
	waitFor(t, "job result after payment", func() bool {
		res, err = f.reader.FetchResult(context.Background(), req.Event.ID, job.ReadOptions{})
		return err == nil && res != nil
	})
	if res.Content != "Bonjour" {
		t.Fatalf("result content = %q", res.Content)
	}
	if res.AmountMsats != 2000 || res.Invoice == "" {
		t.Fatalf("result payment tags: amount=%d invoice=%q", res.AmountMsats, res.Invoice)
	}
	if res.RequestJSON == "" {
		t.Fatal("plaintext request must be echoed back in the result")
	}

	waitFor(t, "history entry paid", func() bool {
		entry, err = f.store.GetEntry(req.Event.ID)
		return err == nil && entry.Status == db.HistoryPaid.String()
	})

	stats, err := f.store.Statistics()
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.TotalSuccessfulJobs != 1 || stats.TotalRevenueMsats != 2000 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestOrchestrator_PaymentTimeoutCancels(t *testing.T) {
	f := newFixture(t, Config{
		Pricing:        PricingPolicy{Mode: PricingFixed, FixedPriceMsats: 1000, Upfront: true},
		PaymentTimeout: 50 * time.Millisecond,
	})

	consumerSec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	req, err := f.builder.Create(context.Background(), &job.RequestSpec{
		SecretKey: consumerSec,
		Kind:      5100,
		Inputs:    []job.Input{{Value: "never paid", Type: job.InputTypeText}},
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	waitFor(t, "cancelled history entry", func() bool {
		entry, err := f.store.GetEntry(req.Event.ID)
		return err == nil && entry.Status == db.HistoryCancelled.String()
	})
	if f.backend.calls() != 0 {
		t.Fatal("compute must not run for a cancelled job")
	}

	feedback, err := f.reader.ListFeedback(context.Background(), req.Event.ID, job.ReadOptions{})
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	var sawError bool
	for _, fb := range feedback {
		if fb.Status == job.StatusError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("cancellation must emit error feedback")
	}
}

func TestOrchestrator_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, Config{})

	consumerSec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	ev, err := event.Sign(consumerSec, 5100, []event.Tag{
		{"i", "count me once", "text"},
	}, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	f.orch.HandleRequestEvent(ev)
	f.orch.HandleRequestEvent(ev)

	waitFor(t, "job completed", func() bool {
		entry, err := f.store.GetEntry(ev.ID)
		return err == nil && entry.Status == db.HistoryCompleted.String()
	})
	f.orch.HandleRequestEvent(ev)
	time.Sleep(100 * time.Millisecond)

	if got := f.backend.calls(); got != 1 {
		t.Fatalf("compute ran %d times, want 1", got)
	}
}

func TestOrchestrator_RestartSkipsRecordedJobs(t *testing.T) {
	f := newFixture(t, Config{})

	consumerSec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	ev, err := event.Sign(consumerSec, 5100, []event.Tag{
		{"i", "already done", "text"},
	}, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	f.orch.HandleRequestEvent(ev)
	waitFor(t, "job completed", func() bool {
		entry, err := f.store.GetEntry(ev.ID)
		return err == nil && entry.Status == db.HistoryCompleted.String()
	})

	// A process restart loses the in-memory job map but keeps the history
	// log; the same delivery must not compute again.
	backend2 := &fakeBackend{output: "again"}
	orch2, err := New(Config{
		SecretKey:      f.orch.cfg.SecretKey,
		SupportedKinds: []int{5100},
	}, f.pool, backend2, f.invoicer, f.store, log.Discard())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := orch2.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	defer orch2.Stop()

	orch2.HandleRequestEvent(ev)
	time.Sleep(100 * time.Millisecond)

	if got := backend2.calls(); got != 0 {
		t.Fatalf("compute ran %d times after restart, want 0", got)
	}
}

func TestOrchestrator_RejectsUnsupportedKind(t *testing.T) {
	f := newFixture(t, Config{SupportedKinds: []int{5100}})

	consumerSec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	ev, err := event.Sign(consumerSec, 5200, []event.Tag{
		{"i", "wrong shop", "text"},
	}, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	f.orch.HandleRequestEvent(ev)

	waitFor(t, "error feedback", func() bool {
		feedback, err := f.reader.ListFeedback(context.Background(), ev.ID, job.ReadOptions{})
		if err != nil {
			return false
		}
		for _, fb := range feedback {
			if fb.Status == job.StatusError {
				return true
			}
		}
		return false
	})

	// An invalid request never reaches the history log.
	has, err := f.store.HasEntry(ev.ID)
	if err != nil {
		t.Fatalf("has entry: %v", err)
	}
	if has {
		t.Fatal("rejected request must not be recorded")
	}
	if f.backend.calls() != 0 {
		t.Fatal("compute must not run for a rejected request")
	}
}

// slowBackend blocks in Compute until released, recording whether the call
// was cut short by context cancellation.
type slowBackend struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func newSlowBackend() *slowBackend {
	return &slowBackend{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *slowBackend) Compute(ctx context.Context, input string) (string, error) {
	close(b.started)
	select {
	case <-b.release:
		return "slow answer", nil
	case <-ctx.Done():
		b.mu.Lock()
		b.ctxErr = ctx.Err()
		b.mu.Unlock()
		return "", ctx.Err()
	}
}

func (b *slowBackend) preempted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxErr
}

func TestStop_WaitsForInFlightJob(t *testing.T) {
	backend := newSlowBackend()
	f := newFixtureWith(t, Config{}, backend)

	consumerSec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	ev, err := event.Sign(consumerSec, 5100, []event.Tag{
		{"i", "take your time", "text"},
	}, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	f.orch.HandleRequestEvent(ev)
	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Fatal("compute never started")
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(backend.release)
	}()

	// Stop must block until the in-flight job settles, without cancelling
	// its compute call or the result publish.
	f.orch.Stop()

	if err := backend.preempted(); err != nil {
		t.Fatalf("in-flight compute was preempted: %v", err)
	}

	res, err := f.reader.FetchResult(context.Background(), ev.ID, job.ReadOptions{})
	if err != nil {
		t.Fatalf("fetch result: %v", err)
	}
	if res == nil || res.Content != "slow answer" {
		t.Fatalf("result after shutdown = %v", res)
	}

	entry, err := f.store.GetEntry(ev.ID)
	if err != nil {
		t.Fatalf("get history entry: %v", err)
	}
	if entry.Status != db.HistoryCompleted.String() {
		t.Fatalf("history status = %s, want completed", entry.Status)
	}
}

func TestOrchestrator_RejectsBidBelowMinimum(t *testing.T) {
	f := newFixture(t, Config{
		Pricing: PricingPolicy{Mode: PricingBid, MinBidMsats: 5000},
	})

	consumerSec, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	req, err := f.builder.Create(context.Background(), &job.RequestSpec{
		SecretKey: consumerSec,
		Kind:      5100,
		Inputs:    []job.Input{{Value: "cheap ask", Type: job.InputTypeText}},
		BidMsats:  100,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	waitFor(t, "error feedback", func() bool {
		feedback, err := f.reader.ListFeedback(context.Background(), req.Event.ID, job.ReadOptions{})
		if err != nil {
			return false
		}
		for _, fb := range feedback {
			if fb.Status == job.StatusError {
				return true
			}
		}
		return false
	})
	if f.backend.calls() != 0 {
		t.Fatal("compute must not run for an underbid request")
	}
}
