package dvm

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"

	"github.com/openagentsinc/dvm-engine/common/errors"
	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/internal/crypto"
	"github.com/openagentsinc/dvm-engine/internal/db"
	"github.com/openagentsinc/dvm-engine/internal/event"
	"github.com/openagentsinc/dvm-engine/internal/inference"
	"github.com/openagentsinc/dvm-engine/internal/job"
	"github.com/openagentsinc/dvm-engine/internal/payment"
	"github.com/openagentsinc/dvm-engine/internal/relay"
)

// JobState is the in-memory lifecycle state of one tracked job.
type JobState string

const (
	StateReceived        JobState = "received"
	StateValidated       JobState = "validated"
	StatePaymentRequired JobState = "payment-required"
	StateProcessing      JobState = "processing"
	StateCompleted       JobState = "completed"
	StateError           JobState = "error"
	StateCancelled       JobState = "cancelled"
)

// jobTransitions is the explicit transition table; anything else is rejected.
var jobTransitions = map[JobState][]JobState{
	StateReceived:        {StateValidated, StateError},
	StateValidated:       {StatePaymentRequired, StateProcessing, StateError},
	StatePaymentRequired: {StateProcessing, StateCancelled, StateError},
	StateProcessing:      {StateCompleted, StateError},
}

// Config is the orchestrator's provider configuration. Key material is
// passed in explicitly; there is no ambient global signer.
type Config struct {
	SecretKey           string
	SupportedKinds      []int
	Pricing             PricingPolicy
	Workers             int
	PaymentPollInterval time.Duration
	// PaymentTimeout bounds how long a job may sit in payment-required
	// before it is cancelled.
	PaymentTimeout time.Duration
}

// trackedJob serializes transitions within a single request id. Distinct
// ids are processed concurrently.
type trackedJob struct {
	mu sync.Mutex

	state     JobState
	req       *job.Request
	requester string
	invoice   *payment.Invoice
	paidAt    time.Time
	parkedAt  time.Time
}

// transition moves the job to a new state, rejecting anything outside the
// transition table. Callers hold j.mu.
func (j *trackedJob) transition(to JobState) error {
	for _, next := range jobTransitions[j.state] {
		if next == to {
			j.state = to
			return nil
		}
	}
	return errors.Errorf("job transition %s -> %s not allowed", j.state, to)
}

// Orchestrator is the provider-side engine: it subscribes for job requests
// and drives each through validate, price, compute and settle, emitting
// feedback and result events along the way.
type Orchestrator struct {
	cfg    Config
	pubKey string

	pool     *relay.Pool
	backend  inference.Backend
	invoicer payment.Invoicer
	store    *db.DB
	logger   log.Logger
	workers  *workerpool.WorkerPool

	mu   sync.Mutex
	jobs map[string]*trackedJob
	sub  *relay.Subscription

	ctx         context.Context
	cancel      context.CancelFunc
	watchCancel context.CancelFunc
}

func New(
	cfg Config,
	pool *relay.Pool,
	backend inference.Backend,
	invoicer payment.Invoicer,
	store *db.DB,
	logger log.Logger,
) (*Orchestrator, error) {
	if cfg.SecretKey == "" {
		return nil, errors.Validation("missing provider secret key")
	}
	if len(cfg.SupportedKinds) == 0 {
		return nil, errors.Validation("no supported job kinds configured")
	}
	pubKey, err := crypto.PublicKeyHex(cfg.SecretKey)
	if err != nil {
		return nil, errors.Wrap(err, "derive provider public key")
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PaymentPollInterval <= 0 {
		cfg.PaymentPollInterval = 5 * time.Second
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 10 * time.Minute
	}

	return &Orchestrator{
		cfg:      cfg,
		pubKey:   pubKey,
		pool:     pool,
		backend:  backend,
		invoicer: invoicer,
		store:    store,
		logger:   logger.WithFields(logrus.Fields{"name": "orchestrator"}),
		workers:  workerpool.New(cfg.Workers),
		jobs:     make(map[string]*trackedJob),
	}, nil
}

// PubKey is the provider's public key consumers address requests to.
func (o *Orchestrator) PubKey() string { return o.pubKey }

// Start subscribes for incoming job requests and launches the invoice
// watcher. It returns once the subscription is live.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	sub, err := o.pool.Subscribe(o.ctx, []relay.Filter{{
		Kinds: o.cfg.SupportedKinds,
		Since: time.Now().Unix(),
	}}, o.HandleRequestEvent)
	if err != nil {
		return errors.Wrap(err, "subscribe for job requests")
	}
	o.sub = sub

	watchCtx, watchCancel := context.WithCancel(o.ctx)
	o.watchCancel = watchCancel
	go o.watchInvoices(watchCtx)

	o.logger.Infof("provider %s listening for kinds %v", o.pubKey, o.cfg.SupportedKinds)
	return nil
}

// Stop ends intake, waits for in-flight jobs to settle, and only then
// releases the shared context. Processing that already reached the inference
// backend is never preempted; its result and feedback still go out.
func (o *Orchestrator) Stop() {
	if o.sub != nil {
		o.sub.Unsubscribe()
	}
	if o.watchCancel != nil {
		o.watchCancel()
	}
	o.workers.StopWait()
	if o.cancel != nil {
		o.cancel()
	}
}

// HandleRequestEvent is the subscription callback. A duplicate delivery of
// an id already tracked (relay redelivery) is a no-op.
func (o *Orchestrator) HandleRequestEvent(ev *event.Event) {
	o.mu.Lock()
	if _, dup := o.jobs[ev.ID]; dup {
		o.mu.Unlock()
		return
	}
	o.jobs[ev.ID] = &trackedJob{state: StateReceived}
	o.mu.Unlock()

	// A restart loses the in-memory map; the history log still knows.
	if seen, err := o.store.HasEntry(ev.ID); err == nil && seen {
		return
	}

	o.workers.Submit(func() {
		o.runPipeline(ev)
	})
}

func (o *Orchestrator) tracked(id string) *trackedJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs[id]
}

func (o *Orchestrator) runPipeline(ev *event.Event) {
	j := o.tracked(ev.ID)
	if j == nil {
		return
	}

	req, err := o.decodeRequest(ev)
	if err != nil {
		// Structurally broken events are dropped without feedback.
		o.logger.Warnf("dropping request %s: %v", ev.ID, err)
		return
	}

	j.mu.Lock()
	j.req = req
	j.requester = ev.PubKey
	j.mu.Unlock()

	amount, err := o.validateAndPrice(j, req)
	if err != nil {
		// Invalid requests terminate immediately; no history entry is kept.
		o.failJob(j, err.Error(), false)
		return
	}

	needsPayment := o.cfg.Pricing.Upfront && amount > 0

	entry := &db.HistoryEntry{
		JobRequestEventID: req.Event.ID,
		RequesterPubKey:   j.requester,
		Kind:              req.Kind,
		Status:            db.HistoryProcessing.String(),
		Timestamp:         time.Now(),
	}
	if needsPayment {
		entry.Status = db.HistoryPendingPayment.String()
	}
	if err := o.store.AddEntry(entry); err != nil {
		o.logger.Errorf("record job %s: %v", req.Event.ID, err)
		o.failJob(j, "internal error", false)
		return
	}

	if needsPayment {
		o.requirePayment(j, amount)
		return
	}

	o.processJob(j)
}

// decodeRequest parses and, when addressed to this provider, decrypts the
// request event.
func (o *Orchestrator) decodeRequest(ev *event.Event) (*job.Request, error) {
	req, err := job.ParseRequest(ev)
	if err != nil {
		return nil, err
	}

	if req.Encrypted {
		if req.TargetProvider != o.pubKey {
			return nil, errors.New("encrypted request addressed to another provider")
		}
		plaintext, err := crypto.DecryptFromPeer(o.cfg.SecretKey, ev.PubKey, ev.Content)
		if err != nil {
			return nil, err
		}
		inputs, err := job.DecodeInputsJSON(plaintext)
		if err != nil {
			return nil, err
		}
		req.Inputs = inputs
	}
	return req, nil
}

func (o *Orchestrator) supportedKind(kind int) bool {
	for _, k := range o.cfg.SupportedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (o *Orchestrator) validateAndPrice(j *trackedJob, req *job.Request) (uint64, error) {
	if !o.supportedKind(req.Kind) {
		return 0, errors.Validationf("kind %d not supported", req.Kind)
	}
	if len(req.Inputs) == 0 {
		return 0, errors.Validation("request has no inputs")
	}
	for _, in := range req.Inputs {
		if !in.Type.Valid() {
			return 0, errors.Validationf("unknown input type %q", in.Type)
		}
	}

	amount, err := o.cfg.Pricing.Price(req)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(StateValidated); err != nil {
		return 0, err
	}
	return amount, nil
}

// requirePayment creates an invoice, emits payment-required feedback and
// parks the job; the invoice watcher picks it up from there.
func (o *Orchestrator) requirePayment(j *trackedJob, amount uint64) {
	inv, err := o.invoicer.CreateInvoice(o.ctx, amount, "job "+j.req.Event.ID)
	if err != nil {
		o.logger.Errorf("create invoice for %s: %v", j.req.Event.ID, err)
		o.failJob(j, "could not create invoice", true)
		return
	}

	j.mu.Lock()
	if err := j.transition(StatePaymentRequired); err != nil {
		j.mu.Unlock()
		o.logger.Errorf("park job %s: %v", j.req.Event.ID, err)
		return
	}
	j.invoice = inv
	j.parkedAt = time.Now()
	j.mu.Unlock()

	if err := o.store.SetInvoice(j.req.Event.ID, inv.AmountMsats, inv.ID); err != nil {
		o.logger.Errorf("record invoice for %s: %v", j.req.Event.ID, err)
	}
	o.emitFeedback(j, job.StatusPaymentRequired, "", inv)
}

// watchInvoices polls parked jobs until their invoice settles or the
// payment deadline passes. It is stopped ahead of the worker pool during
// shutdown so it cannot submit new work to a stopping pool.
func (o *Orchestrator) watchInvoices(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PaymentPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkParkedJobs()
		}
	}
}

func (o *Orchestrator) checkParkedJobs() {
	o.mu.Lock()
	parked := make([]*trackedJob, 0)
	for _, j := range o.jobs {
		j.mu.Lock()
		if j.state == StatePaymentRequired {
			parked = append(parked, j)
		}
		j.mu.Unlock()
	}
	o.mu.Unlock()

	for _, j := range parked {
		j.mu.Lock()
		inv := j.invoice
		expired := time.Since(j.parkedAt) > o.cfg.PaymentTimeout
		j.mu.Unlock()
		if inv == nil {
			continue
		}

		state, err := o.invoicer.CheckInvoice(o.ctx, inv.ID)
		if err != nil {
			o.logger.Warnf("check invoice %s: %v", inv.ID, err)
			continue
		}

		switch {
		case state == payment.InvoicePaid:
			j.mu.Lock()
			j.paidAt = time.Now()
			j.mu.Unlock()
			if err := o.store.UpdateStatus(j.req.Event.ID, db.HistoryPendingPayment, db.HistoryProcessing); err != nil {
				o.logger.Errorf("promote job %s: %v", j.req.Event.ID, err)
				continue
			}
			jj := j
			o.workers.Submit(func() { o.processJob(jj) })

		case state == payment.InvoiceExpired || expired:
			o.cancelJob(j, "payment timeout")
		}
	}
}

// processJob runs the compute stage and settles the outcome.
func (o *Orchestrator) processJob(j *trackedJob) {
	j.mu.Lock()
	if err := j.transition(StateProcessing); err != nil {
		j.mu.Unlock()
		o.logger.Warnf("job %s: %v", j.req.Event.ID, err)
		return
	}
	req := j.req
	paid := !j.paidAt.IsZero()
	j.mu.Unlock()

	o.emitFeedback(j, job.StatusProcessing, "", nil)

	values := make([]string, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		values = append(values, in.Value)
	}
	output, err := o.backend.Compute(o.ctx, strings.Join(values, "\n"))
	if err != nil {
		o.logger.Errorf("compute job %s: %v", req.Event.ID, err)
		o.failJob(j, "compute failed: "+err.Error(), true)
		return
	}

	if err := o.emitResult(j, output); err != nil {
		o.failJob(j, "could not publish result", true)
		return
	}
	o.emitFeedback(j, job.StatusSuccess, "", nil)

	j.mu.Lock()
	if err := j.transition(StateCompleted); err != nil {
		o.logger.Warnf("job %s: %v", req.Event.ID, err)
	}
	j.mu.Unlock()

	final := db.HistoryCompleted
	if paid {
		final = db.HistoryPaid
	}
	if err := o.store.UpdateStatus(req.Event.ID, db.HistoryProcessing, final); err != nil {
		o.logger.Errorf("finalize job %s: %v", req.Event.ID, err)
	}
}

// failJob emits terminal error feedback so the consumer is never left
// waiting for an abandoned job.
func (o *Orchestrator) failJob(j *trackedJob, reason string, recorded bool) {
	o.emitFeedback(j, job.StatusError, reason, nil)

	j.mu.Lock()
	from := j.state
	if err := j.transition(StateError); err != nil {
		o.logger.Warnf("fail job: %v", err)
	}
	j.mu.Unlock()

	if !recorded || j.req == nil {
		return
	}
	hist := db.HistoryProcessing
	if from == StatePaymentRequired {
		hist = db.HistoryPendingPayment
	}
	if err := o.store.UpdateStatus(j.req.Event.ID, hist, db.HistoryError); err != nil {
		o.logger.Errorf("record failure for %s: %v", j.req.Event.ID, err)
	}
}

func (o *Orchestrator) cancelJob(j *trackedJob, reason string) {
	j.mu.Lock()
	if err := j.transition(StateCancelled); err != nil {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	o.emitFeedback(j, job.StatusError, reason, nil)
	if err := o.store.UpdateStatus(j.req.Event.ID, db.HistoryPendingPayment, db.HistoryCancelled); err != nil {
		o.logger.Errorf("cancel job %s: %v", j.req.Event.ID, err)
	}
	o.logger.Infof("cancelled job %s: %s", j.req.Event.ID, reason)
}

// emitFeedback publishes a kind-7000 status event for the job.
func (o *Orchestrator) emitFeedback(j *trackedJob, status job.FeedbackStatus, extra string, inv *payment.Invoice) {
	j.mu.Lock()
	req := j.req
	requester := j.requester
	j.mu.Unlock()
	if req == nil {
		return
	}

	statusTag := event.Tag{event.TagStatus, string(status)}
	if extra != "" {
		statusTag = append(statusTag, extra)
	}
	tags := []event.Tag{
		{event.TagEvent, req.Event.ID},
		{event.TagPubKey, requester},
		statusTag,
	}
	if inv != nil {
		tags = append(tags, event.Tag{
			event.TagAmount, strconv.FormatUint(inv.AmountMsats, 10), inv.Bolt11,
		})
	}

	ev, err := event.Sign(o.cfg.SecretKey, event.KindJobFeedback, tags, "")
	if err != nil {
		o.logger.Errorf("sign feedback for %s: %v", req.Event.ID, err)
		return
	}
	if _, err := o.pool.Publish(o.ctx, ev); err != nil {
		o.logger.Errorf("publish feedback for %s: %v", req.Event.ID, err)
	}
}

// emitResult publishes the job's canonical result, encrypting the output
// back to the requester when the request came in encrypted.
func (o *Orchestrator) emitResult(j *trackedJob, output string) error {
	j.mu.Lock()
	req := j.req
	requester := j.requester
	inv := j.invoice
	j.mu.Unlock()

	tags := []event.Tag{
		{event.TagEvent, req.Event.ID},
		{event.TagPubKey, requester},
	}

	content := output
	if req.Encrypted {
		tags = append(tags, event.Tag{event.TagEncrypted})
		sealed, err := crypto.EncryptToPeer(o.cfg.SecretKey, requester, []byte(output))
		if err != nil {
			return err
		}
		content = sealed
	} else {
		// Echo the original request back for consumer convenience; an
		// encrypted request is not re-exposed.
		if raw, err := requestJSON(req.Event); err == nil {
			tags = append(tags, event.Tag{event.TagRequest, raw})
		}
	}
	if inv != nil {
		tags = append(tags, event.Tag{
			event.TagAmount, strconv.FormatUint(inv.AmountMsats, 10), inv.Bolt11,
		})
	}

	ev, err := event.Sign(o.cfg.SecretKey, event.ResultKindFor(req.Kind), tags, content)
	if err != nil {
		return errors.Wrap(err, "sign result")
	}
	if _, err := o.pool.Publish(o.ctx, ev); err != nil {
		return err
	}
	o.logger.Infof("published result %s for job %s", ev.ID, req.Event.ID)
	return nil
}

func requestJSON(ev *event.Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
