package db

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/openagentsinc/dvm-engine/common/errors"
)

// HistoryStatus is the closed set of states a history entry moves through.
type HistoryStatus string

const (
	HistoryPendingPayment HistoryStatus = "pending_payment"
	HistoryProcessing     HistoryStatus = "processing"
	HistoryCompleted      HistoryStatus = "completed"
	HistoryPaid           HistoryStatus = "paid"
	HistoryError          HistoryStatus = "error"
	HistoryCancelled      HistoryStatus = "cancelled"
)

func (s HistoryStatus) String() string { return string(s) }

// Terminal reports whether an entry in this state is immutable.
func (s HistoryStatus) Terminal() bool {
	switch s {
	case HistoryCompleted, HistoryPaid, HistoryError, HistoryCancelled:
		return true
	}
	return false
}

// allowedTransitions is the explicit transition table; anything not listed
// is rejected.
var allowedTransitions = map[HistoryStatus][]HistoryStatus{
	HistoryPendingPayment: {HistoryProcessing, HistoryError, HistoryCancelled},
	HistoryProcessing:     {HistoryCompleted, HistoryPaid, HistoryError, HistoryCancelled},
}

func transitionAllowed(from, to HistoryStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HistoryEntry is the provider-local record of one processed job request.
// Entries are never deleted by the broker.
type HistoryEntry struct {
	JobRequestEventID  string     `gorm:"type:varchar(64);primaryKey" json:"jobRequestEventId"`
	RequesterPubKey    string     `gorm:"type:varchar(66);not null;index" json:"requesterPubkey"`
	Kind               int        `gorm:"not null" json:"kind"`
	Status             string     `gorm:"type:varchar(32);not null;index" json:"status"`
	InvoiceAmountMsats uint64     `json:"invoiceAmountMsats,omitempty"`
	InvoiceID          string     `gorm:"type:varchar(255)" json:"invoiceId,omitempty"`
	Timestamp          time.Time  `gorm:"not null" json:"timestamp"`
	CreatedAt          *time.Time `json:"createdAt"`
	UpdatedAt          *time.Time `json:"updatedAt"`
}

// Statistics is the read-time aggregate over all history entries.
type Statistics struct {
	TotalJobsProcessed  int64  `json:"totalJobsProcessed"`
	TotalSuccessfulJobs int64  `json:"totalSuccessfulJobs"`
	TotalFailedJobs     int64  `json:"totalFailedJobs"`
	TotalRevenueMsats   uint64 `json:"totalRevenueMsats"`
}

func (d *DB) Migrate() error {
	m := gormigrate.New(d.db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "create-job-history",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&HistoryEntry{})
			},
		},
	})
	return errors.Wrap(m.Migrate(), "migrate database")
}

// AddEntry records a freshly accepted job.
func (d *DB) AddEntry(entry *HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	ret := d.db.Create(entry)
	return errors.Wrap(ret.Error, "add history entry")
}

func (d *DB) GetEntry(jobRequestEventID string) (HistoryEntry, error) {
	entry := HistoryEntry{}
	ret := d.db.Where(&HistoryEntry{JobRequestEventID: jobRequestEventID}).First(&entry)
	return entry, ret.Error
}

// HasEntry reports whether an entry exists for the request id.
func (d *DB) HasEntry(jobRequestEventID string) (bool, error) {
	var count int64
	ret := d.db.Model(&HistoryEntry{}).
		Where("job_request_event_id = ?", jobRequestEventID).
		Count(&count)
	return count > 0, ret.Error
}

// UpdateStatus moves an entry from one state to another, enforcing the
// transition table. Terminal states are immutable: the guarded update
// touches nothing when the stored status no longer matches from.
func (d *DB) UpdateStatus(jobRequestEventID string, from, to HistoryStatus) error {
	if !transitionAllowed(from, to) {
		return errors.Errorf("history transition %s -> %s not allowed", from, to)
	}
	ret := d.db.Model(&HistoryEntry{}).
		Where(&HistoryEntry{JobRequestEventID: jobRequestEventID, Status: from.String()}).
		Update("status", to.String())
	if ret.Error != nil {
		return errors.Wrap(ret.Error, "update history status")
	}
	if ret.RowsAffected == 0 {
		return errors.Errorf("history entry %s is not in state %s", jobRequestEventID, from)
	}
	return nil
}

// SetInvoice attaches the payment reference to an entry.
func (d *DB) SetInvoice(jobRequestEventID string, amountMsats uint64, invoiceID string) error {
	ret := d.db.Model(&HistoryEntry{}).
		Where(&HistoryEntry{JobRequestEventID: jobRequestEventID}).
		Updates(HistoryEntry{InvoiceAmountMsats: amountMsats, InvoiceID: invoiceID})
	return errors.Wrap(ret.Error, "set invoice on history entry")
}

// ListEntries returns a page of history entries, newest first.
func (d *DB) ListEntries(offset, limit int) ([]HistoryEntry, int64, error) {
	var total int64
	if ret := d.db.Model(&HistoryEntry{}).Count(&total); ret.Error != nil {
		return nil, 0, ret.Error
	}

	var entries []HistoryEntry
	query := d.db.Order("timestamp DESC").Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	ret := query.Find(&entries)
	return entries, total, ret.Error
}

// Statistics recomputes the aggregate counters from the full history at
// read time; nothing is maintained incrementally.
func (d *DB) Statistics() (Statistics, error) {
	var stats Statistics

	if ret := d.db.Model(&HistoryEntry{}).Count(&stats.TotalJobsProcessed); ret.Error != nil {
		return stats, ret.Error
	}
	if ret := d.db.Model(&HistoryEntry{}).
		Where("status IN (?, ?)", HistoryCompleted.String(), HistoryPaid.String()).
		Count(&stats.TotalSuccessfulJobs); ret.Error != nil {
		return stats, ret.Error
	}
	if ret := d.db.Model(&HistoryEntry{}).
		Where("status = ?", HistoryError.String()).
		Count(&stats.TotalFailedJobs); ret.Error != nil {
		return stats, ret.Error
	}

	var revenue struct{ Total uint64 }
	ret := d.db.Model(&HistoryEntry{}).
		Select("COALESCE(SUM(invoice_amount_msats), 0) AS total").
		Where("status IN (?, ?)", HistoryCompleted.String(), HistoryPaid.String()).
		Scan(&revenue)
	if ret.Error != nil {
		return stats, ret.Error
	}
	stats.TotalRevenueMsats = revenue.Total
	return stats, nil
}
