package store

import (
	"time"
)

// Party is the registered owner associated with a license plate.
// The plate is the identity and never changes; contact fields may.
type Party struct {
	Plate     string    `json:"plate"`
	OwnerName string    `json:"owner_name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a recorded safety infraction. Plate is nullable: a violation
// may be recorded before the responsible party is resolved.
type Violation struct {
	ID               int64      `json:"id"`
	Plate            *string    `json:"plate,omitempty"`
	Type             string     `json:"violation_type"`
	FineAmount       float64    `json:"fine_amount"`
	Location         string     `json:"location"`
	EvidenceRef      string     `json:"evidence_reference"`
	Processed        bool       `json:"processed"`
	NotificationSent bool       `json:"notification_sent"`
	PaymentStatus    string     `json:"payment_status"`
	PaymentDueDate   *time.Time `json:"payment_due_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Violation payment status constants. Waived is reserved for manual
// intervention: no engine operation sets it, but sweeps and views must
// tolerate rows an operator has waived directly.
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentOverdue = "overdue"
	PaymentWaived  = "waived"
)

// Notification is an event-driven delivery attempt record. Once Status is
// sent or abandoned the record is terminal and must not change again.
type Notification struct {
	ID             int64      `json:"id"`
	ViolationID    int64      `json:"violation_id"`
	Type           string     `json:"notification_type"`
	RecipientEmail string     `json:"recipient_email"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	LastAttempt    *time.Time `json:"last_attempt,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LeaseToken     *string    `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Notification status constants
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Notification type constants
const (
	NotifyViolationNotice = "violation_notice"
	NotifyReceipt         = "receipt"
	NotifySMS             = "sms"
)

// Terminal reports whether the notification has reached a final state.
func (n *Notification) Terminal() bool {
	return n.Status == StatusSent || n.Status == StatusAbandoned
}

// PaymentReminder is a calendar-driven reminder, distinct from the
// event-driven Notification: it fires on scheduled_date, not on creation.
type PaymentReminder struct {
	ID            int64     `json:"id"`
	ViolationID   int64     `json:"violation_id"`
	Type          string    `json:"reminder_type"`
	ScheduledDate time.Time `json:"scheduled_date"`
	Sent          bool      `json:"sent"`
	CreatedAt     time.Time `json:"created_at"`
}

// Payment is a single payment attempt against a violation. Multiple rows may
// exist per violation; at most one may reach completed.
type Payment struct {
	ID            int64      `json:"id"`
	ViolationID   int64      `json:"violation_id"`
	Amount        float64    `json:"amount"`
	Method        string     `json:"payment_method"`
	TransactionID *string    `json:"transaction_id,omitempty"`
	Status        string     `json:"status"`
	PaymentDate   *time.Time `json:"payment_date,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Payment status constants
const (
	PayPending   = "pending"
	PayCompleted = "completed"
	PayFailed    = "failed"
	PayRefunded  = "refunded"
)

// TypeStats is the per-violation-type aggregate used for reconciliation.
// Counts and sums are recomputed from source rows on every read.
type TypeStats struct {
	Type      string  `json:"violation_type"`
	Total     int     `json:"total"`
	Paid      int     `json:"paid"`
	Pending   int     `json:"pending"`
	FineTotal float64 `json:"fine_total"`
	PaidTotal float64 `json:"paid_total"`
}

// ViolationSummary denormalizes a violation with its owner and latest
// completed payment for reporting. DerivedStatus is computed from payment
// rows alone and must always agree with PaymentStatus on paid-ness.
type ViolationSummary struct {
	ViolationID   int64      `json:"violation_id"`
	Plate         *string    `json:"plate,omitempty"`
	OwnerName     string     `json:"owner_name,omitempty"`
	OwnerEmail    string     `json:"owner_email,omitempty"`
	Type          string     `json:"violation_type"`
	FineAmount    float64    `json:"fine_amount"`
	Location      string     `json:"location"`
	PaymentStatus string     `json:"payment_status"`
	DerivedStatus string     `json:"derived_status"`
	LatestPayment *Payment   `json:"latest_payment,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Derived status values for ViolationSummary
const (
	DerivedPaid   = "paid"
	DerivedUnpaid = "unpaid"
)
