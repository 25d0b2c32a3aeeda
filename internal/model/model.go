// Package model holds the three persisted entities of the notification
// dispatch service and the small enums that drive their state machines.
package model

import "time"

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	StatusPending        RequestStatus = "pending"
	StatusSending        RequestStatus = "sending"
	StatusSent           RequestStatus = "sent"
	StatusPartialFailure RequestStatus = "partial_failure"
	StatusFailed         RequestStatus = "failed"
	StatusCancelled      RequestStatus = "cancelled"
)

// Terminal reports whether status is a final state that reconciliation
// and cancellation must never move a Request out of.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusPartialFailure, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ExpandGroup selects whether party_to should be fanned out to its
// approved group members before delivery.
type ExpandGroup bool

const (
	ExpandNo  ExpandGroup = false
	ExpandYes ExpandGroup = true
)

const DefaultMaxRetries = 3

// MaxSubjectLen is the hard cap on Request.Subject, per the wire contract.
const MaxSubjectLen = 1000

// Request is a single caller-submitted notification order.
type Request struct {
	RequestID    int64         `db:"request_id"`
	PartyFrom    string        `db:"party_from"`
	PartyTo      string        `db:"party_to"`
	ExpandGroup  ExpandGroup   `db:"expand_group"`
	Subject      string        `db:"subject"`
	Message      string        `db:"message"`
	RequestDate  time.Time     `db:"request_date"`
	FulfillDate  *time.Time    `db:"fulfill_date"`
	Status       RequestStatus `db:"status"`
	MaxRetries   int           `db:"max_retries"`
}

// QueueEntry is one recipient's delivery slot for a Request, the unit of
// retry. Its composite key is (RequestID, PartyTo).
type QueueEntry struct {
	RequestID        int64  `db:"request_id"`
	PartyTo          string `db:"party_to"`
	SMTPReplyCode    *int   `db:"smtp_reply_code"`
	SMTPReplyMessage *string `db:"smtp_reply_message"`
	RetryCount       int    `db:"retry_count"`
	IsSuccessful     bool   `db:"is_successful"`
}

// Exhausted reports whether the entry has used up its retry budget
// against the owning request's MaxRetries and can no longer be attempted.
func (q QueueEntry) Exhausted(maxRetries int) bool {
	return !q.IsSuccessful && q.RetryCount >= maxRetries
}

// Retryable reports whether the entry is still eligible for another
// delivery attempt.
func (q QueueEntry) Retryable(maxRetries int) bool {
	return !q.IsSuccessful && q.RetryCount < maxRetries
}

// Job is the process-wide scheduler-handle singleton. Exactly one row of
// this shape exists in the Store; inserts and deletes on it are rejected
// at the Store boundary.
type Job struct {
	JobID       *string    `db:"job_id"`
	LastRunDate *time.Time `db:"last_run_date"`
}
