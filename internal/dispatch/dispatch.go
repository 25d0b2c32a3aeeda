// Package dispatch implements process_queue, the dispatcher entry point:
// it expands pending requests, drives a single SMTP session over the
// resulting queue rows using the sender/recipient coalescing batching
// rule, and reconciles request status once the scan completes.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modfin/henry/compare"
	"github.com/sirupsen/logrus"

	"github.com/modfin/notifyd/internal/directory"
	"github.com/modfin/notifyd/internal/expand"
	"github.com/modfin/notifyd/internal/metrics"
	"github.com/modfin/notifyd/internal/model"
	"github.com/modfin/notifyd/internal/smtp"
	"github.com/modfin/notifyd/internal/store"
)

const unknownSenderAddress = "unknown@unknown.com"

// runIDKey scopes a per-ProcessQueue-run correlation id in ctx, so
// concurrent runs (spec.md §5 allows overlapping invocations) each log
// under their own id instead of a Dispatcher-wide one.
type runIDKey struct{}

func (d *Dispatcher) logEntry(ctx context.Context) *logrus.Entry {
	id, _ := ctx.Value(runIDKey{}).(string)
	return d.log.WithField("run_id", id)
}

// Dialer opens an SMTP session against host:port. It exists so tests can
// substitute a session dialed against a loopback fake server without the
// Dispatcher knowing the difference.
type Dialer func(host string, port int) (*smtp.Session, smtp.Reply, error)

type Config struct {
	LocalHelo string
	Timeout   time.Duration
}

// Dispatcher owns one process_queue invocation's worth of collaborators.
// A single instance is reused across scheduled runs; it holds no
// in-flight session state between calls.
type Dispatcher struct {
	store store.Store
	dir   directory.Directory
	exp   *expand.Expander
	m     *metrics.Metrics
	log   *logrus.Logger
	cfg   Config
	dial  Dialer
}

func New(st store.Store, dir directory.Directory, m *metrics.Metrics, log *logrus.Logger, cfg Config) *Dispatcher {
	d := &Dispatcher{
		store: st,
		dir:   dir,
		exp:   expand.New(st, dir, log),
		m:     m,
		log:   log,
		cfg:   cfg,
	}
	d.dial = func(host string, port int) (*smtp.Session, smtp.Reply, error) {
		return smtp.Dial(host, port, cfg.LocalHelo, cfg.Timeout)
	}
	return d
}

// SetDialer overrides how SMTP sessions are opened, for tests.
func (d *Dispatcher) SetDialer(dial Dialer) { d.dial = dial }

type resolvedRow struct {
	store.DeliveryRow
	fromEmail string
	toEmail   string
}

// ProcessQueue is process_queue(host, port): the dispatcher's single
// entry point, invoked either by the scheduler or an operator's run-once
// command.
func (d *Dispatcher) ProcessQueue(ctx context.Context, host string, port int) error {
	start := time.Now()
	now := start.UTC()

	runID := uuid.NewString()
	ctx = context.WithValue(ctx, runIDKey{}, runID)

	if err := d.store.TouchJobLastRun(ctx, now); err != nil {
		return fmt.Errorf("dispatch: touch job: %w", err)
	}

	active, err := d.store.AnyRequestActive(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: check active requests: %w", err)
	}
	if !active {
		d.m.DispatchRunsSkipped.Inc()
		return nil
	}

	session, reply, err := d.dial(host, port)
	if err != nil || reply.Code != 250 {
		d.m.ConnectionFailures.Inc()
		code, text := connectionFailureReply(reply, err)
		d.logEntry(ctx).WithFields(logrus.Fields{"host": host, "port": port, "reply": text}).
			Warn("could not obtain smtp session, bulk-retrying sending requests")
		if rerr := d.store.BulkRetryConnectionFailure(ctx, code, text); rerr != nil {
			return fmt.Errorf("dispatch: bulk retry after connection failure: %w", rerr)
		}
		counts, rerr := d.store.Reconcile(ctx, now)
		if rerr != nil {
			return fmt.Errorf("dispatch: reconcile after connection failure: %w", rerr)
		}
		d.m.RequestsReconciled.WithLabelValues("sent").Add(float64(counts.Sent))
		d.m.RequestsReconciled.WithLabelValues("failed").Add(float64(counts.Failed))
		d.m.RequestsReconciled.WithLabelValues("partial_failure").Add(float64(counts.PartialFailure))
		return nil
	}
	defer session.Close()

	if err := d.exp.Run(ctx); err != nil {
		return fmt.Errorf("dispatch: expand: %w", err)
	}

	rows, err := d.store.DeliverableRows(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: list deliverable rows: %w", err)
	}

	resolved := d.resolveRecipients(ctx, rows)

	if err := d.runScan(ctx, session, resolved); err != nil {
		return fmt.Errorf("dispatch: delivery scan: %w", err)
	}

	counts, err := d.store.Reconcile(ctx, now)
	if err != nil {
		return fmt.Errorf("dispatch: reconcile: %w", err)
	}
	d.m.RequestsReconciled.WithLabelValues("sent").Add(float64(counts.Sent))
	d.m.RequestsReconciled.WithLabelValues("failed").Add(float64(counts.Failed))
	d.m.RequestsReconciled.WithLabelValues("partial_failure").Add(float64(counts.PartialFailure))

	d.m.DispatchDuration.Observe(time.Since(start).Seconds())
	return nil
}

// connectionFailureReply picks the reply code/text to record against every
// bulk-retried row: the server's own rejection when one was received, or a
// synthetic record of the transport failure otherwise.
func connectionFailureReply(reply smtp.Reply, err error) (int, string) {
	if err != nil {
		return 0, err.Error()
	}
	return reply.Code, reply.Text
}

// resolveRecipients looks up each row's sender and recipient against the
// directory and drops rows whose recipient has no email on file, per the
// delivery scan's filter (spec.md §4.6). A missing sender email falls
// back to the literal unknown@unknown.com address rather than dropping
// the row.
func (d *Dispatcher) resolveRecipients(ctx context.Context, rows []store.DeliveryRow) []resolvedRow {
	out := make([]resolvedRow, 0, len(rows))
	for _, row := range rows {
		fromEmail := unknownSenderAddress
		if from, err := d.dir.Resolve(ctx, row.PartyFrom); err == nil && from.Email != nil {
			fromEmail = compare.Coalesce(*from.Email, unknownSenderAddress)
		}

		to, err := d.dir.Resolve(ctx, row.PartyTo)
		if err != nil || to.Email == nil || *to.Email == "" {
			d.logEntry(ctx).WithFields(logrus.Fields{
				"request_id": row.RequestID, "party_to": row.PartyTo,
			}).Debug("skipping row with no resolvable recipient email")
			continue
		}

		out = append(out, resolvedRow{DeliveryRow: row, fromEmail: fromEmail, toEmail: *to.Email})
	}
	return out
}

// runScan drives the coalescing state machine over rows, which must
// already be ordered by (party_from, party_to). It is a small state
// machine over {idle, data_open(from,to)}, matching the source's own
// prev_from/prev_to bookkeeping rather than materializing a grouped
// intermediate.
func (d *Dispatcher) runScan(ctx context.Context, session *smtp.Session, rows []resolvedRow) error {
	var prevFrom, prevTo string
	dataOpen := false

	closeEnvelope := func() {
		if !dataOpen {
			return
		}
		if _, err := session.CloseData(); err != nil {
			d.logEntry(ctx).WithError(err).Warn("closing data section at boundary change failed")
		}
		dataOpen = false
	}

	for _, row := range rows {
		if dataOpen && (row.PartyFrom != prevFrom || row.PartyTo != prevTo) {
			closeEnvelope()
		}

		if !dataOpen {
			opened, err := d.openEnvelope(ctx, session, row)
			if err != nil {
				return err
			}
			if !opened {
				continue // per-row failure already recorded, move to next row
			}
			dataOpen = true
			prevFrom, prevTo = row.PartyFrom, row.PartyTo
		}

		opened, err := d.appendMessage(ctx, session, row)
		if err != nil {
			return err
		}
		if !opened {
			dataOpen = false
		}
	}

	closeEnvelope()
	return nil
}

// openEnvelope issues MAIL FROM, RCPT TO and DATA for a fresh (from, to)
// pair. It returns opened=false when a bad reply produced a per-row
// failure that has already been recorded, so the caller can move on
// without a DATA section.
func (d *Dispatcher) openEnvelope(ctx context.Context, session *smtp.Session, row resolvedRow) (opened bool, err error) {
	mfReply, mfErr := session.MailFrom(row.fromEmail)
	if mfErr != nil {
		d.recordProtocolFailure(ctx, row, "mail-from", mfErr)
		return false, nil
	}
	if mfReply.Code != 250 {
		d.recordReplyFailure(ctx, row, mfReply)
		return false, nil
	}

	rcptReply, rcptErr := session.RcptTo(row.toEmail)
	if rcptErr != nil {
		d.recordProtocolFailure(ctx, row, "rcpt-to", rcptErr)
		return false, nil
	}
	if rcptReply.Code != 250 && rcptReply.Code != 251 {
		d.recordReplyFailure(ctx, row, rcptReply)
		return false, nil
	}

	dataReply, dataErr := session.OpenData()
	if dataErr != nil {
		d.recordProtocolFailure(ctx, row, "open-data", dataErr)
		return false, nil
	}
	if dataReply.Code != 354 {
		d.recordReplyFailure(ctx, row, dataReply)
		return false, nil
	}

	if err := session.WriteHeaders(row.fromEmail, row.toEmail, row.Subject, smtp.PrettyDate(row.RequestDate)); err != nil {
		d.recordProtocolFailure(ctx, row, "write-headers", err)
		_, _ = session.CloseData()
		return false, nil
	}
	return true, nil
}

// appendMessage writes one row's body into the already-open DATA section
// and marks the row successful. A banner/body write failure leaves the
// DATA section in an unknown, possibly half-written state, so it is
// closed immediately rather than reused: this mirrors openEnvelope's own
// close-on-write-headers-failure handling. appendMessage reports opened=
// false in that case so the caller knows the envelope no longer exists
// and must reopen one for the next row.
func (d *Dispatcher) appendMessage(ctx context.Context, session *smtp.Session, row resolvedRow) (opened bool, err error) {
	banner := fmt.Sprintf("\r\n\r\nMessage sent on %s regarding %s\r\n\r\n",
		smtp.PrettyDate(row.RequestDate), row.Subject)
	if err := session.WriteString(banner); err != nil {
		d.recordProtocolFailure(ctx, row, "write-banner", err)
		_, _ = session.CloseData()
		return false, nil
	}

	rc, err := d.store.OpenMessage(ctx, row.RequestID)
	if err != nil {
		return false, fmt.Errorf("open message body for request %d: %w", row.RequestID, err)
	}
	defer rc.Close()

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	if err := session.WriteChunks(string(body)); err != nil {
		d.recordProtocolFailure(ctx, row, "write-body", err)
		_, _ = session.CloseData()
		return false, nil
	}

	if err := d.store.RecordAttempt(ctx, row.RequestID, row.PartyTo, true, nil, nil); err != nil {
		return false, fmt.Errorf("record success for request %d/%s: %w", row.RequestID, row.PartyTo, err)
	}
	d.m.RowsDelivered.WithLabelValues("success").Inc()
	return true, nil
}

func (d *Dispatcher) recordReplyFailure(ctx context.Context, row resolvedRow, reply smtp.Reply) {
	code, text := reply.Code, reply.Text
	if err := d.store.RecordAttempt(ctx, row.RequestID, row.PartyTo, false, &code, &text); err != nil {
		d.logEntry(ctx).WithError(err).WithField("request_id", row.RequestID).Error("failed to record per-row failure")
		return
	}
	d.m.RowsDelivered.WithLabelValues(outcomeFor(row)).Inc()
}

func (d *Dispatcher) recordProtocolFailure(ctx context.Context, row resolvedRow, op string, err error) {
	text := fmt.Sprintf("%s: %v", op, err)
	if rerr := d.store.RecordAttempt(ctx, row.RequestID, row.PartyTo, false, nil, &text); rerr != nil {
		d.logEntry(ctx).WithError(rerr).WithField("request_id", row.RequestID).Error("failed to record protocol failure")
		return
	}
	d.m.RowsDelivered.WithLabelValues(outcomeFor(row)).Inc()
}

// outcomeFor labels a just-recorded failed attempt for the RowsDelivered
// metric. It evaluates the entry as it will read after this attempt
// (RetryCount+1) against model.QueueEntry.Exhausted, the same
// retry-budget invariant the deliverable-rows and reconcile queries
// enforce in SQL.
func outcomeFor(row resolvedRow) string {
	next := model.QueueEntry{RetryCount: row.RetryCount + 1}
	if next.Exhausted(row.MaxRetries) {
		return "exhausted"
	}
	return "retried"
}
