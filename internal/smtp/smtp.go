// Package smtp implements the small subset of the SMTP protocol the
// dispatcher actually drives: HELO, MAIL FROM, RCPT TO with forward-address
// chasing on 551, chunked DATA, and QUIT. It intentionally does not
// implement AUTH, STARTTLS, VRFY/EXPN, or MIME — none of those are used by
// this service (spec.md, Non-goals).
//
// Addresses are appended verbatim to the command word, without angle
// brackets, to stay wire-compatible with the source this was distilled
// from; this is a deliberate, documented deviation from a strictly
// RFC 5321-conformant client.
package smtp

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"
)

// Reply is a raw SMTP server response.
type Reply struct {
	Code int
	Text string
}

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// ErrorClass buckets a failure the way spec.md §7 does, so callers can
// decide whether it counts against a queue entry's retry budget or aborts
// a whole dispatcher run.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassLocal     ErrorClass = "local" // protocol/IO failure, not a reply
)

// ProtocolError wraps a transport or protocol level failure (a dial
// timeout, a connection reset mid-command, a malformed reply line). It is
// always ClassLocal.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("smtp: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Class() ErrorClass { return ClassLocal }

// ClassOf classifies a reply code into transient (4xx) or permanent (5xx).
// Codes outside those ranges (2xx/3xx success/intermediate replies) have
// no error class and ClassOf returns "".
func ClassOf(code int) ErrorClass {
	switch {
	case code >= 400 && code < 500:
		return ClassTransient
	case code >= 500 && code < 600:
		return ClassPermanent
	default:
		return ""
	}
}

// maxRcptAttempts is the total number of RCPT TO commands the client will
// send while chasing 551 "user not local" forwards for one recipient: the
// initial attempt plus 21 forwarding retries.
const maxRcptAttempts = 22

const dataChunkSize = 3000

// Session is one open, HELO'd connection to an SMTP server.
type Session struct {
	conn      net.Conn
	tp        *textproto.Conn
	localName string

	dotWriter io.WriteCloser // non-nil only while a DATA section is open
}

// Dial connects to host:port and issues HELO. The returned Reply is the
// HELO reply on a successful greeting, or the raw greeting reply if the
// server's connect banner was not 220 (in which case session is nil). A
// non-nil error means a transport-level failure occurred before any
// meaningful reply could be read.
func Dial(host string, port int, localName string, timeout time.Duration) (*Session, Reply, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, Reply{}, &ProtocolError{Op: "dial", Err: err}
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	tp := textproto.NewConn(conn)

	code, msg, err := tp.ReadResponse(220)
	if err != nil {
		if code == 0 {
			_ = conn.Close()
			return nil, Reply{}, &ProtocolError{Op: "read-greeting", Err: err}
		}
		// A well-formed reply was returned, just not 220: this is a
		// protocol-level rejection, not a transport failure.
		_ = conn.Close()
		return nil, Reply{Code: code, Text: msg}, nil
	}

	s := &Session{conn: conn, tp: tp, localName: localName}

	reply, err := s.command("HELO %s", localName)
	if err != nil {
		_ = conn.Close()
		return nil, Reply{}, err
	}
	return s, reply, nil
}

// command writes a single command line and reads back its reply.
func (s *Session) command(format string, args ...interface{}) (Reply, error) {
	id, err := s.tp.Cmd(format, args...)
	if err != nil {
		return Reply{}, &ProtocolError{Op: "write", Err: err}
	}
	s.tp.StartResponse(id)
	defer s.tp.EndResponse(id)

	code, msg, err := s.tp.ReadResponse(-1)
	if err != nil && code == 0 {
		return Reply{}, &ProtocolError{Op: "read", Err: err}
	}
	return Reply{Code: code, Text: msg}, nil
}

// MailFrom issues "MAIL FROM:" followed by email, without angle
// brackets. Success is a 250 reply.
func (s *Session) MailFrom(email string) (Reply, error) {
	return s.command("MAIL FROM:%s", email)
}

// RcptTo issues "RCPT TO:" followed by email, without angle brackets,
// chasing 551 "user not local, try
// <forward>" replies by retrying with the forward address, up to
// maxRcptAttempts total. Any reply outside {250,251,551} is returned
// immediately; a transport error terminates the chase and returns the
// last reply obtained (which may be the zero Reply if the very first
// attempt failed at the transport layer).
func (s *Session) RcptTo(email string) (Reply, error) {
	addr := email
	var last Reply

	for attempt := 1; attempt <= maxRcptAttempts; attempt++ {
		reply, err := s.command("RCPT TO:%s", addr)
		if err != nil {
			return last, err
		}
		last = reply

		switch reply.Code {
		case 250, 251:
			return reply, nil
		case 551:
			forward, ok := parseForwardAddress(reply.Text)
			if !ok {
				return reply, nil
			}
			addr = forward
			continue
		default:
			return reply, nil
		}
	}
	return last, nil
}

// parseForwardAddress picks the first whitespace-delimited token
// containing "@" out of a 551 reply's text.
func parseForwardAddress(text string) (string, bool) {
	for _, tok := range strings.Fields(text) {
		if strings.Contains(tok, "@") {
			return tok, true
		}
	}
	return "", false
}

// OpenData issues DATA. Success is a 354 reply, after which Session
// enters "data open" state and WriteHeaders/WriteString/WriteChunks may be
// called until CloseData.
func (s *Session) OpenData() (Reply, error) {
	id, err := s.tp.Cmd("DATA")
	if err != nil {
		return Reply{}, &ProtocolError{Op: "write", Err: err}
	}
	s.tp.StartResponse(id)
	code, msg, err := s.tp.ReadResponse(-1)
	s.tp.EndResponse(id)
	if err != nil && code == 0 {
		return Reply{}, &ProtocolError{Op: "read", Err: err}
	}
	if code != 354 {
		return Reply{Code: code, Text: msg}, nil
	}

	s.dotWriter = s.tp.DotWriter()
	return Reply{Code: code, Text: msg}, nil
}

// WriteHeaders writes the fixed header block the wire contract specifies,
// followed by a blank line. date must already be formatted the way
// spec.md §6 requires ("Dow, DD Mon YYYY HH:MM:SS").
func (s *Session) WriteHeaders(from, to, subject, date string) error {
	_, err := fmt.Fprintf(s.dotWriter,
		"Date: %s\r\nFrom: %s\r\nTo: %s\r\nSubject:%s\r\nContent-type: text/plain\r\n\r\n",
		date, from, to, subject)
	return err
}

// WriteString appends a raw string to the open DATA section.
func (s *Session) WriteString(str string) error {
	_, err := s.dotWriter.Write([]byte(str))
	return err
}

// WriteChunks streams blob in fixed dataChunkSize slices until exhausted.
func (s *Session) WriteChunks(blob string) error {
	for len(blob) > 0 {
		n := dataChunkSize
		if n > len(blob) {
			n = len(blob)
		}
		if err := s.WriteString(blob[:n]); err != nil {
			return err
		}
		blob = blob[n:]
	}
	return nil
}

// CloseData terminates the DATA section with the trailing "." and reads
// the final reply. Success is 250.
func (s *Session) CloseData() (Reply, error) {
	if s.dotWriter == nil {
		return Reply{}, &ProtocolError{Op: "close-data", Err: fmt.Errorf("no data section open")}
	}
	err := s.dotWriter.Close()
	s.dotWriter = nil
	if err != nil {
		return Reply{}, &ProtocolError{Op: "close-data", Err: err}
	}

	code, msg, err := s.tp.ReadResponse(-1)
	if err != nil && code == 0 {
		return Reply{}, &ProtocolError{Op: "read", Err: err}
	}
	return Reply{Code: code, Text: msg}, nil
}

// DataOpen reports whether a DATA section is currently open.
func (s *Session) DataOpen() bool {
	return s.dotWriter != nil
}

// Close issues QUIT best-effort and releases the connection. Errors are
// ignored, matching the source's fire-and-forget shutdown.
func (s *Session) Close() {
	_, _ = s.tp.Cmd("QUIT")
	_ = s.conn.Close()
}

// PrettyDate formats t the way the wire header contract requires: "Dow,
// DD Mon YYYY HH:MM:SS". Go's default English day/month abbreviations are
// already the required title case, so this is a plain time.Format call.
func PrettyDate(t time.Time) string {
	return t.Format("Mon, 02 Jan 2006 15:04:05")
}
