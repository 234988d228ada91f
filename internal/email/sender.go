package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

var ErrTransportUnavailable = errors.New("transport unavailable")

type State int

const (
	StateUninitialized State = iota
	StateVerified
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateVerified:
		return "verified"
	case StateBroken:
		return "broken"
	default:
		return "uninitialized"
	}
}

// Dialer opens an authenticated SMTP session. *SMTPDialer and *gomail.Dialer
// satisfy it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

type Config struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string

	From    string
	ReplyTo string

	// SendTimeout is the socket deadline for one message, enforced by SMTPDialer.
	SendTimeout time.Duration
	IdleTimeout time.Duration

	// MaxAttachmentSize caps URL downloads; zero means no cap.
	MaxAttachmentSize int64
}

// Transport owns one lazily opened SMTP session. Sends are serialized: the
// session is shared, so concurrent callers queue on the mutex.
type Transport struct {
	from          string
	replyTo       string
	idleTimeout   time.Duration
	maxAttachment int64

	dialer Dialer
	client *http.Client
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	conn     gomail.SendCloser
	lastUsed time.Time
}

func NewTransport(cfg Config, dialer Dialer, logger *zap.Logger) *Transport {
	return &Transport{
		from:          cfg.From,
		replyTo:       cfg.ReplyTo,
		idleTimeout:   cfg.IdleTimeout,
		maxAttachment: cfg.MaxAttachmentSize,
		dialer:        dialer,
		client:        &http.Client{Timeout: 30 * time.Second},
		log:           logger,
		now:           time.Now,
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Verify makes sure a session is open, with one reset-and-retry.
func (t *Transport) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureVerified()
}

// Close discards the current session.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset(StateUninitialized)
}

// Send delivers one message. It never returns an error or panics: every
// failure is reported through SendResult.
//
// ctx covers preparation only. Once the first byte goes to the server the
// send runs to its real outcome, bounded by the session's socket deadline, so
// a delivered message is never reported as failed.
func (t *Transport) Send(ctx context.Context, msg Message) (res SendResult) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("email transport panic", zap.Any("panic", r))
			res = SendResult{Error: fmt.Sprintf("transport panic: %v", r)}
		}
	}()

	m, messageID, err := t.build(ctx, msg)
	if err != nil {
		return SendResult{Error: err.Error()}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return SendResult{Error: fmt.Sprintf("send not started: %v", err)}
	}

	if err := t.ensureVerified(); err != nil {
		return SendResult{Error: err.Error()}
	}

	if err := gomail.Send(t.conn, m); err != nil {
		t.log.Warn("smtp send failed, discarding session",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		t.reset(StateBroken)
		return SendResult{Error: fmt.Sprintf("smtp send error: %v", err)}
	}

	t.lastUsed = t.now()

	return SendResult{Success: true, MessageID: messageID}
}

func (t *Transport) ensureVerified() error {
	if t.state == StateVerified && t.conn != nil {
		if t.idleTimeout <= 0 || t.now().Sub(t.lastUsed) < t.idleTimeout {
			return nil
		}
		t.log.Debug("smtp session idle, reconnecting")
		t.reset(StateUninitialized)
	}

	err := t.verify()
	if err == nil {
		return nil
	}

	t.log.Warn("smtp verification failed, resetting", zap.Error(err))
	t.reset(StateBroken)

	if err := t.verify(); err != nil {
		t.log.Error("smtp verification failed after reset", zap.Error(err))
		t.state = StateBroken
		return ErrTransportUnavailable
	}

	return nil
}

func (t *Transport) verify() error {
	conn, err := t.dialer.Dial()
	if err != nil {
		return err
	}
	t.conn = conn
	t.state = StateVerified
	t.lastUsed = t.now()
	return nil
}

// reset drops the whole session before anything new is dialed. A broken
// session is closed in the background: QUIT on a stalled server can block.
func (t *Transport) reset(next State) {
	if t.conn != nil {
		conn, log := t.conn, t.log
		closeConn := func() {
			if err := conn.Close(); err != nil {
				log.Debug("smtp close failed", zap.Error(err))
			}
		}
		if next == StateBroken {
			go closeConn()
		} else {
			closeConn()
		}
		t.conn = nil
	}
	t.state = next
}

func (t *Transport) build(ctx context.Context, msg Message) (*gomail.Message, string, error) {
	if len(msg.To) == 0 {
		return nil, "", errors.New("at least one recipient is required")
	}

	messageID := GenerateMessageID(domainOf(t.from))

	m := gomail.NewMessage()
	m.SetHeader("From", t.from)
	m.SetHeader("To", msg.To...)
	if len(msg.Cc) > 0 {
		m.SetHeader("Cc", msg.Cc...)
	}
	if len(msg.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Bcc...)
	}
	if t.replyTo != "" {
		m.SetHeader("Reply-To", t.replyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", t.now())
	m.SetBody("text/html", msg.HTML)

	for _, a := range msg.Attachments {
		if err := t.attach(ctx, m, a); err != nil {
			return nil, "", err
		}
	}

	return m, messageID, nil
}

// attach normalizes every attachment form into a gomail part. Bytes are
// copied through untouched.
func (t *Transport) attach(ctx context.Context, m *gomail.Message, a Attachment) error {
	name := a.Filename
	if name == "" {
		name = AttachmentName(a.Source)
	}

	var content []byte

	switch {
	case len(a.Content) > 0:
		content = a.Content

	case IsDataURI(a.Source):
		_, data, err := ParseDataURI(a.Source)
		if err != nil {
			return fmt.Errorf("attachment %s: %w", name, err)
		}
		content = data

	case IsHTTPURL(a.Source):
		data, err := FetchURL(ctx, t.client, a.Source, t.maxAttachment)
		if err != nil {
			return fmt.Errorf("attachment %s: %w", name, err)
		}
		content = data

	case a.Source != "":
		src := a.Source
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("attachment %s: %w", name, err)
		}
		m.Attach(name, gomail.SetCopyFunc(func(w io.Writer) error {
			f, err := os.Open(src)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		}))
		return nil

	default:
		return fmt.Errorf("attachment %s has no content", name)
	}

	m.Attach(name, gomail.SetCopyFunc(func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	}))

	return nil
}
