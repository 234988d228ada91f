package email

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"gopkg.in/gomail.v2"
)

const (
	connectTimeout = 10 * time.Second
	quitTimeout    = 5 * time.Second
)

// SMTPDialer opens sessions whose socket carries a deadline for every
// exchange, so a stalled server aborts the write itself instead of leaving it
// hanging. gomail.Dialer offers no hook on the connection.
type SMTPDialer struct {
	Host     string
	Port     int
	Username string
	Password string

	// SSL selects implicit TLS; otherwise STARTTLS is used when offered.
	SSL       bool
	TLSConfig *tls.Config

	// Timeout bounds the handshake and each message send.
	Timeout time.Duration
}

// NewDialer uses implicit TLS when Secure is set or the port is 465.
func NewDialer(cfg Config) *SMTPDialer {
	return &SMTPDialer{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		SSL:      cfg.Secure || cfg.Port == 465,
		TLSConfig: &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		},
		Timeout: cfg.SendTimeout,
	}
}

func (d *SMTPDialer) Dial() (gomail.SendCloser, error) {
	raw, err := net.DialTimeout("tcp", net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), connectTimeout)
	if err != nil {
		return nil, err
	}

	conn := raw
	if d.SSL {
		conn = tls.Client(raw, d.TLSConfig)
	}

	s := &smtpSession{raw: raw, timeout: d.Timeout}
	s.arm()

	c, err := smtp.NewClient(conn, d.Host)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("smtp greeting: %w", err)
	}
	s.client = c

	if !d.SSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(d.TLSConfig); err != nil {
				c.Close()
				return nil, fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if d.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", d.Username, d.Password, d.Host)); err != nil {
				c.Close()
				return nil, fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	s.disarm()
	return s, nil
}

// smtpSession is the gomail.SendCloser behind SMTPDialer.
type smtpSession struct {
	client  *smtp.Client
	raw     net.Conn
	timeout time.Duration
}

func (s *smtpSession) arm() {
	if s.timeout > 0 {
		_ = s.raw.SetDeadline(time.Now().Add(s.timeout))
	}
}

func (s *smtpSession) disarm() {
	_ = s.raw.SetDeadline(time.Time{})
}

func (s *smtpSession) Send(from string, to []string, msg io.WriterTo) error {
	s.arm()
	defer s.disarm()

	if err := s.client.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := s.client.Rcpt(addr); err != nil {
			return err
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *smtpSession) Close() error {
	_ = s.raw.SetDeadline(time.Now().Add(quitTimeout))
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}
