package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/white/activity-engine/config"
)

// ErrInvalidMessage is returned for messages that can never be delivered
var ErrInvalidMessage = errors.New("invalid message")

// IsInvalidMessage reports whether err comes from message validation
func IsInvalidMessage(err error) bool {
	return errors.Is(err, ErrInvalidMessage)
}

// Message is an outgoing email
type Message struct {
	To       []string
	Cc       []string
	Subject  string
	BodyText string
	BodyHTML string
}

type loginAuth struct {
	username string
	password string
	host     string
}

// LoginAuth returns an Auth that implements the LOGIN mechanism
func LoginAuth(username, password, host string) smtp.Auth {
	return &loginAuth{username, password, host}
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if server.Name != a.host {
		return "", nil, fmt.Errorf("wrong host name")
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	command := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(string(fromServer), ":")))

	switch command {
	case "username":
		return []byte(a.username), nil
	case "password":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unknown command %s", command)
	}
}

// xoauth2Auth implements XOAUTH2 authentication for OAuth2 tokens
type xoauth2Auth struct {
	username    string
	accessToken string
}

// XOAUTH2Auth returns an Auth that implements the XOAUTH2 authentication mechanism
func XOAUTH2Auth(username, accessToken string) smtp.Auth {
	return &xoauth2Auth{username, accessToken}
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	authStr := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.accessToken)
	return "XOAUTH2", []byte(base64.StdEncoding.EncodeToString([]byte(authStr))), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return nil, fmt.Errorf("unexpected server challenge")
	}
	return nil, nil
}

// SMTPClient represents an SMTP email client
type SMTPClient struct {
	host       string
	port       int
	username   string
	password   string
	fromEmail  string
	replyTo    string
	tlsEnabled bool
	auth       smtp.Auth
}

// NewSMTPClient creates a new SMTP client from configuration
func NewSMTPClient(cfg config.SMTPConfig) (*SMTPClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is not configured")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	fromEmail := cfg.FromEmail
	if fromEmail == "" {
		fromEmail = cfg.Username
	}
	if fromEmail == "" {
		return nil, fmt.Errorf("smtp from address is not configured")
	}
	replyTo := cfg.ReplyTo
	if replyTo == "" {
		replyTo = fromEmail
	}

	c := &SMTPClient{
		host:       cfg.Host,
		port:       port,
		username:   cfg.Username,
		password:   cfg.Password,
		fromEmail:  fromEmail,
		replyTo:    replyTo,
		tlsEnabled: cfg.TLSEnabled,
	}
	if cfg.Username != "" {
		switch strings.ToLower(cfg.AuthMechanism) {
		case "", "plain":
			c.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		case "login":
			c.auth = LoginAuth(cfg.Username, cfg.Password, cfg.Host)
		case "xoauth2":
			// the password holds the OAuth2 access token
			c.auth = XOAUTH2Auth(cfg.Username, cfg.Password)
		default:
			return nil, fmt.Errorf("unsupported smtp auth mechanism %q", cfg.AuthMechanism)
		}
	}
	return c, nil
}

// Send delivers msg. ctx bounds the whole SMTP conversation.
func (c *SMTPClient) Send(ctx context.Context, msg *Message) error {
	if err := c.validateMessage(msg); err != nil {
		return err
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	var conn net.Conn
	var err error
	if c.tlsEnabled && c.port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: c.tlsConfig()}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start smtp session: %w", err)
	}
	defer client.Close()

	if c.tlsEnabled && c.port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(c.tlsConfig()); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}
	if c.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(c.auth); err != nil {
				return fmt.Errorf("smtp authentication failed: %w", err)
			}
		}
	}

	if err := client.Mail(c.fromEmail); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	for _, rcpt := range append(append([]string{}, msg.To...), msg.Cc...) {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s failed: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(c.buildMessage(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}

	return client.Quit()
}

func (c *SMTPClient) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: c.host, MinVersion: tls.VersionTLS12}
}

// validateMessage validates message before sending
func (c *SMTPClient) validateMessage(msg *Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}
	if msg.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}
	if msg.BodyText == "" && msg.BodyHTML == "" {
		return fmt.Errorf("%w: message body is required", ErrInvalidMessage)
	}
	return nil
}

// buildMessage renders headers and body. A message with both bodies is
// sent as multipart/alternative.
func (c *SMTPClient) buildMessage(msg *Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + c.fromEmail + "\r\n")
	b.WriteString("Reply-To: " + c.replyTo + "\r\n")
	b.WriteString("To: " + strings.Join(msg.To, ", ") + "\r\n")
	if len(msg.Cc) > 0 {
		b.WriteString("Cc: " + strings.Join(msg.Cc, ", ") + "\r\n")
	}
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case msg.BodyText != "" && msg.BodyHTML != "":
		boundary := fmt.Sprintf("activity-engine-%d", time.Now().UnixNano())
		b.WriteString("Content-Type: multipart/alternative; boundary=" + boundary + "\r\n\r\n")
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.BodyText + "\r\n")
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.BodyHTML + "\r\n")
		b.WriteString("--" + boundary + "--\r\n")
	case msg.BodyHTML != "":
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.BodyHTML + "\r\n")
	default:
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.BodyText + "\r\n")
	}
	return []byte(b.String())
}
