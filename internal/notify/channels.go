package notify

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// ErrNoContact is returned when a recipient has no address for a channel.
var ErrNoContact = errors.New("notify: recipient has no contact address")

// Contact holds the out-of-band addresses of a user.
type Contact struct {
	Email string
	Phone string
}

// Directory resolves user ids to contact addresses. User storage lives outside
// this service.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Contact, error)
}

// MapDirectory is an in-memory Directory.
type MapDirectory struct {
	mu sync.RWMutex
	m  map[string]Contact
}

func NewMapDirectory(contacts map[string]Contact) *MapDirectory {
	m := make(map[string]Contact, len(contacts))
	for k, v := range contacts {
		m[k] = v
	}
	return &MapDirectory{m: m}
}

func (d *MapDirectory) Lookup(_ context.Context, userID string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.m[userID]
	if !ok {
		return Contact{}, ErrNoContact
	}
	return c, nil
}

// SQLDirectory reads contacts from the dictionary's users table.
type SQLDirectory struct {
	db    *sql.DB
	query string
}

// NewSQLDirectory uses query, which must select (email, phone) for one user id
// bound as its only parameter. An empty query selects from users by id.
func NewSQLDirectory(db *sql.DB, query string) *SQLDirectory {
	if query == "" {
		query = "SELECT COALESCE(email, ''), COALESCE(phone, '') FROM users WHERE id = $1"
	}
	return &SQLDirectory{db: db, query: query}
}

func (d *SQLDirectory) Lookup(ctx context.Context, userID string) (Contact, error) {
	var c Contact
	if err := d.db.QueryRowContext(ctx, d.query, userID).Scan(&c.Email, &c.Phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNoContact
		}
		return Contact{}, fmt.Errorf("lookup contact %s: %w", userID, err)
	}
	return c, nil
}

const defaultSMSTimeout = 15 * time.Second

// SMSChannel sends the message body through an HTTP SMS gateway.
type SMSChannel struct {
	APIKey     string
	BaseURL    string
	Sender     string
	Directory  Directory
	HTTPClient *http.Client
}

// NewSMSChannel returns an SMS channel posting JSON to baseURL.
func NewSMSChannel(apiKey, baseURL, sender string, dir Directory) *SMSChannel {
	return &SMSChannel{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Sender:     sender,
		Directory:  dir,
		HTTPClient: &http.Client{Timeout: defaultSMSTimeout},
	}
}

func (c *SMSChannel) Name() string { return ChannelSMS }

func (c *SMSChannel) Send(ctx context.Context, recipient string, msg Message) error {
	if c.APIKey == "" || c.BaseURL == "" {
		return fmt.Errorf("sms: gateway not configured")
	}
	contact, err := c.Directory.Lookup(ctx, recipient)
	if err != nil {
		return err
	}
	if contact.Phone == "" {
		return ErrNoContact
	}

	raw, err := json.Marshal(map[string]string{
		"numbers": contact.Phone,
		"sender":  c.Sender,
		"message": msg.Body,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("sms: request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// EmailChannel sends plain-text mail over SMTP.
type EmailChannel struct {
	Addr      string
	From      string
	Auth      smtp.Auth
	Directory Directory
	// send is smtp.SendMail; replaced in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel returns an SMTP channel. username may be empty for relays
// without authentication.
func NewEmailChannel(addr, from, username, password string, dir Directory) *EmailChannel {
	var a smtp.Auth
	if username != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		a = smtp.PlainAuth("", username, password, host)
	}
	return &EmailChannel{Addr: addr, From: from, Auth: a, Directory: dir, send: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, recipient string, msg Message) error {
	if c.Addr == "" || c.From == "" {
		return fmt.Errorf("email: SMTP not configured")
	}
	contact, err := c.Directory.Lookup(ctx, recipient)
	if err != nil {
		return err
	}
	if contact.Email == "" {
		return ErrNoContact
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.From)
	fmt.Fprintf(&b, "To: %s\r\n", contact.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	return c.send(c.Addr, c.Auth, c.From, []string{contact.Email}, []byte(b.String()))
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
