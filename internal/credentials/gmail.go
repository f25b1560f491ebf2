package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"golang.org/x/oauth2"
)

// Message is one outgoing HTML email.
type Message struct {
	To       string
	ToName   string
	FromName string
	Subject  string
	HTML     string
}

// Sender is an authorized Gmail identity.
type Sender struct {
	identity domain.SenderIdentity
	apiBase  string
	client   *http.Client
}

// ID is the identity id (credentials file stem).
func (s *Sender) ID() string { return s.identity.ID }

// Group is the identity's classification bucket.
func (s *Sender) Group() string { return s.identity.Group }

// Email is the verified address of the account.
func (s *Sender) Email() string { return s.identity.VerifiedEmail }

// Identity returns a copy of the underlying identity.
func (s *Sender) Identity() domain.SenderIdentity { return s.identity }

func (s *Sender) verify(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/users/me/profile", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransportErr(s.identity.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(s.identity.ID, resp)
	}
	email, err := decodeProfile(resp)
	if err != nil {
		return fmt.Errorf("verify %s: %w", s.identity.ID, err)
	}
	s.identity.VerifiedEmail = email
	return nil
}

// Send delivers msg through users/me/messages/send. Errors wrapping
// ErrIdentityUnavailable mean the whole identity is unusable for now.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	raw, err := buildMIME(s.Email(), msg, time.Now())
	if err != nil {
		return apperr.Validation("build message: %v", err)
	}
	body, err := json.Marshal(map[string]string{"raw": base64.URLEncoding.EncodeToString(raw)})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/users/me/messages/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return classifyTransportErr(s.identity.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return classifyStatus(s.identity.ID, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func classifyTransportErr(id string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %s: token refresh failed: %v", ErrIdentityUnavailable, id, err)
	}
	return fmt.Errorf("gmail %s: %w", id, apperr.Transient(err))
}

// classifyStatus turns a non-2xx Gmail response into an error. Auth and
// quota responses disable the identity, 5xx are transient, anything else is
// a per-message failure.
func classifyStatus(id string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(detail))
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: gmail status %d: %s", ErrIdentityUnavailable, id, resp.StatusCode, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("gmail %s: %w", id, apperr.Transient(fmt.Errorf("status %d: %s", resp.StatusCode, msg)))
	default:
		return fmt.Errorf("gmail %s: status %d: %s", id, resp.StatusCode, msg)
	}
}

// buildMIME renders an RFC 5322 message with a base64 HTML body.
func buildMIME(from string, msg Message, now time.Time) ([]byte, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("recipient %q: %w", msg.To, err)
	}
	if msg.ToName != "" {
		to.Name = msg.ToName
	}
	sender := &mail.Address{Name: msg.FromName, Address: from}

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", sender.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="UTF-8"`)
	header("Content-Transfer-Encoding", "base64")
	buf.WriteString("\r\n")

	enc := base64.StdEncoding.EncodeToString([]byte(msg.HTML))
	for len(enc) > 76 {
		buf.WriteString(enc[:76])
		buf.WriteString("\r\n")
		enc = enc[76:]
	}
	buf.WriteString(enc)
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
