// Package token fetches short-lived media-session credentials from the
// backend token endpoint. The client classifies failures but never retries;
// the join procedure owns the retry loop and must request a fresh credential
// on every attempt.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/domain"
)

// Credential is a token plus the numeric session identity it was minted for.
// The transport join must use exactly this pair; they are never cached.
type Credential struct {
	Token string `json:"token"`
	UID   uint32 `json:"uid"`
}

type Kind int

const (
	KindTimeout Kind = iota
	KindConnection
	KindServer
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindServer:
		return "server"
	default:
		return "malformed"
	}
}

// FetchError carries a human-readable cause for a failed credential fetch.
type FetchError struct {
	Kind    Kind
	Msg     string
	Details string
	err     error
}

func (e *FetchError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("token fetch (%s): %s: %s", e.Kind, e.Msg, e.Details)
	}
	return fmt.Sprintf("token fetch (%s): %s", e.Kind, e.Msg)
}

func (e *FetchError) Unwrap() error { return e.err }

// serverError mirrors the backend's failure body. envCheck is a diagnostic
// the endpoint returns when its own credentials are missing.
type serverError struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Details  string `json:"details"`
	EnvCheck *struct {
		HasAppID       bool `json:"hasAppId"`
		HasCertificate bool `json:"hasCertificate"`
	} `json:"envCheck"`
}

type Client struct {
	base string
	hc   *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

// Fetch requests a credential for room. A non-nil uid asks the backend to
// mint the token for that specific session identity.
func (c *Client) Fetch(ctx context.Context, room domain.RoomName, uid *uint32) (Credential, error) {
	u, err := url.Parse(c.base + "/api/agora/token")
	if err != nil {
		return Credential{}, &FetchError{Kind: KindConnection, Msg: "bad token endpoint url", err: err}
	}
	q := u.Query()
	q.Set("channelName", string(room))
	if uid != nil {
		q.Set("uid", strconv.FormatUint(uint64(*uid), 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Credential{}, &FetchError{Kind: KindConnection, Msg: "build request", err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return Credential{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, decodeServerError(resp)
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, &FetchError{Kind: KindMalformed, Msg: "invalid token response body", err: err}
	}
	if cred.Token == "" {
		return Credential{}, &FetchError{Kind: KindMalformed, Msg: "token response missing token"}
	}
	log.Debug().Str("module", "token.client").Str("room", string(room)).Uint32("uid", cred.UID).Msg("credential received")
	return cred, nil
}

func classifyTransport(err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Msg: "token endpoint did not respond in time", err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &FetchError{Kind: KindTimeout, Msg: "token endpoint did not respond in time", err: err}
	}
	return &FetchError{Kind: KindConnection, Msg: "cannot reach token endpoint", err: err}
}

func decodeServerError(resp *http.Response) *FetchError {
	var body serverError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &FetchError{
			Kind: KindServer,
			Msg:  fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	details := body.Details
	if details == "" && body.EnvCheck != nil {
		details = fmt.Sprintf("env check: hasAppId=%v hasCertificate=%v",
			body.EnvCheck.HasAppID, body.EnvCheck.HasCertificate)
	}
	return &FetchError{Kind: KindServer, Msg: msg, Details: details}
}
