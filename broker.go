// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hons82/go-localtunnel/log"
)

// negotiationResponse is the broker's reply to a session request.
type negotiationResponse struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	URL          string `json:"url"`
	CachedURL    string `json:"cached_url"`
	MaxConnCount int    `json:"max_conn_count"`
}

// brokerMessage is the error body sent by the broker on non-success status.
type brokerMessage struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (m brokerMessage) text() string {
	if m.Message != "" {
		return m.Message
	}
	return m.Error
}

// BrokerClient talks to the broker HTTP API: session negotiation, public IP
// echo and session IP migration.
type BrokerClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	backoff    Backoff
	logger     log.Logger
}

// NewBrokerClient creates a BrokerClient for the broker at baseURL. If
// httpClient is nil a client with DefaultTimeout is used. If backoff is nil
// negotiation is not retried on network failure.
func NewBrokerClient(baseURL string, httpClient *http.Client, backoff Backoff, logger log.Logger) (*BrokerClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %s", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &BrokerClient{
		baseURL:    u,
		httpClient: httpClient,
		backoff:    backoff,
		logger:     logger,
	}, nil
}

// Negotiate requests a session from the broker, a named subdomain when
// subdomain is not empty, a new random one otherwise. Network failures are
// retried on the backoff policy until the broker responds or ctx is
// canceled. Non-success broker responses are returned immediately as
// *SubdomainConflictError or *ServerError.
func (b *BrokerClient) Negotiate(ctx context.Context, cfg *ClientConfig) (*Session, error) {
	endpoint := b.endpoint(cfg.Subdomain)

	for {
		b.logger.Log(
			"level", 1,
			"action", "negotiate",
			"url", endpoint,
		)

		resp, err := b.negotiateOnce(ctx, endpoint, cfg)
		if err == nil {
			if b.backoff != nil {
				b.backoff.Reset()
			}
			return resp, nil
		}

		// broker responded, the failure is final
		var ne *netError
		if !errors.As(err, &ne) {
			return nil, err
		}

		if b.backoff == nil {
			return nil, ne.err
		}
		d := b.backoff.NextBackOff()
		if d < 0 {
			return nil, fmt.Errorf("backoff limit exeded: %s", ne.err)
		}

		b.logger.Log(
			"level", 1,
			"action", "negotiate backoff",
			"sleep", d,
			"err", ne.err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

func (b *BrokerClient) negotiateOnce(ctx context.Context, endpoint string, cfg *ClientConfig) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	res, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &netError{err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg := b.readMessage(res)
		if res.StatusCode == http.StatusConflict {
			return nil, &SubdomainConflictError{
				Subdomain: cfg.Subdomain,
				Message:   msg,
			}
		}
		if msg == "" {
			msg = "session request rejected"
		}
		return nil, &ServerError{
			StatusCode: res.StatusCode,
			Message:    msg,
		}
	}

	var nr negotiationResponse
	if err := json.NewDecoder(res.Body).Decode(&nr); err != nil {
		return nil, &ServerError{
			StatusCode: res.StatusCode,
			Message:    fmt.Sprintf("malformed session response: %s", err),
		}
	}
	if nr.MaxConnCount <= 0 {
		nr.MaxConnCount = 1
	}

	return &Session{
		ID:             nr.ID,
		URL:            nr.URL,
		CachedURL:      nr.CachedURL,
		RemoteHost:     b.baseURL.Hostname(),
		RemoteIP:       nr.IP,
		RemotePort:     nr.Port,
		MaxConnections: nr.MaxConnCount,
		LocalHost:      cfg.LocalHost,
		LocalPort:      cfg.LocalPort,
	}, nil
}

// ExternalIP asks the broker to echo the IP it sees this client as.
func (b *BrokerClient) ExternalIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.apiURL("/api/ip"), nil)
	if err != nil {
		return "", err
	}

	res, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip echo failed with status %d", res.StatusCode)
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("malformed ip echo response: %s", err)
	}

	return body.IP, nil
}

// NotifyIPChange tells the broker the session's client IP has moved away
// from oldIP. Failures are returned as *IPChangeError classified by the
// broker's status code.
func (b *BrokerClient) NotifyIPChange(ctx context.Context, sessionID, oldIP string) error {
	body, err := json.Marshal(struct {
		OldIP string `json:"oldIp"`
	}{OldIP: oldIP})
	if err != nil {
		return err
	}

	p := fmt.Sprintf("/api/tunnels/%s/ip-change", url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL(p), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.httpClient.Do(req)
	if err != nil {
		return &IPChangeError{Kind: IPChangeFailed, Message: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}

	msg := b.readMessage(res)
	switch res.StatusCode {
	case http.StatusNotFound:
		return &IPChangeError{Kind: TunnelExpired, Message: msg}
	case http.StatusForbidden:
		return &IPChangeError{Kind: IPMismatch, Message: msg}
	case http.StatusConflict:
		return &IPChangeError{Kind: TunnelConflict, Message: msg}
	default:
		if msg == "" {
			msg = fmt.Sprintf("ip change rejected with status %d", res.StatusCode)
		}
		return &IPChangeError{Kind: IPChangeFailed, Message: msg}
	}
}

func (b *BrokerClient) endpoint(subdomain string) string {
	u := *b.baseURL
	if subdomain == "" {
		u.RawQuery = "new"
		return u.String()
	}
	u.Path = singleJoiningSlash(u.Path, subdomain)
	return u.String()
}

func (b *BrokerClient) apiURL(p string) string {
	u := *b.baseURL
	u.Path = singleJoiningSlash(u.Path, p)
	return u.String()
}

func (b *BrokerClient) readMessage(res *http.Response) string {
	var m brokerMessage
	if err := json.NewDecoder(res.Body).Decode(&m); err != nil {
		return ""
	}
	return m.text()
}

// netError marks a network-level failure, the broker never responded.
type netError struct {
	err error
}

func (e *netError) Error() string { return e.err.Error() }
