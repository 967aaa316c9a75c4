// Package soap talks to the SRI reception and authorization web services.
// Transport errors and HTTP 5xx are retried with linear backoff; SOAP
// faults carried on 4xx responses are surfaced without retry.
package soap

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// Service endpoints per environment.
const (
	testReceptionURL     = "https://celcer.sri.gob.ec/comprobanteselectronicosws/services/RecepcionComprobantes"
	testAuthorizationURL = "https://celcer.sri.gob.ec/comprobanteselectronicosws/services/AutorizacionComprobantes"
	prodReceptionURL     = "https://cel.sri.gob.ec/comprobanteselectronicosws/services/RecepcionComprobantes"
	prodAuthorizationURL = "https://cel.sri.gob.ec/comprobanteselectronicosws/services/AutorizacionComprobantes"
)

// Reception and authorization statuses as the SRI reports them.
const (
	StatusReceived      = "RECIBIDA"
	StatusReturned      = "DEVUELTA"
	StatusAuthorized    = "AUTORIZADA"
	StatusNotAuthorized = "NO AUTORIZADA"
	StatusInProcess     = "EN PROCESO"
)

// Config tunes the client. Zero values fall back to the defaults the SRI
// services tolerate.
type Config struct {
	Environment comprobante.Environment

	Timeout       time.Duration // per attempt, default 60s
	RetryAttempts int           // default 3
	RetryBase     time.Duration // default 2s, backoff is base * attempt

	PollAttempts int           // default 6
	PollBudget   time.Duration // default 90s
	PollBase     time.Duration // default 5s, interval is base * attempt

	// Endpoint overrides, used by tests and by SRI contingency notices.
	ReceptionURL     string
	AuthorizationURL string
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 6
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = 90 * time.Second
	}
	if cfg.PollBase <= 0 {
		cfg.PollBase = 5 * time.Second
	}
	if cfg.ReceptionURL == "" {
		if cfg.Environment == comprobante.EnvProduction {
			cfg.ReceptionURL = prodReceptionURL
		} else {
			cfg.ReceptionURL = testReceptionURL
		}
	}
	if cfg.AuthorizationURL == "" {
		if cfg.Environment == comprobante.EnvProduction {
			cfg.AuthorizationURL = prodAuthorizationURL
		} else {
			cfg.AuthorizationURL = testAuthorizationURL
		}
	}
	return cfg
}

// ReceptionResult is the outcome of validarComprobante.
type ReceptionResult struct {
	Status   string
	Messages []comprobante.Message
}

// Returned reports whether the SRI rejected the comprobante.
func (r *ReceptionResult) Returned() bool { return r.Status == StatusReturned }

// AuthorizationResult is the outcome of autorizacionComprobante.
type AuthorizationResult struct {
	AccessKey     string
	Status        string
	Number        string
	AuthorizedAt  string
	AuthorizedXML []byte
	Messages      []comprobante.Message
}

// Terminal reports whether the SRI reached a final decision.
func (a *AuthorizationResult) Terminal() bool {
	return a.Status == StatusAuthorized || a.Status == StatusNotAuthorized
}

// Client is safe for concurrent use; it holds no per-document state.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config) *Client {
	c := cfg.withDefaults()
	return &Client{
		cfg:  c,
		http: &http.Client{Timeout: c.Timeout},
		log:  slog.Default().With("component", "sri-soap"),
	}
}

// Submit sends a signed comprobante to the reception service. A DEVUELTA
// response is not an error at this level; the caller inspects the status
// and the structured messages.
func (c *Client) Submit(ctx context.Context, signedXML []byte) (*ReceptionResult, error) {
	payload := fmt.Sprintf(receptionEnvelope, base64.StdEncoding.EncodeToString(signedXML))
	env, err := c.call(ctx, c.cfg.ReceptionURL, "validarComprobante", payload, comprobante.ErrSRIReception)
	if err != nil {
		return nil, err
	}
	if env.Body.Reception == nil {
		return nil, comprobante.Wrap(comprobante.ErrSRIReception, "response lacks RespuestaRecepcionComprobante")
	}
	resp := env.Body.Reception.Respuesta
	res := &ReceptionResult{Status: normalizeReceptionStatus(resp.Estado)}
	for _, comp := range resp.Comprobantes {
		for _, m := range comp.Mensajes {
			res.Messages = append(res.Messages, m.toMessage())
		}
	}
	c.log.InfoContext(ctx, "reception response", "status", res.Status, "messages", len(res.Messages))
	return res, nil
}

// Authorize queries the authorization status for one access key.
func (c *Client) Authorize(ctx context.Context, accessKey string) (*AuthorizationResult, error) {
	payload := fmt.Sprintf(authorizationEnvelope, accessKey)
	env, err := c.call(ctx, c.cfg.AuthorizationURL, "autorizacionComprobante", payload, comprobante.ErrSRIAuthorization)
	if err != nil {
		return nil, err
	}
	if env.Body.Authorization == nil {
		return nil, comprobante.Wrap(comprobante.ErrSRIAuthorization, "response lacks RespuestaAutorizacionComprobante")
	}
	resp := env.Body.Authorization.Respuesta
	if len(resp.Autorizaciones) == 0 {
		// The SRI answers with an empty list while the comprobante is
		// still queued.
		return &AuthorizationResult{AccessKey: accessKey, Status: StatusInProcess}, nil
	}
	res := fromAutorizacion(resp.Autorizaciones[0])
	if res.AccessKey == "" {
		res.AccessKey = accessKey
	}
	c.log.InfoContext(ctx, "authorization response", "access_key", accessKey, "status", res.Status)
	return res, nil
}

// AuthorizeBatch queries a set of access keys in one call.
func (c *Client) AuthorizeBatch(ctx context.Context, accessKeys []string) (map[string]*AuthorizationResult, error) {
	payload := fmt.Sprintf(batchEnvelope, strings.Join(accessKeys, ","))
	env, err := c.call(ctx, c.cfg.AuthorizationURL, "autorizacionComprobanteLote", payload, comprobante.ErrSRIAuthorization)
	if err != nil {
		return nil, err
	}
	if env.Body.Batch == nil {
		return nil, comprobante.Wrap(comprobante.ErrSRIAuthorization, "response lacks batch authorization body")
	}
	out := make(map[string]*AuthorizationResult, len(accessKeys))
	for _, auth := range env.Body.Batch.Respuesta.Autorizaciones {
		res := fromAutorizacion(auth)
		if res.AccessKey != "" {
			out[res.AccessKey] = res
		}
	}
	return out, nil
}

// PollAuthorization retries Authorize with growing intervals until the SRI
// reaches a terminal status or the attempt/time ceiling is hit, in which
// case it returns ErrAuthorizationPending along with the last result.
func (c *Client) PollAuthorization(ctx context.Context, accessKey string) (*AuthorizationResult, error) {
	deadline := time.Now().Add(c.cfg.PollBudget)
	var last *AuthorizationResult
	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		res, err := c.Authorize(ctx, accessKey)
		if err != nil {
			return last, err
		}
		last = res
		if res.Terminal() {
			return res, nil
		}
		interval := c.cfg.PollBase * time.Duration(attempt)
		if attempt == c.cfg.PollAttempts || time.Now().Add(interval).After(deadline) {
			break
		}
		c.log.DebugContext(ctx, "authorization in process, waiting", "access_key", accessKey, "attempt", attempt, "interval", interval)
		select {
		case <-ctx.Done():
			return last, comprobante.Wrap(comprobante.ErrSRITimeout, ctx.Err().Error())
		case <-time.After(interval):
		}
	}
	return last, comprobante.Wrap(comprobante.ErrAuthorizationPending, accessKey)
}

// call performs the HTTP POST with retry. faultSentinel classifies SOAP
// faults for the operation being attempted.
func (c *Client) call(ctx context.Context, url, action, payload string, faultSentinel *comprobante.Error) (*envelope, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		env, retryable, err := c.attempt(ctx, url, action, payload, faultSentinel)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !retryable || attempt == c.cfg.RetryAttempts {
			break
		}
		backoff := c.cfg.RetryBase * time.Duration(attempt)
		c.log.WarnContext(ctx, "SRI call failed, retrying", "action", action, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, comprobante.Wrap(comprobante.ErrSRITimeout, ctx.Err().Error())
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, url, action, payload string, faultSentinel *comprobante.Error) (*envelope, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return nil, true, comprobante.Wrap(comprobante.ErrSRITimeout, err.Error())
		}
		return nil, true, comprobante.Wrap(comprobante.ErrSRIConnection, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		return nil, true, comprobante.Wrap(comprobante.ErrSRIConnection, err.Error())
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, true, comprobante.Wrap(comprobante.ErrSRIConnection, fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url))
	case resp.StatusCode >= 400:
		// Fault details ride on 4xx bodies; no retry.
		if env, perr := parseEnvelope(raw.Bytes()); perr == nil && env.Body.Fault != nil {
			return nil, false, comprobante.Wrap(faultSentinel, env.Body.Fault.Error())
		}
		return nil, false, comprobante.Wrap(faultSentinel, fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url))
	}

	env, err := parseEnvelope(raw.Bytes())
	if err != nil {
		return nil, false, comprobante.Wrap(faultSentinel, err.Error())
	}
	if env.Body.Fault != nil {
		return nil, false, comprobante.Wrap(faultSentinel, env.Body.Fault.Error())
	}
	return env, false, nil
}

func fromAutorizacion(a autorizacion) *AuthorizationResult {
	res := &AuthorizationResult{
		AccessKey:    a.ClaveAcceso,
		Status:       normalizeAuthStatus(a.Estado),
		Number:       a.NumeroAutorizacion,
		AuthorizedAt: a.FechaAutorizacion,
	}
	if a.Comprobante != "" {
		res.AuthorizedXML = []byte(a.Comprobante)
	}
	for _, m := range a.Mensajes {
		res.Messages = append(res.Messages, m.toMessage())
	}
	return res
}

func normalizeReceptionStatus(s string) string {
	switch up := strings.ToUpper(strings.TrimSpace(s)); {
	case strings.Contains(up, "DEVUELTA"):
		return StatusReturned
	case strings.Contains(up, "RECIBIDA"), strings.Contains(up, "RECEPTA"):
		return StatusReceived
	default:
		return up
	}
}

func normalizeAuthStatus(s string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.Contains(up, "NO AUTORIZ"):
		return StatusNotAuthorized
	case strings.Contains(up, "AUTORIZ"):
		return StatusAuthorized
	case up == "", strings.Contains(up, "PROCESO"), up == "PPR":
		return StatusInProcess
	default:
		return up
	}
}
