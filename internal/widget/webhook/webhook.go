// Package webhook is a built-in widget that delivers a JSON body to an HTTP
// endpoint. Each host gets its own circuit breaker.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/jobengine/internal/widget"
	"go.uber.org/zap"
)

const JobType = "webhook"

// Payload is one delivery.
type Payload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // POST when empty
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Result is stored in result_data.
type Result struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

type Config struct {
	TimeoutMs     int `mapstructure:"timeout_ms"`
	FailThreshold int `mapstructure:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"`
	MaxAttempts   int `mapstructure:"max_attempts"`
	Priority      int `mapstructure:"priority"`
}

var ErrCircuitOpen = errors.New("webhook: circuit open")

const maxResultBody = 2 << 10

type Sender struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewSender(cfg Config, log *zap.Logger) *Sender {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 3000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{
		cfg:      cfg,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// Widget wraps the sender in the widget contract.
func (s *Sender) Widget() *widget.Typed[Payload] {
	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	prio := s.cfg.Priority
	if prio <= 0 {
		prio = 50
	}
	return &widget.Typed[Payload]{
		Cfg: widget.Config{
			Name:        JobType,
			Description: "deliver a JSON body to an HTTP endpoint",
			BatchSize:   1,
			Priority:    prio,
			MaxAttempts: attempts,
		},
		Check: Validate,
		Run: func(ctx context.Context, p Payload) (any, error) {
			return s.Send(ctx, p)
		},
	}
}

func Validate(p Payload) error {
	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must be an absolute http(s) url, got %q", p.URL)
	}
	switch strings.ToUpper(p.Method) {
	case "", http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("method %q not allowed", p.Method)
	}
	return nil
}

func (s *Sender) breaker(host string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[host]
	if !ok {
		b = NewBreaker(s.cfg.FailThreshold, time.Duration(s.cfg.OpenForMs)*time.Millisecond)
		s.breakers[host] = b
	}
	return b
}

// Send performs the request. Errors are tagged for the scheduler:
// client errors other than 408/429 are permanent, the rest recoverable.
func (s *Sender) Send(ctx context.Context, p Payload) (*Result, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, widget.Permanent(err)
	}
	br := s.breaker(u.Host)
	if !br.TryAcquire() {
		return nil, widget.Recoverable(fmt.Errorf("%w for %s", ErrCircuitOpen, u.Host))
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodPost
	}
	body := p.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(body))
	if err != nil {
		br.OnSuccess()
		return nil, widget.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	res, err := s.client.Do(req)
	if err != nil {
		br.OnFailure()
		return nil, widget.Recoverable(err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, maxResultBody))

	out := &Result{Status: res.StatusCode, Body: string(b)}
	switch {
	case res.StatusCode/100 == 2:
		br.OnSuccess()
		return out, nil
	case res.StatusCode == http.StatusTooManyRequests, res.StatusCode == http.StatusRequestTimeout:
		br.OnSuccess()
		return nil, widget.Recoverable(fmt.Errorf("host=%s status=%d", u.Host, res.StatusCode))
	case res.StatusCode/100 == 4:
		br.OnSuccess()
		return nil, widget.Permanent(fmt.Errorf("host=%s status=%d", u.Host, res.StatusCode))
	default:
		br.OnFailure()
		s.log.Warn("webhook upstream error", zap.String("host", u.Host), zap.Int("status", res.StatusCode))
		return nil, widget.Recoverable(fmt.Errorf("host=%s status=%d", u.Host, res.StatusCode))
	}
}
