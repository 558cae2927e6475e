package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "pingcast/pkg/logx"
)

const (
	DefaultSendURL = "https://fcm.googleapis.com/fcm/send"
	DefaultIIDURL  = "https://iid.googleapis.com"

	// MaxBatch is the provider limit on registration tokens per batch call.
	MaxBatch = 1000

	topicPrefix  = "/topics/"
	maxErrorBody = 4 << 10
)

type FCMConfig struct {
	APIKey  string
	SendURL string
	IIDURL  string
	Timeout time.Duration

	// RatePerSec throttles outbound requests. 0 disables throttling.
	RatePerSec int
	Burst      int
	BatchSize  int

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// FCM is a Client backed by Firebase Cloud Messaging.
type FCM struct {
	cfg     FCMConfig
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewFCM(cfg FCMConfig, log logx.Logger) (*FCM, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("push: fcm api key is required")
	}
	if cfg.SendURL == "" {
		cfg.SendURL = DefaultSendURL
	}
	if cfg.IIDURL == "" {
		cfg.IIDURL = DefaultIIDURL
	}
	cfg.IIDURL = strings.TrimRight(cfg.IIDURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatch {
		cfg.BatchSize = MaxBatch
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	f := &FCM{cfg: cfg, hc: hc, log: log}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return f, nil
}

type batchRequest struct {
	To                 string   `json:"to"`
	RegistrationTokens []string `json:"registration_tokens"`
}

type batchResponse struct {
	Results []struct {
		Error string `json:"error,omitempty"`
	} `json:"results"`
	Error string `json:"error,omitempty"`
}

type infoResponse struct {
	Rel struct {
		Topics map[string]json.RawMessage `json:"topics"`
	} `json:"rel"`
	Error string `json:"error,omitempty"`
}

type sendRequest struct {
	To       string            `json:"to"`
	Priority string            `json:"priority,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

type sendResponse struct {
	MessageID json.Number `json:"message_id,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (f *FCM) AddMembers(ctx context.Context, deviceIDs []string, channel string) error {
	return f.batch(ctx, "batchAdd", deviceIDs, channel)
}

func (f *FCM) RemoveMembers(ctx context.Context, deviceIDs []string, channel string) error {
	return f.batch(ctx, "batchRemove", deviceIDs, channel)
}

// batch splits deviceIDs into provider-sized chunks. Every chunk is attempted;
// the first failure is returned.
func (f *FCM) batch(ctx context.Context, op string, deviceIDs []string, channel string) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	if len(deviceIDs) == 0 {
		return nil
	}
	endpoint := f.cfg.IIDURL + "/iid/v1:" + op
	var first error
	for start := 0; start < len(deviceIDs); start += f.cfg.BatchSize {
		end := start + f.cfg.BatchSize
		if end > len(deviceIDs) {
			end = len(deviceIDs)
		}
		chunk := deviceIDs[start:end]
		var resp batchResponse
		err := f.do(ctx, op, http.MethodPost, endpoint, batchRequest{To: topicPrefix + channel, RegistrationTokens: chunk}, &resp)
		if err == nil {
			err = batchError(op, resp, len(chunk))
		}
		if err != nil {
			f.log.Debug("push batch failed", logx.String("op", op), logx.String("channel", channel), logx.Int("devices", len(chunk)), logx.Err(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func batchError(op string, resp batchResponse, n int) error {
	if resp.Error != "" {
		return &ProviderError{Op: op, Reason: resp.Error}
	}
	failed := 0
	reason := ""
	for _, r := range resp.Results {
		if r.Error == "" {
			continue
		}
		failed++
		if reason == "" {
			reason = r.Error
		}
	}
	if failed == 0 {
		return nil
	}
	return &ProviderError{Op: op, Reason: fmt.Sprintf("%d of %d devices failed: %s", failed, n, reason)}
}

// ListChannels returns the channels the device is currently subscribed to, sorted.
func (f *FCM) ListChannels(ctx context.Context, deviceID string) ([]string, error) {
	if deviceID == "" {
		return nil, ErrEmptyDevice
	}
	endpoint := f.cfg.IIDURL + "/iid/info/" + url.PathEscape(deviceID) + "?details=true"
	var resp infoResponse
	if err := f.do(ctx, "info", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ProviderError{Op: "info", Reason: resp.Error}
	}
	out := make([]string, 0, len(resp.Rel.Topics))
	for topic := range resp.Rel.Topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out, nil
}

func (f *FCM) Send(ctx context.Context, msg Message) error {
	if msg.Channel == "" {
		return ErrEmptyChannel
	}
	req := sendRequest{To: topicPrefix + msg.Channel, Data: msg.Data}
	if msg.HighPriority {
		req.Priority = "high"
	}
	var resp sendResponse
	if err := f.do(ctx, "send", http.MethodPost, f.cfg.SendURL, req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return &ProviderError{Op: "send", Reason: resp.Error}
	}
	return nil
}

func (f *FCM) do(ctx context.Context, op, method, endpoint string, body, out any) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("push %s: %w", op, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("push %s: encode: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("push %s: %w", op, err)
	}
	req.Header.Set("Authorization", "key="+f.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := f.hc.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", op, err)
	}
	defer res.Body.Close()
	f.log.Trace("push request", logx.String("op", op), logx.Int("status", res.StatusCode), logx.Duration("dur", time.Since(start)))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		reason := strings.TrimSpace(string(b))
		if reason == "" {
			reason = http.StatusText(res.StatusCode)
		}
		return &ProviderError{Op: op, Status: res.StatusCode, Reason: reason}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("push %s: decode: %w", op, err)
	}
	return nil
}
