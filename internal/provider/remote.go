package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gpufleet/internal/model"
)

const (
	remoteInstancesPath = "/instances"
	remotePricesPath    = "/prices"
)

// Instance states reported by the provider REST APIs.
const remoteStateRunning = "running"

// RemoteOptions parameterise a REST-backed cloud provider adapter.
type RemoteOptions struct {
	Provider  model.Provider
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Remote adapts a cloud GPU provider's REST API (RunPod, Vast.ai) to the
// engine's capability interface.
type Remote struct {
	opts    RemoteOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewRemote constructs a remote adapter.
func NewRemote(opts RemoteOptions, logger zerolog.Logger) *Remote {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Remote{
		opts:    opts,
		logger:  logger.With().Str("component", "remote_provider").Str("provider", string(opts.Provider)).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name identifies the provider.
func (r *Remote) Name() model.Provider { return r.opts.Provider }

// Probe queries the instance status endpoint. The instance is reachable only
// while the provider reports it running.
func (r *Remote) Probe(ctx context.Context, dep model.Deployment) (ProbeResult, error) {
	if dep.InstanceID == "" {
		return ProbeResult{}, fmt.Errorf("%s deployment %d has no instance id", r.opts.Provider, dep.ID)
	}

	started := time.Now()
	payload, err := r.do(ctx, http.MethodGet, remoteInstancesPath+"/"+url.PathEscape(dep.InstanceID), nil)
	elapsed := time.Since(started)
	if err != nil {
		return ProbeResult{ResponseTime: elapsed}, err
	}

	var status instanceResponse
	if err := json.Unmarshal(payload, &status); err != nil {
		return ProbeResult{ResponseTime: elapsed}, fmt.Errorf("decode instance status: %w", err)
	}

	return ProbeResult{
		Reachable:    status.Status == remoteStateRunning,
		ResponseTime: elapsed,
	}, nil
}

// Start provisions a fresh instance when the deployment has none, otherwise
// resumes the existing one.
func (r *Remote) Start(ctx context.Context, dep model.Deployment) (string, error) {
	if dep.InstanceID != "" {
		_, err := r.do(ctx, http.MethodPost, remoteInstancesPath+"/"+url.PathEscape(dep.InstanceID)+"/start", nil)
		if err != nil {
			return "", err
		}
		return dep.InstanceID, nil
	}

	body, err := json.Marshal(createInstanceRequest{
		Name:     dep.Name,
		GPUType:  dep.GPUType,
		GPUCount: dep.GPUCount,
	})
	if err != nil {
		return "", err
	}

	payload, err := r.do(ctx, http.MethodPost, remoteInstancesPath, body)
	if err != nil {
		return "", err
	}

	var created instanceResponse
	if err := json.Unmarshal(payload, &created); err != nil {
		return "", fmt.Errorf("decode created instance: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%s returned empty instance id", r.opts.Provider)
	}
	return created.ID, nil
}

// Stop halts the instance but keeps it resumable.
func (r *Remote) Stop(ctx context.Context, dep model.Deployment) error {
	if dep.InstanceID == "" {
		return fmt.Errorf("%s deployment %d has no instance id", r.opts.Provider, dep.ID)
	}
	_, err := r.do(ctx, http.MethodPost, remoteInstancesPath+"/"+url.PathEscape(dep.InstanceID)+"/stop", nil)
	return err
}

// Restart cycles the instance in place.
func (r *Remote) Restart(ctx context.Context, dep model.Deployment) error {
	if dep.InstanceID == "" {
		return fmt.Errorf("%s deployment %d has no instance id", r.opts.Provider, dep.ID)
	}
	_, err := r.do(ctx, http.MethodPost, remoteInstancesPath+"/"+url.PathEscape(dep.InstanceID)+"/restart", nil)
	return err
}

// CurrentPrice fetches the on-demand hourly rate for a GPU type.
func (r *Remote) CurrentPrice(ctx context.Context, gpuType string) (decimal.Decimal, error) {
	query := url.Values{"gpu_type": []string{gpuType}}
	payload, err := r.do(ctx, http.MethodGet, remotePricesPath+"?"+query.Encode(), nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var quote priceResponse
	if err := json.Unmarshal(payload, &quote); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price: %w", err)
	}
	if quote.PricePerHour == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s on %s", ErrNoPrice, gpuType, r.opts.Provider)
	}

	price, err := decimal.NewFromString(quote.PricePerHour)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", quote.PricePerHour, err)
	}
	return price, nil
}

func (r *Remote) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	if r.baseURL == "" {
		return nil, fmt.Errorf("%s base url not configured", r.opts.Provider)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.APIKey)
	}
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "gpufleet/1.0")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, r.apiError(resp.StatusCode, payload)
	}
	return json.RawMessage(payload), nil
}

func (r *Remote) apiError(status int, payload []byte) error {
	var apiErr errorResponse
	message := ""
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			message = apiErr.Message
		} else if apiErr.Error != "" {
			message = apiErr.Error
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(payload))
	}

	var err error
	if message != "" {
		err = fmt.Errorf("%s api error (%d): %s", r.opts.Provider, status, message)
	} else {
		err = fmt.Errorf("%s api error (%d)", r.opts.Provider, status)
	}

	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return Transient(err)
	}
	return err
}

type createInstanceRequest struct {
	Name     string `json:"name"`
	GPUType  string `json:"gpuType"`
	GPUCount int    `json:"gpuCount"`
}

type instanceResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	GPUType string `json:"gpuType"`
}

type priceResponse struct {
	GPUType      string `json:"gpuType"`
	PricePerHour string `json:"pricePerHour"`
	Currency     string `json:"currency"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var _ Adapter = (*Remote)(nil)
