package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"resty.dev/v3"
)

// Producer computes the payload of a job
type Producer interface {
	Produce(ctx context.Context, job Job) ([]byte, error)
}

// ProducerFunc adapts a function to Producer
type ProducerFunc func(ctx context.Context, job Job) ([]byte, error)

// Produce calls f
func (f ProducerFunc) Produce(ctx context.Context, job Job) ([]byte, error) {
	return f(ctx, job)
}

// HTTPProducer runs reports against the reporting API
type HTTPProducer struct {
	client *resty.Client
}

// NewHTTPProducer creates a producer for the API at baseURL
func NewHTTPProducer(baseURL string, timeout time.Duration) *HTTPProducer {
	if timeout <= 0 {
		timeout = time.Minute
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPProducer{client: client}
}

// Produce issues GET <base>/<endpoint>?<params> and returns the body of a 200 response
func (p *HTTPProducer) Produce(ctx context.Context, job Job) ([]byte, error) {
	query := make(map[string]string)
	for k, v := range job.Params() {
		query[k] = fmt.Sprint(v)
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get("/" + job.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", job.Endpoint(), err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("request %s: HTTP %d", job.Endpoint(), resp.StatusCode())
	}
	return resp.Bytes(), nil
}

type agency struct {
	AgencyID string `json:"agency_id"`
	ID       string `json:"_id"`
}

// Agencies lists the agency ids known to the reporting API
func (p *HTTPProducer) Agencies(ctx context.Context) ([]string, error) {
	resp, err := p.client.R().SetContext(ctx).Get("/agencies")
	if err != nil {
		return nil, fmt.Errorf("list agencies: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("list agencies: HTTP %d", resp.StatusCode())
	}

	var list []agency
	if err := json.Unmarshal(resp.Bytes(), &list); err != nil {
		return nil, fmt.Errorf("decode agencies: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, a := range list {
		id := a.AgencyID
		if id == "" {
			id = a.ID
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close releases idle connections
func (p *HTTPProducer) Close() error {
	return p.client.Close()
}
