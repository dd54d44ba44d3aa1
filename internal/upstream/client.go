package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultRequestTimeout = 10 * time.Second

// Hospital is an entity as the upstream creation API reports it.
type Hospital struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Address         string  `json:"address"`
	Phone           *string `json:"phone,omitempty"`
	CreationBatchID string  `json:"creation_batch_id"`
}

// CreateHospitalRequest carries one row's fields plus its owning batch.
type CreateHospitalRequest struct {
	Name    string
	Address string
	Phone   *string
	BatchID string
}

// API is the outbound port to the hospital creation service.
type API interface {
	CreateHospital(ctx context.Context, req CreateHospitalRequest) (*Hospital, error)
	ListBatchHospitals(ctx context.Context, batchID string) ([]Hospital, error)
	ActivateBatch(ctx context.Context, batchID string) error
}

type createHospitalPayload struct {
	Name            string  `json:"name"`
	Address         string  `json:"address"`
	Phone           *string `json:"phone"`
	CreationBatchID string  `json:"creation_batch_id"`
}

var _ API = (*Client)(nil)

// Client talks to the hospital API over HTTP with a fixed per-call timeout.
// There is no overall deadline; a hung call is bounded only by the timeout.
type Client struct {
	client *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewClientWithResty(baseURL, client)
}

func NewClientWithResty(baseURL string, client *resty.Client) (*Client, error) {
	trimmedBaseURL := strings.TrimSpace(baseURL)
	if trimmedBaseURL == "" {
		return nil, fmt.Errorf("hospital api base url is required")
	}
	if _, err := url.ParseRequestURI(trimmedBaseURL); err != nil {
		return nil, fmt.Errorf("invalid hospital api base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultRequestTimeout)
	}
	client.SetBaseURL(trimmedBaseURL)
	client.SetRetryCount(0)

	return &Client{client: client}, nil
}

func (c *Client) CreateHospital(ctx context.Context, req CreateHospitalRequest) (*Hospital, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("client is not initialized")
	}

	var hospital Hospital
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(createHospitalPayload{
			Name:            req.Name,
			Address:         req.Address,
			Phone:           req.Phone,
			CreationBatchID: req.BatchID,
		}).
		SetResult(&hospital).
		Post("/hospitals/")
	if err != nil {
		return nil, transportError("create hospital request failed", err)
	}

	if err := rejectionError(response); err != nil {
		return nil, err
	}
	return &hospital, nil
}

func (c *Client) ListBatchHospitals(ctx context.Context, batchID string) ([]Hospital, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("client is not initialized")
	}

	var hospitals []Hospital
	response, err := c.client.R().
		SetContext(ctx).
		SetResult(&hospitals).
		Get(fmt.Sprintf("/hospitals/batch/%s", batchID))
	if err != nil {
		return nil, transportError("list batch hospitals request failed", err)
	}

	if err := rejectionError(response); err != nil {
		return nil, err
	}
	return hospitals, nil
}

func (c *Client) ActivateBatch(ctx context.Context, batchID string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("client is not initialized")
	}

	response, err := c.client.R().
		SetContext(ctx).
		Patch(fmt.Sprintf("/hospitals/batch/%s/activate", batchID))
	if err != nil {
		return transportError("activate batch request failed", err)
	}

	return rejectionError(response)
}

func transportError(message string, err error) *UpstreamError {
	return &UpstreamError{
		Message:   message,
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

func rejectionError(response *resty.Response) error {
	if response == nil {
		return &UpstreamError{
			Message:   "upstream returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	message := fmt.Sprintf("upstream returned status %d", statusCode)
	if body := strings.TrimSpace(response.String()); body != "" {
		message = fmt.Sprintf("%s: %s", message, body)
	}

	return &UpstreamError{
		StatusCode: statusCode,
		Message:    message,
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}
