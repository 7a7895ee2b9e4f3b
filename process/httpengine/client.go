// Package httpengine provides a process.Engine implementation that talks
// to an external execution engine over a JSON HTTP API.
//
// The API surface used is:
//
//	POST {base}/process-instances/{id}/messages   deliver a message to a waiting instance
//	POST {base}/process-models/{model}/instances  start a new instance from a message
package httpengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/get-eventually/go-correlator/message"
	"github.com/get-eventually/go-correlator/process"
	"github.com/get-eventually/go-correlator/serde"
)

// ErrUnexpectedStatus is returned when the engine API responds
// with a non-2xx status code.
var ErrUnexpectedStatus = errors.New("httpengine: unexpected response status")

// ContentTypeJSON is the content type used by the engine API.
const ContentTypeJSON = "application/json"

var _ process.Engine = new(Client)

// DeliverRequest is the body sent to deliver a message to a process instance.
type DeliverRequest struct {
	ReceiveID uuid.UUID       `json:"receive_id"`
	Payload   message.Payload `json:"payload"`
}

// StartRequest is the body sent to start a new process instance.
type StartRequest struct {
	Payload message.Payload `json:"payload"`
}

// InstanceResponse is the body returned by the engine API
// when a new process instance has been started.
type InstanceResponse struct {
	ID           string `json:"id"`
	ProcessModel string `json:"process_model"`
	Status       string `json:"status"`
}

var (
	deliverRequestSerde = serde.NewJSON(func() DeliverRequest { return DeliverRequest{} })
	startRequestSerde   = serde.NewJSON(func() StartRequest { return StartRequest{} })
	instanceSerde       = serde.NewJSON(func() InstanceResponse { return InstanceResponse{} })
)

// Client is a process.Engine implementation backed by an HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	headers map[string]string
}

// Option can be used to customize the Client.
type Option func(*Client)

// WithHTTPClient sets the http.Client used to send the requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithTimeout sets the maximum duration of a single request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

// WithHeader adds a header to all the requests, e.g. for authorization.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// NewClient returns a new Client for the engine API at the specified base URL.
func NewClient(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  http.DefaultClient,
		headers: make(map[string]string),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Deliver implements the process.Engine interface.
func (c *Client) Deliver(
	ctx context.Context,
	id process.InstanceID,
	receiveID uuid.UUID,
	payload message.Payload,
) error {
	body, err := deliverRequestSerde.Serialize(DeliverRequest{ReceiveID: receiveID, Payload: payload})
	if err != nil {
		return fmt.Errorf("httpengine.Client.Deliver: failed to serialize request, %w", err)
	}

	endpoint := fmt.Sprintf("%s/process-instances/%s/messages", c.baseURL, url.PathEscape(string(id)))

	if _, err := c.post(ctx, endpoint, body); err != nil {
		return fmt.Errorf("httpengine.Client.Deliver: instance '%s', %w", id, err)
	}

	return nil
}

// StartInstance implements the process.Engine interface.
func (c *Client) StartInstance(
	ctx context.Context,
	model process.ModelID,
	payload message.Payload,
) (process.Ref, error) {
	body, err := startRequestSerde.Serialize(StartRequest{Payload: payload})
	if err != nil {
		return process.Ref{}, fmt.Errorf("httpengine.Client.StartInstance: failed to serialize request, %w", err)
	}

	endpoint := fmt.Sprintf("%s/process-models/%s/instances", c.baseURL, url.PathEscape(string(model)))

	data, err := c.post(ctx, endpoint, body)
	if err != nil {
		return process.Ref{}, fmt.Errorf("httpengine.Client.StartInstance: model '%s', %w", model, err)
	}

	resp, err := instanceSerde.Deserialize(data)
	if err != nil {
		return process.Ref{}, fmt.Errorf("httpengine.Client.StartInstance: failed to deserialize response, %w", err)
	}

	ref := process.Ref{
		ID:      process.InstanceID(resp.ID),
		ModelID: process.ModelID(resp.ProcessModel),
		Status:  process.Status(resp.Status),
	}

	if ref.ModelID == "" {
		ref.ModelID = model
	}

	return ref, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request, %w", err)
	}

	req.Header.Set("Content-Type", ContentTypeJSON)
	req.Header.Set("Accept", ContentTypeJSON)

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request, %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response, %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d, %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}
