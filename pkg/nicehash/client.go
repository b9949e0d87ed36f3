package nicehash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api2.nicehash.com"

// API paths.
const (
	PathMiningAddress = "/main/api/v2/mining/miningAddress"
	PathRigs          = "/main/api/v2/mining/rigs2"
	PathAccounts      = "/main/api/v2/accounting/accounts2"
	PathRigStatus     = "/main/api/v2/mining/rigs/status2"
)

// Mutation actions accepted by the status2 endpoint.
const (
	ActionStart     = "START"
	ActionStop      = "STOP"
	ActionPowerMode = "POWER_MODE"
	ActionNHQMSetOp = "NHQM_SET_OP"
)

// LegacyPowerModes are the modes accepted by devices without an inline descriptor.
var LegacyPowerModes = []string{"HIGH", "MEDIUM", "LOW"}

// maxErrorBody caps how much of an error body is kept on TransportError.
const maxErrorBody = 512

// Client is the interface for the NiceHash private API.
type Client interface {
	// Reads
	GetMiningAddress(ctx context.Context) (*MiningAddress, error)
	GetRigsData(ctx context.Context) (*RigsResponse, json.RawMessage, error)
	GetAccountData(ctx context.Context, fiat string) (*AccountResponse, json.RawMessage, error)

	// Mutations
	SetRigStatus(ctx context.Context, rigID string, on bool) (*StatusResponse, error)
	SetDeviceStatus(ctx context.Context, rigID, deviceID string, on bool) (*StatusResponse, error)
	SetPowerMode(ctx context.Context, rigID, deviceID, mode string) (*StatusResponse, error)
	SetPowerModeNHQM(ctx context.Context, rigID, deviceID, version, opID string) (*StatusResponse, error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	log        zerolog.Logger
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithBaseURL points the client at another API host.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *HTTPClient) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithSigner replaces the signer built from the credentials.
func WithSigner(signer *Signer) ClientOption {
	return func(c *HTTPClient) {
		c.signer = signer
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.log = log
	}
}

// NewClient creates a new NiceHash HTTP client.
func NewClient(creds Credentials, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer: NewSigner(creds),
		log:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the API host the client talks to.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

type requestOptions struct {
	method string
	path   string
	query  string
	body   interface{}
	result interface{}
	raw    *json.RawMessage
}

// request signs and sends one API call. The body is encoded once and the same
// bytes are signed and sent; the query is used verbatim for both.
func (c *HTTPClient) request(ctx context.Context, opts requestOptions) error {
	var bodyBytes []byte
	var bodyReader io.Reader
	if opts.body != nil {
		var err error
		bodyBytes, err = json.Marshal(opts.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	fullURL := c.baseURL + opts.path
	if opts.query != "" {
		fullURL += "?" + opts.query
	}

	req, err := http.NewRequestWithContext(ctx, opts.method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	signed := c.signer.Sign(opts.method, opts.path, opts.query, bodyBytes)
	c.signer.Apply(req.Header, signed)
	req.Header.Set("Accept", "application/json")

	c.log.Debug().
		Str("method", opts.method).
		Str("path", opts.path).
		Str("request_id", signed.RequestID).
		Msg("nicehash request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: opts.method, Endpoint: opts.path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "read " + opts.method, Endpoint: opts.path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newTransportError(resp, respBody, opts.path)
	}

	if opts.raw != nil {
		*opts.raw = append(json.RawMessage(nil), respBody...)
	}

	if opts.result != nil {
		if err := json.Unmarshal(respBody, opts.result); err != nil {
			return &DecodeError{Endpoint: opts.path, Err: err}
		}
	}

	return nil
}

func newTransportError(resp *http.Response, body []byte, endpoint string) *TransportError {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	msg := string(body)
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Message() != "" {
		msg = errResp.Message()
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}

	return &TransportError{
		StatusCode: resp.StatusCode,
		Reason:     reason,
		Body:       msg,
		Endpoint:   endpoint,
	}
}

// GetMiningAddress returns the organization's mining address. It is used as a
// credential probe.
func (c *HTTPClient) GetMiningAddress(ctx context.Context) (*MiningAddress, error) {
	var result MiningAddress
	err := c.request(ctx, requestOptions{
		method: http.MethodGet,
		path:   PathMiningAddress,
		result: &result,
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRigsData returns the rigs section together with its raw JSON.
func (c *HTTPClient) GetRigsData(ctx context.Context) (*RigsResponse, json.RawMessage, error) {
	var result RigsResponse
	var raw json.RawMessage
	err := c.request(ctx, requestOptions{
		method: http.MethodGet,
		path:   PathRigs,
		result: &result,
		raw:    &raw,
	})
	if err != nil {
		return nil, nil, err
	}
	return &result, raw, nil
}

// GetAccountData returns the account section valued in the given fiat
// currency, together with its raw JSON.
func (c *HTTPClient) GetAccountData(ctx context.Context, fiat string) (*AccountResponse, json.RawMessage, error) {
	var result AccountResponse
	var raw json.RawMessage
	err := c.request(ctx, requestOptions{
		method: http.MethodGet,
		path:   PathAccounts,
		query:  url.Values{"fiat": {fiat}}.Encode(),
		result: &result,
		raw:    &raw,
	})
	if err != nil {
		return nil, nil, err
	}
	return &result, raw, nil
}

// SetRigStatus starts or stops every device of a rig.
func (c *HTTPClient) SetRigStatus(ctx context.Context, rigID string, on bool) (*StatusResponse, error) {
	return c.mutate(ctx, &rigActionRequest{
		RigID:  rigID,
		Action: action(on),
	})
}

// SetDeviceStatus starts or stops a single device.
func (c *HTTPClient) SetDeviceStatus(ctx context.Context, rigID, deviceID string, on bool) (*StatusResponse, error) {
	return c.mutate(ctx, &deviceActionRequest{
		RigID:    rigID,
		DeviceID: deviceID,
		Action:   action(on),
	})
}

// SetPowerMode sets a legacy power mode (HIGH, MEDIUM or LOW) on a device.
func (c *HTTPClient) SetPowerMode(ctx context.Context, rigID, deviceID, mode string) (*StatusResponse, error) {
	mode = strings.ToUpper(strings.TrimSpace(mode))
	if !IsLegacyPowerMode(mode) {
		return nil, &DomainError{
			Kind:      KindUnsupportedPowerMode,
			Message:   fmt.Sprintf("unsupported power mode [%s]", mode),
			Supported: LegacyPowerModes,
		}
	}

	return c.mutate(ctx, &deviceActionRequest{
		RigID:    rigID,
		DeviceID: deviceID,
		Action:   ActionPowerMode,
		Options:  []string{mode},
	})
}

// SetPowerModeNHQM selects an operation on a device that publishes an inline
// power-mode descriptor. opID must come from the parsed descriptor.
func (c *HTTPClient) SetPowerModeNHQM(ctx context.Context, rigID, deviceID, version, opID string) (*StatusResponse, error) {
	if version == "" || opID == "" {
		return nil, &DomainError{
			Kind:    KindAmbiguousOperation,
			Message: "descriptor version and operation id are required",
		}
	}

	return c.mutate(ctx, &deviceActionRequest{
		RigID:    rigID,
		DeviceID: deviceID,
		Action:   ActionNHQMSetOp,
		Options:  []string{"V=" + version, "OP=" + opID},
	})
}

// mutate posts to status2 and turns success=false into a DomainError.
func (c *HTTPClient) mutate(ctx context.Context, body interface{}) (*StatusResponse, error) {
	var result StatusResponse
	err := c.request(ctx, requestOptions{
		method: http.MethodPost,
		path:   PathRigStatus,
		body:   body,
		result: &result,
	})
	if err != nil {
		return nil, err
	}

	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "request was not accepted"
		}
		return &result, &DomainError{Kind: KindRejected, Message: msg}
	}

	return &result, nil
}

func action(on bool) string {
	if on {
		return ActionStart
	}
	return ActionStop
}

// IsLegacyPowerMode reports whether mode is one of HIGH, MEDIUM or LOW.
func IsLegacyPowerMode(mode string) bool {
	mode = strings.ToUpper(mode)
	for _, m := range LegacyPowerModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
