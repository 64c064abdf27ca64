package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/torii-labs/torii/internal/intel"
)

const (
	// DefaultBaseURL is the production analysis API.
	DefaultBaseURL = "https://www.toriigateway.com"
	// DefaultPage is the page requested when a Request leaves it unset.
	DefaultPage = 1

	lookupModeUsername           = "username"
	contentTypeHeader            = "Content-Type"
	acceptHeader                 = "Accept"
	userAgentHeader              = "User-Agent"
	jsonContentType              = "application/json"
	defaultUserAgentValue        = "Torii-Gateway-Client/1.0"
	flightKeySeparator           = "\x00"
	maxResponseBytes             = 8 * 1024 * 1024
	maxDrainBytes                = 1024
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultHTTPTimeout           = 15 * time.Second
	errMessageUnexpectedStatus   = "analysis api returned unexpected status code"
	errMessageEmptySubject       = "subject cannot be empty"
	errMessageInvalidPage        = "page must be at least 1"
	errMessageParseBaseURL       = "parse base url"
	errMessageEncodeRequest      = "encode request body"
	errMessageBuildRequest       = "build request"
	errMessageSendRequest        = "send request"
	errMessageReadResponse       = "read response body"
	logMessageFetch              = "fetching feature data"
	logMessageFetchFailed        = "feature data request failed"
	logFieldFeature              = "feature"
	logFieldSubject              = "subject"
	logFieldPage                 = "page"
	logFieldEndpoint             = "endpoint"
)

var (
	// ErrUnexpectedStatus indicates a non-2xx response from the analysis API.
	ErrUnexpectedStatus = errors.New(errMessageUnexpectedStatus)
	// ErrEmptySubject indicates a request without a subject handle.
	ErrEmptySubject = errors.New(errMessageEmptySubject)
	// ErrInvalidPage indicates a negative page number.
	ErrInvalidPage = errors.New(errMessageInvalidPage)

	featureEndpoints = map[intel.FeatureID]string{
		intel.FeatureContracts:       "/api/metadata/get_deleted_tweets",
		intel.FeatureUsernameHistory: "/api/metadata/get_past_usernames",
		intel.FeatureBioHistory:      "/api/metadata/get_bio_history",
		intel.FeatureFirstFollowers:  "/api/graph/get_first_followers",
		intel.FeatureKeyFollowers:    "/api/graph/get_scored_followers",
	}
)

// Fetcher retrieves the raw payload of one feature for one subject.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (intel.Payload, error)
}

// Request identifies one page of one feature for one subject. A zero Page means DefaultPage.
type Request struct {
	Feature intel.FeatureID
	Subject string
	Page    int
}

// Config customizes a Client instance.
type Config struct {
	BaseURL   string
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	Logger    *zap.Logger
}

// Client calls the analysis API. Concurrent identical requests share one round trip.
type Client struct {
	client      *http.Client
	baseURL     *url.URL
	userAgent   string
	logger      *zap.Logger
	flightGroup singleflight.Group
}

type requestBody struct {
	User string `json:"user"`
	How  string `json:"how"`
	Page int    `json:"page"`
}

var _ Fetcher = (*Client)(nil)

// NewClient constructs a Client with sensible defaults for HTTP timeouts.
func NewClient(configuration Config) (*Client, error) {
	baseURLString := strings.TrimSpace(configuration.BaseURL)
	if baseURLString == "" {
		baseURLString = DefaultBaseURL
	}
	parsedBaseURL, err := url.Parse(baseURLString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseBaseURL, err)
	}

	httpClient := configuration.Client
	if httpClient == nil {
		httpClient = &http.Client{Transport: defaultTransport()}
	} else {
		clonedClient := *httpClient
		if clonedClient.Transport == nil {
			clonedClient.Transport = defaultTransport()
		}
		httpClient = &clonedClient
	}
	switch {
	case configuration.Timeout > 0:
		httpClient.Timeout = configuration.Timeout
	case httpClient.Timeout == 0:
		httpClient.Timeout = defaultHTTPTimeout
	}

	userAgent := strings.TrimSpace(configuration.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgentValue
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		client:    httpClient,
		baseURL:   parsedBaseURL,
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

// Endpoint returns the API path serving the feature.
func Endpoint(feature intel.FeatureID) (string, error) {
	endpoint, exists := featureEndpoints[feature]
	if !exists {
		return "", fmt.Errorf("%w: %q", intel.ErrUnsupportedFeature, string(feature))
	}
	return endpoint, nil
}

// Fetch posts the request to the feature endpoint and decodes the response envelope.
// A caller whose context ends stops waiting, while the shared round trip carries on for
// the other callers of the same request, bounded by the HTTP client timeout.
func (client *Client) Fetch(ctx context.Context, request Request) (intel.Payload, error) {
	endpoint, err := Endpoint(request.Feature)
	if err != nil {
		return intel.Payload{}, err
	}
	subject := intel.NormalizeSubject(request.Subject)
	if subject == "" {
		return intel.Payload{}, ErrEmptySubject
	}
	page := request.Page
	if page == 0 {
		page = DefaultPage
	}
	if page < DefaultPage {
		return intel.Payload{}, ErrInvalidPage
	}

	flightKey := strings.Join([]string{string(request.Feature), strings.ToLower(subject), fmt.Sprint(page)}, flightKeySeparator)
	flightCtx := context.WithoutCancel(ctx)
	resultChannel := client.flightGroup.DoChan(flightKey, func() (interface{}, error) {
		return client.post(flightCtx, endpoint, requestBody{User: subject, How: lookupModeUsername, Page: page})
	})

	select {
	case <-ctx.Done():
		return intel.Payload{}, ctx.Err()
	case result := <-resultChannel:
		if result.Err != nil {
			client.logger.Warn(logMessageFetchFailed,
				zap.String(logFieldFeature, string(request.Feature)),
				zap.String(logFieldSubject, subject),
				zap.Error(result.Err))
			return intel.Payload{}, result.Err
		}
		payload, _ := result.Val.(intel.Payload)
		return payload, nil
	}
}

func (client *Client) post(ctx context.Context, endpoint string, body requestBody) (intel.Payload, error) {
	client.logger.Debug(logMessageFetch,
		zap.String(logFieldEndpoint, endpoint),
		zap.String(logFieldSubject, body.User),
		zap.Int(logFieldPage, body.Page))

	encodedBody, err := json.Marshal(body)
	if err != nil {
		return intel.Payload{}, fmt.Errorf("%s: %w", errMessageEncodeRequest, err)
	}
	endpointURL := client.baseURL.ResolveReference(&url.URL{Path: endpoint}).String()
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(encodedBody))
	if err != nil {
		return intel.Payload{}, fmt.Errorf("%s: %w", errMessageBuildRequest, err)
	}
	httpRequest.Header.Set(contentTypeHeader, jsonContentType)
	httpRequest.Header.Set(acceptHeader, jsonContentType)
	httpRequest.Header.Set(userAgentHeader, client.userAgent)

	httpResponse, err := client.client.Do(httpRequest)
	if err != nil {
		return intel.Payload{}, fmt.Errorf("%s: %w", errMessageSendRequest, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(httpResponse.Body, maxDrainBytes))
		httpResponse.Body.Close()
	}()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return intel.Payload{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, httpResponse.StatusCode)
	}
	responseBytes, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return intel.Payload{}, fmt.Errorf("%s: %w", errMessageReadResponse, err)
	}
	return intel.ParsePayload(responseBytes)
}

func defaultTransport() http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxConnsPerHost:       100,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}
