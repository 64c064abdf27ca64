package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torii-labs/torii/internal/events"
	"github.com/torii-labs/torii/internal/gateway"
	"github.com/torii-labs/torii/internal/intel"
	"github.com/torii-labs/torii/internal/ratelimit"
)

const (
	// DefaultPage is the page scanned when a request leaves it unset.
	DefaultPage = gateway.DefaultPage

	defaultFeatureTimeout      = 20 * time.Second
	defaultMaxConcurrent       = 5
	errMessageRateLimited      = "rate limited"
	errMessageFetchFailed      = "fetch failed"
	errMessageEmptySubject     = "subject cannot be empty"
	errMessageInvalidPage      = "page must be at least 1"
	errMessageCreateGateway    = "create gateway client"
	errMessageBuildViewModel   = "build view model"
	fetchFailureFormat         = "failed to load %s"
	logMessageCacheHit         = "serving cached view model"
	logMessageRateLimited      = "scan rejected by rate limiter"
	logMessageFetchFailed      = "scan fetch failed"
	logMessageScanComplete     = "scan complete"
	logMessagePublishFailed    = "publish scan event failed"
	logFieldFeature            = "feature"
	logFieldSubject            = "subject"
	logFieldPage               = "page"
	logFieldRetryAfter         = "retry_after"
	logFieldSkippedRecords     = "skipped_records"
	logFieldRecordCount        = "record_count"
	logFieldHighRiskCount      = "high_risk_count"
	logFieldElapsedMillisecond = "elapsed_ms"
)

var (
	// ErrRateLimited is matched by every *RateLimitedError.
	ErrRateLimited = errors.New(errMessageRateLimited)
	// ErrFetchFailed is matched by every *FetchError.
	ErrFetchFailed = errors.New(errMessageFetchFailed)
	// ErrEmptySubject indicates a scan request without a subject handle.
	ErrEmptySubject = errors.New(errMessageEmptySubject)
	// ErrInvalidPage indicates a negative page number.
	ErrInvalidPage = errors.New(errMessageInvalidPage)
)

// ViewModelBuilder turns a raw payload into a view model.
type ViewModelBuilder interface {
	BuildViewModel(feature intel.FeatureID, subject string, payload intel.Payload) (intel.ViewModel, error)
}

// ViewCache stores built view models.
type ViewCache interface {
	Get(subject string, feature intel.FeatureID) (intel.ViewModel, bool)
	Put(subject string, feature intel.FeatureID, viewModel intel.ViewModel)
}

// RateLimiter gates calls per (subject, feature). Reserve claims the slot atomically and
// Release hands back a reservation whose call never reached the analysis API.
type RateLimiter interface {
	Reserve(subject string, feature intel.FeatureID) ratelimit.Decision
	Release(subject string, feature intel.FeatureID, reservedAt time.Time)
}

// Config configures a Service instance. Nil collaborators get defaults: a production
// gateway client, the intel service, no cache, no rate limit and no event publishing.
type Config struct {
	Gateway        gateway.Config
	Fetcher        gateway.Fetcher
	Builder        ViewModelBuilder
	Cache          ViewCache
	Limiter        RateLimiter
	Publisher      events.Publisher
	Logger         *zap.Logger
	FeatureTimeout time.Duration
	MaxConcurrent  int
	Clock          func() time.Time
}

// Request identifies one feature scan. A zero Page means DefaultPage.
type Request struct {
	Feature intel.FeatureID
	Subject string
	Page    int
}

// Result is the outcome of a successful scan.
type Result struct {
	Feature   intel.FeatureID `json:"feature"`
	Subject   string          `json:"subject"`
	Cached    bool            `json:"cached"`
	ViewModel intel.ViewModel `json:"viewModel"`
}

// Outcome pairs a feature with its scan result or error.
type Outcome struct {
	Feature intel.FeatureID
	Result  Result
	Err     error
}

// RateLimitedError reports a scan rejected because the pair was called too recently.
type RateLimitedError struct {
	Feature          intel.FeatureID
	RetryAfter       time.Duration
	RemainingMinutes int
	Notice           string
}

func (rateLimitedError *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: %s: retry after %s", errMessageRateLimited, rateLimitedError.Feature, rateLimitedError.RetryAfter.Round(time.Second))
}

// Is matches ErrRateLimited.
func (rateLimitedError *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// FetchError reports a failed call to the analysis API.
type FetchError struct {
	Feature intel.FeatureID
	Err     error
}

func (fetchError *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", fetchError.Message(), fetchError.Err)
}

// Message is the user-facing failure text, naming the feature panel.
func (fetchError *FetchError) Message() string {
	return fmt.Sprintf(fetchFailureFormat, fetchError.Feature.DisplayName())
}

// Is matches ErrFetchFailed.
func (fetchError *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

func (fetchError *FetchError) Unwrap() error {
	return fetchError.Err
}

// Service runs feature scans: cache, rate limit, fetch, build, cache and announce.
type Service struct {
	fetcher        gateway.Fetcher
	builder        ViewModelBuilder
	cache          ViewCache
	limiter        RateLimiter
	publisher      events.Publisher
	logger         *zap.Logger
	featureTimeout time.Duration
	maxConcurrent  int
	clock          func() time.Time
}

// NewService constructs a Service from configuration values.
func NewService(configuration Config) (*Service, error) {
	fetcher := configuration.Fetcher
	if fetcher == nil {
		gatewayClient, err := gateway.NewClient(configuration.Gateway)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageCreateGateway, err)
		}
		fetcher = gatewayClient
	}
	builder := configuration.Builder
	if builder == nil {
		builder = intel.NewService()
	}
	publisher := configuration.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	featureTimeout := configuration.FeatureTimeout
	if featureTimeout <= 0 {
		featureTimeout = defaultFeatureTimeout
	}
	maxConcurrent := configuration.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		fetcher:        fetcher,
		builder:        builder,
		cache:          configuration.Cache,
		limiter:        configuration.Limiter,
		publisher:      publisher,
		logger:         logger,
		featureTimeout: featureTimeout,
		maxConcurrent:  maxConcurrent,
		clock:          clock,
	}, nil
}

// Scan runs one feature scan. Only first pages are served from and stored in the cache.
func (service *Service) Scan(ctx context.Context, request Request) (Result, error) {
	feature, err := intel.ParseFeatureID(string(request.Feature))
	if err != nil {
		return Result{}, err
	}
	subject := intel.NormalizeSubject(request.Subject)
	if subject == "" {
		return Result{}, ErrEmptySubject
	}
	page := request.Page
	if page == 0 {
		page = DefaultPage
	}
	if page < DefaultPage {
		return Result{}, ErrInvalidPage
	}
	cacheable := service.cache != nil && page == DefaultPage
	scanLogger := service.logger.With(
		zap.String(logFieldFeature, string(feature)),
		zap.String(logFieldSubject, subject),
		zap.Int(logFieldPage, page))

	if cacheable {
		if viewModel, hit := service.cache.Get(subject, feature); hit {
			scanLogger.Debug(logMessageCacheHit)
			return Result{Feature: feature, Subject: subject, Cached: true, ViewModel: viewModel}, nil
		}
	}

	var reservation ratelimit.Decision
	if service.limiter != nil {
		reservation = service.limiter.Reserve(subject, feature)
		if !reservation.Allowed {
			scanLogger.Info(logMessageRateLimited, zap.Duration(logFieldRetryAfter, reservation.RetryAfter))
			return Result{}, &RateLimitedError{
				Feature:          feature,
				RetryAfter:       reservation.RetryAfter,
				RemainingMinutes: reservation.RemainingMinutes,
				Notice:           reservation.Notice,
			}
		}
	}

	startedAt := service.clock()
	featureCtx, cancelFeature := context.WithTimeout(ctx, service.featureTimeout)
	payload, fetchErr := service.fetcher.Fetch(featureCtx, gateway.Request{Feature: feature, Subject: subject, Page: page})
	cancelFeature()
	if fetchErr != nil {
		if service.limiter != nil {
			service.limiter.Release(subject, feature, reservation.ReservedAt)
		}
		scanLogger.Warn(logMessageFetchFailed, zap.Error(fetchErr))
		return Result{}, &FetchError{Feature: feature, Err: fetchErr}
	}

	viewModel, buildErr := service.builder.BuildViewModel(feature, subject, payload)
	if buildErr != nil {
		return Result{}, fmt.Errorf("%s: %w", errMessageBuildViewModel, buildErr)
	}
	if cacheable {
		service.cache.Put(subject, feature, viewModel)
	}

	stats := summarize(viewModel)
	completedAt := service.clock()
	scanLogger.Info(logMessageScanComplete,
		zap.Int(logFieldRecordCount, stats.recordCount),
		zap.Int(logFieldSkippedRecords, stats.skippedRecords),
		zap.Int(logFieldHighRiskCount, stats.highRiskCount),
		zap.Int64(logFieldElapsedMillisecond, completedAt.Sub(startedAt).Milliseconds()))

	event := events.ScanEvent{
		Subject:        subject,
		Feature:        feature,
		Page:           page,
		RecordCount:    stats.recordCount,
		SkippedRecords: stats.skippedRecords,
		HighRiskCount:  stats.highRiskCount,
		CompletedAt:    completedAt.UTC(),
	}
	if publishErr := service.publisher.Publish(ctx, event); publishErr != nil {
		scanLogger.Warn(logMessagePublishFailed, zap.Error(publishErr))
	}

	return Result{Feature: feature, Subject: subject, ViewModel: viewModel}, nil
}

// ScanAll scans every feature for the subject with bounded concurrency. Outcomes keep
// the display order of the features; one failing feature never cancels the others.
func (service *Service) ScanAll(ctx context.Context, subject string, page int) []Outcome {
	return service.ScanAllFunc(ctx, subject, page, nil)
}

// ScanAllFunc behaves like ScanAll and also hands each outcome to onOutcome as soon as its
// feature finishes. Calls to onOutcome are serialized but arrive in completion order.
func (service *Service) ScanAllFunc(ctx context.Context, subject string, page int, onOutcome func(Outcome)) []Outcome {
	features := intel.FeatureIDs()
	outcomes := make([]Outcome, len(features))

	var (
		outcomesMutex sync.Mutex
		group         errgroup.Group
	)
	group.SetLimit(service.maxConcurrent)
	for featureIndex, feature := range features {
		featureIndex, feature := featureIndex, feature
		group.Go(func() error {
			result, err := service.Scan(ctx, Request{Feature: feature, Subject: subject, Page: page})
			outcome := Outcome{Feature: feature, Result: result, Err: err}
			outcomesMutex.Lock()
			defer outcomesMutex.Unlock()
			outcomes[featureIndex] = outcome
			if onOutcome != nil {
				onOutcome(outcome)
			}
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

type viewStats struct {
	recordCount    int
	skippedRecords int
	highRiskCount  int
}

func summarize(viewModel intel.ViewModel) viewStats {
	var stats viewStats
	switch typed := viewModel.(type) {
	case intel.ContractsView:
		stats.recordCount = len(typed.Contracts)
		stats.skippedRecords = typed.SkippedRecords
		for _, contract := range typed.Contracts {
			stats.highRiskCount += highRisk(contract.RiskLevel)
		}
	case intel.UsernameHistoryView:
		stats.recordCount = len(typed.Changes)
		stats.skippedRecords = typed.SkippedRecords
		for _, change := range typed.Changes {
			stats.highRiskCount += highRisk(change.RiskLevel)
		}
	case intel.BioHistoryView:
		stats.recordCount = len(typed.Changes)
		stats.skippedRecords = typed.SkippedRecords
		for _, change := range typed.Changes {
			stats.highRiskCount += highRisk(change.RiskLevel)
		}
	case intel.FirstFollowersView:
		stats.recordCount = len(typed.Followers)
		stats.skippedRecords = typed.SkippedRecords
		for _, follower := range typed.Followers {
			stats.highRiskCount += highRisk(follower.RiskLevel)
		}
	case intel.KeyFollowersView:
		stats.recordCount = len(typed.Followers)
		stats.skippedRecords = typed.SkippedRecords
		for _, follower := range typed.Followers {
			stats.highRiskCount += highRisk(follower.RiskLevel)
		}
	}
	return stats
}

func highRisk(level intel.RiskLevel) int {
	if level == intel.RiskHigh {
		return 1
	}
	return 0
}
