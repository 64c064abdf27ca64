package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/torii-labs/torii/internal/intel"
	"github.com/torii-labs/torii/internal/scan"
)

const (
	healthRoutePath          = "/healthz"
	featuresRoutePath        = "/api/features"
	scanAllRoutePath         = "/api/scan"
	scanFeatureRoutePath     = "/api/scan/:feature"
	analyzeFeatureRoutePath  = "/api/analyze/:feature"
	tasksRoutePath           = "/api/tasks"
	taskRoutePath            = "/api/tasks/:id"
	featureParameterName     = "feature"
	taskParameterName        = "id"
	retryAfterHeader         = "Retry-After"
	healthStatusKey          = "status"
	healthStatusOK           = "ok"
	errorMessageBadRequest   = "request body must be a JSON object with a subject"
	errorMessageInvalidPage  = "page must be at least 1"
	errorMessageTaskNotFound = "scan task not found"
	errorMessageInternal     = "internal error"
	logMessageScanFailure    = "scan request failed"
	logMessageAnalyzeFailure = "analyze request failed"
	logMessageTaskStarted    = "background scan started"
	logMessageTaskFinished   = "background scan finished"
	logFieldFeature          = "feature"
	logFieldSubject          = "subject"
	logFieldTask             = "task"
	ginModeRelease           = "release"
)

// Scanner runs feature scans against the analysis API. ScanAllFunc reports every
// outcome to onOutcome, when set, as soon as the feature finishes.
type Scanner interface {
	Scan(ctx context.Context, request scan.Request) (scan.Result, error)
	ScanAllFunc(ctx context.Context, subject string, page int, onOutcome func(scan.Outcome)) []scan.Outcome
}

// Analyzer builds view models from payloads supplied by the caller.
type Analyzer interface {
	BuildViewModel(feature intel.FeatureID, subject string, payload intel.Payload) (intel.ViewModel, error)
}

// RouterConfig configures the HTTP routing for scan requests.
type RouterConfig struct {
	Scanner  Scanner
	Analyzer Analyzer
	Logger   *zap.Logger
	// BackgroundContext bounds background scans. Defaults to context.Background.
	BackgroundContext context.Context
	// TaskRetention is how long finished background scans stay queryable.
	TaskRetention time.Duration
	// MaxFinishedTasks caps the finished background scans kept at once.
	MaxFinishedTasks int
	Clock            func() time.Time
}

type scanRequestBody struct {
	Subject string `json:"subject"`
	Page    *int   `json:"page"`
}

func (requestBody scanRequestBody) requestedPage() int {
	if requestBody.Page == nil {
		return scan.DefaultPage
	}
	return *requestBody.Page
}

type analyzeRequestBody struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Notice string `json:"notice,omitempty"`
}

// featureResponse is the per-feature entry of a multi-feature scan.
type featureResponse struct {
	Feature   intel.FeatureID `json:"feature"`
	Cached    bool            `json:"cached"`
	ViewModel intel.ViewModel `json:"viewModel,omitempty"`
	Error     string          `json:"error,omitempty"`
	Notice    string          `json:"notice,omitempty"`
}

type scanAllResponse struct {
	Subject string            `json:"subject"`
	Results []featureResponse `json:"results"`
}

// NewRouter constructs a Gin engine configured with the scan, analyze, task and health handlers.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	analyzer := configuration.Analyzer
	if analyzer == nil {
		analyzer = intel.NewService()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backgroundContext := configuration.BackgroundContext
	if backgroundContext == nil {
		backgroundContext = context.Background()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := scanHandler{
		scanner:  configuration.Scanner,
		analyzer: analyzer,
		logger:   logger,
		tasks: newScanTaskTracker(scanTaskTrackerConfig{
			Retention:   configuration.TaskRetention,
			MaxFinished: configuration.MaxFinishedTasks,
			Clock:       configuration.Clock,
		}),
		backgroundContext: backgroundContext,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(featuresRoutePath, handler.listFeatures)
	engine.POST(analyzeFeatureRoutePath, handler.analyzeFeature)
	if handler.scanner != nil {
		engine.POST(scanFeatureRoutePath, handler.scanFeature)
		engine.POST(scanAllRoutePath, handler.scanAll)
		engine.POST(tasksRoutePath, handler.startTask)
		engine.GET(taskRoutePath, handler.taskStatus)
	}

	return engine, nil
}

type scanHandler struct {
	scanner           Scanner
	analyzer          Analyzer
	logger            *zap.Logger
	tasks             *scanTaskTracker
	backgroundContext context.Context
}

func (handler scanHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler scanHandler) listFeatures(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, intel.Features())
}

func (handler scanHandler) scanFeature(ginContext *gin.Context) {
	feature, ok := handler.featureParameter(ginContext)
	if !ok {
		return
	}
	requestBody, ok := bindScanRequest(ginContext)
	if !ok {
		return
	}

	result, err := handler.scanner.Scan(ginContext.Request.Context(), scan.Request{Feature: feature, Subject: requestBody.Subject, Page: requestBody.requestedPage()})
	if err != nil {
		handler.logger.Warn(logMessageScanFailure,
			zap.String(logFieldFeature, string(feature)),
			zap.String(logFieldSubject, requestBody.Subject),
			zap.Error(err))
		writeScanError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, result)
}

func (handler scanHandler) scanAll(ginContext *gin.Context) {
	requestBody, ok := bindScanRequest(ginContext)
	if !ok {
		return
	}
	subject := intel.NormalizeSubject(requestBody.Subject)
	outcomes := handler.scanner.ScanAllFunc(ginContext.Request.Context(), subject, requestBody.requestedPage(), nil)

	results := make([]featureResponse, 0, len(outcomes))
	for _, outcome := range outcomes {
		results = append(results, newFeatureResponse(outcome))
	}
	ginContext.JSON(http.StatusOK, scanAllResponse{Subject: subject, Results: results})
}

func (handler scanHandler) startTask(ginContext *gin.Context) {
	requestBody, ok := bindScanRequest(ginContext)
	if !ok {
		return
	}
	subject := intel.NormalizeSubject(requestBody.Subject)
	snapshot := handler.tasks.CreateTask(subject, len(intel.FeatureIDs()))
	taskLogger := handler.logger.With(zap.String(logFieldTask, snapshot.Identifier), zap.String(logFieldSubject, subject))
	taskLogger.Info(logMessageTaskStarted)

	go func(taskIdentifier string, page int) {
		handler.scanner.ScanAllFunc(handler.backgroundContext, subject, page, func(outcome scan.Outcome) {
			handler.tasks.RecordResult(taskIdentifier, newFeatureResponse(outcome))
		})
		handler.tasks.CompleteTask(taskIdentifier)
		taskLogger.Info(logMessageTaskFinished)
	}(snapshot.Identifier, requestBody.requestedPage())

	ginContext.JSON(http.StatusAccepted, snapshot)
}

func (handler scanHandler) taskStatus(ginContext *gin.Context) {
	snapshot, exists := handler.tasks.TaskSnapshot(ginContext.Param(taskParameterName))
	if !exists {
		ginContext.JSON(http.StatusNotFound, errorResponse{Error: errorMessageTaskNotFound})
		return
	}
	ginContext.JSON(http.StatusOK, snapshot)
}

func (handler scanHandler) analyzeFeature(ginContext *gin.Context) {
	feature, ok := handler.featureParameter(ginContext)
	if !ok {
		return
	}
	var requestBody analyzeRequestBody
	if err := ginContext.ShouldBindJSON(&requestBody); err != nil || intel.NormalizeSubject(requestBody.Subject) == "" {
		ginContext.JSON(http.StatusBadRequest, errorResponse{Error: errorMessageBadRequest})
		return
	}

	viewModel, err := handler.analyzer.BuildViewModel(feature, requestBody.Subject, intel.Payload{Data: requestBody.Data})
	if err != nil {
		handler.logger.Warn(logMessageAnalyzeFailure, zap.String(logFieldFeature, string(feature)), zap.Error(err))
		writeScanError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, viewModel)
}

func (handler scanHandler) featureParameter(ginContext *gin.Context) (intel.FeatureID, bool) {
	feature, err := intel.ParseFeatureID(ginContext.Param(featureParameterName))
	if err != nil {
		ginContext.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return "", false
	}
	return feature, true
}

func bindScanRequest(ginContext *gin.Context) (scanRequestBody, bool) {
	var requestBody scanRequestBody
	if err := ginContext.ShouldBindJSON(&requestBody); err != nil || intel.NormalizeSubject(requestBody.Subject) == "" {
		ginContext.JSON(http.StatusBadRequest, errorResponse{Error: errorMessageBadRequest})
		return scanRequestBody{}, false
	}
	if requestBody.requestedPage() < scan.DefaultPage {
		ginContext.JSON(http.StatusBadRequest, errorResponse{Error: errorMessageInvalidPage})
		return scanRequestBody{}, false
	}
	return requestBody, true
}

func newFeatureResponse(outcome scan.Outcome) featureResponse {
	response := featureResponse{Feature: outcome.Feature}
	if outcome.Err != nil {
		_, response.Error, response.Notice = classifyScanError(outcome.Err)
		return response
	}
	response.Cached = outcome.Result.Cached
	response.ViewModel = outcome.Result.ViewModel
	return response
}

func writeScanError(ginContext *gin.Context, err error) {
	var rateLimitedError *scan.RateLimitedError
	if errors.As(err, &rateLimitedError) {
		retryAfterSeconds := int(math.Ceil(rateLimitedError.RetryAfter.Seconds()))
		ginContext.Header(retryAfterHeader, strconv.Itoa(retryAfterSeconds))
	}
	statusCode, message, notice := classifyScanError(err)
	ginContext.JSON(statusCode, errorResponse{Error: message, Notice: notice})
}

func classifyScanError(err error) (int, string, string) {
	var (
		rateLimitedError *scan.RateLimitedError
		fetchError       *scan.FetchError
	)
	switch {
	case errors.As(err, &rateLimitedError):
		return http.StatusTooManyRequests, rateLimitedError.Error(), rateLimitedError.Notice
	case errors.As(err, &fetchError):
		return http.StatusBadGateway, fetchError.Message(), ""
	case errors.Is(err, intel.ErrUnsupportedFeature):
		return http.StatusNotFound, err.Error(), ""
	case errors.Is(err, scan.ErrEmptySubject), errors.Is(err, scan.ErrInvalidPage):
		return http.StatusBadRequest, err.Error(), ""
	default:
		return http.StatusInternalServerError, errorMessageInternal, ""
	}
}
