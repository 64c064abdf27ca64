package intel

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	usernameAnalysisEmpty  = "No username changes detected"
	usernameAnalysisFormat = "@%s has used %d different username(s) over time."
	bioSummaryEmpty        = "No bio changes detected"
	bioSummaryFormat       = "Tracked %d bio version(s) for @%s, %d flagged as high risk."
	subjectHandlePrefix    = "@"
)

type validator interface {
	validate() error
}

type viewModelBuilder func(subject string, rawRecords []json.RawMessage) ViewModel

// Service maps a feature identifier to its analysis pipeline. It performs no I/O, keeps
// no state between calls and returns a freshly built view model on every call.
type Service struct {
	builders map[FeatureID]viewModelBuilder
}

// NewService constructs a Service with one builder per supported feature.
func NewService() *Service {
	return &Service{
		builders: map[FeatureID]viewModelBuilder{
			FeatureContracts:       buildContractsView,
			FeatureUsernameHistory: buildUsernameHistoryView,
			FeatureBioHistory:      buildBioHistoryView,
			FeatureFirstFollowers:  buildFirstFollowersView,
			FeatureKeyFollowers:    buildKeyFollowersView,
		},
	}
}

// Supports reports whether the service has a pipeline for the feature.
func (service *Service) Supports(feature FeatureID) bool {
	_, exists := service.builders[feature]
	return exists
}

// BuildViewModel runs the pipeline of feature over payload. Unknown features fail with
// ErrUnsupportedFeature. A missing or non-array data field yields an empty view model, and
// records that cannot be decoded or lack a required field are skipped and counted.
func (service *Service) BuildViewModel(feature FeatureID, subject string, payload Payload) (ViewModel, error) {
	builder, exists := service.builders[feature]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFeature, string(feature))
	}
	return builder(NormalizeSubject(subject), payload.records()), nil
}

// NormalizeSubject trims whitespace and a leading @ from a handle.
func NormalizeSubject(subject string) string {
	return strings.TrimPrefix(strings.TrimSpace(subject), subjectHandlePrefix)
}

func buildContractsView(subject string, rawRecords []json.RawMessage) ViewModel {
	tweets, skipped := decodeRecords[TweetRecord](rawRecords)
	contracts, deletedContracts := DetectContracts(subject, tweets)
	return ContractsView{
		Feature:          FeatureContracts,
		Subject:          subject,
		Contracts:        contracts,
		DeletedContracts: deletedContracts,
		Summary:          contractsSummary(subject, contracts, deletedContracts),
		SkippedRecords:   skipped,
	}
}

func buildUsernameHistoryView(subject string, rawRecords []json.RawMessage) ViewModel {
	snapshots, skipped := decodeRecords[UsernameSnapshot](rawRecords)
	changes := AnalyzeUsernames(snapshots)
	analysis := usernameAnalysisEmpty
	if len(changes) > 0 {
		analysis = fmt.Sprintf(usernameAnalysisFormat, subject, len(changes))
	}
	return UsernameHistoryView{
		Feature:        FeatureUsernameHistory,
		Subject:        subject,
		Changes:        changes,
		Analysis:       analysis,
		SkippedRecords: skipped,
	}
}

func buildBioHistoryView(subject string, rawRecords []json.RawMessage) ViewModel {
	snapshots, skipped := decodeRecords[BioSnapshot](rawRecords)
	changes := AnalyzeBios(snapshots)
	bios := make([]string, 0, len(changes))
	highRiskCount := 0
	for _, change := range changes {
		bios = append(bios, change.Text)
		if change.RiskLevel == RiskHigh {
			highRiskCount++
		}
	}
	keywords := ExtractKeywords(bios)
	if keywords == nil {
		keywords = []Keyword{}
	}
	summary := bioSummaryEmpty
	if len(changes) > 0 {
		summary = fmt.Sprintf(bioSummaryFormat, len(changes), subject, highRiskCount)
	}
	return BioHistoryView{
		Feature:        FeatureBioHistory,
		Subject:        subject,
		Changes:        changes,
		Keywords:       keywords,
		Summary:        summary,
		SkippedRecords: skipped,
	}
}

func buildFirstFollowersView(subject string, rawRecords []json.RawMessage) ViewModel {
	followers, skipped := decodeRecords[FollowerRecord](rawRecords)
	analysis := AnalyzeFirstFollowers(subject, followers)
	return FirstFollowersView{
		Feature:         FeatureFirstFollowers,
		Subject:         subject,
		Followers:       analysis.Followers,
		CreationDate:    analysis.CreationDate,
		NetworkAnalysis: analysis.NetworkAnalysis,
		SkippedRecords:  skipped,
	}
}

func buildKeyFollowersView(subject string, rawRecords []json.RawMessage) ViewModel {
	followers, skipped := decodeRecords[ScoredFollowerRecord](rawRecords)
	return KeyFollowersView{
		Feature:        FeatureKeyFollowers,
		Subject:        subject,
		Followers:      AnalyzeKeyFollowers(followers),
		WhyMatter:      defaultKeyFollowersWhyMatter,
		SkippedRecords: skipped,
	}
}

// decodeRecords decodes each raw record on its own so one bad record never drops the batch.
func decodeRecords[T validator](rawRecords []json.RawMessage) ([]T, int) {
	decoded := make([]T, 0, len(rawRecords))
	skipped := 0
	for _, rawRecord := range rawRecords {
		var record T
		if err := json.Unmarshal(rawRecord, &record); err != nil {
			skipped++
			continue
		}
		if err := record.validate(); err != nil {
			skipped++
			continue
		}
		decoded = append(decoded, record)
	}
	return decoded, skipped
}
