package intel

import (
	"fmt"
	"sort"
	"strings"
)

const (
	projectConnectionThreshold    = 3
	influencerConnectionThreshold = 3
	influenceScoreFormat          = "Influence score: %d"
	networkAnalysisOpeningFormat  = "@%s's first followers include "
	notableAccountsFormat         = "%d notable accounts "
	projectsAfterNotableFormat    = "and %d projects/protocols. "
	projectsOnlyFormat            = "%d projects/protocols. "
	notableOnlyClosing            = ". "
	regularUsersText              = "mostly regular users with no high-influence accounts. "
	patternSentenceFormat         = "The pattern suggests %s. "
	strongConnectionsPattern      = "strong connections within the Web3 ecosystem"
	goodNetworkPattern            = "good network connections but fewer project affiliations"
	organicGrowthPattern          = "a more organic audience growth pattern"
	defaultNetworkAnalysisFormat  = "We've analyzed @%s's earliest followers to identify potential connections and networks."
	defaultKeyFollowersWhyMatter  = "Key followers are accounts with high follower counts and influence scores."
)

// FirstFollowersAnalysis is the result of AnalyzeFirstFollowers.
type FirstFollowersAnalysis struct {
	Followers       []FollowerEntry
	CreationDate    string
	NetworkAnalysis string
	InfluencerCount int
	ProjectCount    int
}

// AnalyzeFirstFollowers orders early followers by follow sequence, estimates the account
// creation date from the earliest follow instant and writes a network narrative.
func AnalyzeFirstFollowers(subject string, followers []FollowerRecord) FirstFollowersAnalysis {
	analysis := FirstFollowersAnalysis{
		Followers:       []FollowerEntry{},
		CreationDate:    unknownDateText,
		NetworkAnalysis: fmt.Sprintf(defaultNetworkAnalysisFormat, subject),
	}
	if len(followers) == 0 {
		return analysis
	}

	ordered := append([]FollowerRecord{}, followers...)
	sort.SliceStable(ordered, func(firstIndex, secondIndex int) bool {
		first, second := ordered[firstIndex], ordered[secondIndex]
		if first.SequenceNumber != second.SequenceNumber {
			return first.SequenceNumber < second.SequenceNumber
		}
		return first.Username < second.Username
	})

	earliest := ordered[0]
	for _, follower := range ordered[1:] {
		if follower.FollowedAt.Before(earliest.FollowedAt.Time) {
			earliest = follower
		}
	}
	analysis.CreationDate = FormatLongDate(earliest.FollowedAt.Time)

	for _, follower := range ordered {
		if isInfluencer(follower) {
			analysis.InfluencerCount++
		}
		if isProject(follower) {
			analysis.ProjectCount++
		}
		analysis.Followers = append(analysis.Followers, FollowerEntry{
			Username:  follower.Username,
			Date:      FormatShortDate(follower.FollowedAt.Time),
			RiskLevel: ClassifyFirstFollower(follower),
		})
	}
	analysis.NetworkAnalysis = networkNarrative(subject, analysis.InfluencerCount, analysis.ProjectCount)
	return analysis
}

// AnalyzeKeyFollowers orders scored followers by descending influence score.
func AnalyzeKeyFollowers(followers []ScoredFollowerRecord) []FollowerEntry {
	ordered := append([]ScoredFollowerRecord{}, followers...)
	sort.SliceStable(ordered, func(firstIndex, secondIndex int) bool {
		first, second := ordered[firstIndex], ordered[secondIndex]
		if first.Score != second.Score {
			return first.Score > second.Score
		}
		return first.Username < second.Username
	})

	entries := make([]FollowerEntry, 0, len(ordered))
	for _, follower := range ordered {
		entries = append(entries, FollowerEntry{
			Username:    follower.Username,
			Date:        unavailableDate,
			RiskLevel:   ClassifyKeyFollower(follower.Score),
			Followers:   FormatFollowerCount(follower.NumFollowers),
			Description: fmt.Sprintf(influenceScoreFormat, roundHalfUp(follower.Score)),
		})
	}
	return entries
}

func networkNarrative(subject string, influencerCount int, projectCount int) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, networkAnalysisOpeningFormat, subject)
	if influencerCount > 0 {
		fmt.Fprintf(&builder, notableAccountsFormat, influencerCount)
	}
	switch {
	case projectCount > 0 && influencerCount > 0:
		fmt.Fprintf(&builder, projectsAfterNotableFormat, projectCount)
	case projectCount > 0:
		fmt.Fprintf(&builder, projectsOnlyFormat, projectCount)
	case influencerCount > 0:
		builder.WriteString(notableOnlyClosing)
	default:
		builder.WriteString(regularUsersText)
	}

	pattern := organicGrowthPattern
	switch {
	case projectCount > projectConnectionThreshold:
		pattern = strongConnectionsPattern
	case influencerCount > influencerConnectionThreshold:
		pattern = goodNetworkPattern
	}
	fmt.Fprintf(&builder, patternSentenceFormat, pattern)
	return builder.String()
}
