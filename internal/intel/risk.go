package intel

import (
	"regexp"
	"strings"
)

// RiskLevel is the ordered three-value attention signal attached to every analyzed record.
type RiskLevel string

const (
	// RiskLow marks records without any heuristic signal.
	RiskLow RiskLevel = "low"
	// RiskMedium marks records with a single weak signal.
	RiskMedium RiskLevel = "medium"
	// RiskHigh marks records with a strong or combined signal.
	RiskHigh RiskLevel = "high"
)

const (
	firstFollowerInfluencerScore  = 10
	keyFollowerHighScoreThreshold = 300
	keyFollowerLowScoreThreshold  = 150
	rapidChangeDaysThreshold      = 7
	moderateChangeDaysThreshold   = 30
	projectIndicatorPattern       = `(?i)token|coin|nft|dao|defi|protocol|labs|finance|capital`
	keywordTermBot                = "bot"
	keywordTermAirdrop            = "airdrop"
	riskRankUnknown               = -1
	riskRankLow                   = 0
	riskRankMedium                = 1
	riskRankHigh                  = 2
)

var (
	suspiciousTweetPhrases = []string{
		"airdrop", "free", "giveaway", "claim", "mint now", "presale",
		"whitelist", "early access", "exclusive", "limited", "hurry",
	}

	// suspiciousBioTerms drives both keyword extraction and bio step escalation.
	suspiciousBioTerms = []string{
		"airdrop", "free", "claim", "whitelist", "presale", "mint",
		"token", "exclusive", "hurry", "limited", "giveaway", "bot",
	}

	reProjectIndicator = regexp.MustCompile(projectIndicatorPattern)
)

// Rank returns the position of the level on the low < medium < high scale.
func (level RiskLevel) Rank() int {
	switch level {
	case RiskLow:
		return riskRankLow
	case RiskMedium:
		return riskRankMedium
	case RiskHigh:
		return riskRankHigh
	default:
		return riskRankUnknown
	}
}

// Raise returns the higher of the two levels. Risk never decreases through Raise.
func (level RiskLevel) Raise(candidate RiskLevel) RiskLevel {
	if candidate.Rank() > level.Rank() {
		return candidate
	}
	if level.Rank() == riskRankUnknown {
		return RiskLow
	}
	return level
}

// ClassifyTweet scores a tweet from its deletion state and suspicious phrasing. Phrases are
// looked up in text first and full_text only when text is empty.
func ClassifyTweet(tweet TweetRecord) RiskLevel {
	risk := RiskLow
	deleted := tweet.Deleted()
	if deleted {
		risk = risk.Raise(RiskMedium)
	}
	if containsAnyFold(tweet.riskText(), suspiciousTweetPhrases) {
		if deleted {
			risk = risk.Raise(RiskHigh)
		} else {
			risk = risk.Raise(RiskMedium)
		}
	}
	return risk
}

// ClassifyFirstFollower scores an early follower. A score above 10 marks an influencer,
// a project-like list name marks a project and overrides the influencer level.
func ClassifyFirstFollower(follower FollowerRecord) RiskLevel {
	risk := RiskLow
	if isInfluencer(follower) {
		risk = risk.Raise(RiskMedium)
	}
	if isProject(follower) {
		risk = risk.Raise(RiskHigh)
	}
	return risk
}

// ClassifyKeyFollower scores a key follower purely on its influence score.
// This scale is independent from ClassifyFirstFollower.
func ClassifyKeyFollower(followerScore float64) RiskLevel {
	switch {
	case followerScore > keyFollowerHighScoreThreshold:
		return RiskHigh
	case followerScore < keyFollowerLowScoreThreshold:
		return RiskLow
	default:
		return RiskMedium
	}
}

// ClassifyElapsed scores the gap between two consecutive snapshots.
func ClassifyElapsed(daysBetween int) RiskLevel {
	switch {
	case daysBetween < rapidChangeDaysThreshold:
		return RiskHigh
	case daysBetween < moderateChangeDaysThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ClassifyBioStep scores one bio snapshot against the adjacent older one.
// When timed is false the elapsed-time rule is skipped (the current bio).
func ClassifyBioStep(newerBio string, olderBio string, daysBetween int, timed bool) RiskLevel {
	risk := RiskLow
	if timed {
		risk = risk.Raise(ClassifyElapsed(daysBetween))
	}
	if len(addedBioTerms(newerBio, olderBio)) > 0 {
		risk = risk.Raise(RiskHigh)
	}
	return risk
}

func isInfluencer(follower FollowerRecord) bool {
	return follower.Score != nil && *follower.Score > firstFollowerInfluencerScore
}

func isProject(follower FollowerRecord) bool {
	return follower.ListName != "" && reProjectIndicator.MatchString(follower.ListName)
}

// addedBioTerms lists the bio terms present in newerBio and absent from olderBio.
func addedBioTerms(newerBio string, olderBio string) []string {
	lowerNewer := strings.ToLower(newerBio)
	lowerOlder := strings.ToLower(olderBio)
	var added []string
	for _, term := range suspiciousBioTerms {
		if strings.Contains(lowerNewer, term) && !strings.Contains(lowerOlder, term) {
			added = append(added, term)
		}
	}
	return added
}

func keywordTermRisk(term string) RiskLevel {
	if term == keywordTermBot || term == keywordTermAirdrop {
		return RiskHigh
	}
	return RiskMedium
}

func containsAnyFold(text string, phrases []string) bool {
	if text == "" {
		return false
	}
	lowerText := strings.ToLower(text)
	for _, phrase := range phrases {
		if strings.Contains(lowerText, phrase) {
			return true
		}
	}
	return false
}
