package intel

import (
	"fmt"
	"strings"
)

const (
	tweetStatusURLFormat  = "https://twitter.com/%s/status/%s"
	missingTweetURL       = "#"
	contractsSummaryEmpty = "No contract addresses found"
	contractsSummaryFound = "We found %d contract addresses posted by @%s, including %d in deleted tweets."
)

// DetectContracts extracts every address from every tweet with text and scores it.
// Deleted tweets raise a low score to medium and also land in the deleted list.
func DetectContracts(subject string, tweets []TweetRecord) (contracts []DetectedAddress, deletedContracts []DetectedAddress) {
	contracts = []DetectedAddress{}
	deletedContracts = []DetectedAddress{}
	for _, tweet := range tweets {
		tweetText := tweet.Content()
		if strings.TrimSpace(tweetText) == "" {
			continue
		}
		deleted := tweet.Deleted()
		tweetRisk := ClassifyTweet(tweet)
		if deleted && tweetRisk == RiskLow {
			tweetRisk = RiskMedium
		}
		for _, candidate := range ExtractAddresses(tweetText) {
			detected := DetectedAddress{
				Address:     candidate.Address,
				Chain:       candidate.Chain,
				SourceText:  tweetText,
				Date:        FormatShortDate(tweet.PostedAt()),
				RiskLevel:   tweetRisk,
				Deleted:     deleted,
				ExplorerURL: candidate.ExplorerURL(),
				SourceURL:   tweetURL(subject, tweet.Identifier()),
			}
			if deleted {
				deletedContracts = append(deletedContracts, detected)
			}
			contracts = append(contracts, detected)
		}
	}
	return contracts, deletedContracts
}

func tweetURL(subject string, tweetID string) string {
	if tweetID == "" {
		return missingTweetURL
	}
	return fmt.Sprintf(tweetStatusURLFormat, subject, tweetID)
}

func contractsSummary(subject string, contracts []DetectedAddress, deletedContracts []DetectedAddress) string {
	if len(contracts) == 0 {
		return contractsSummaryEmpty
	}
	return fmt.Sprintf(contractsSummaryFound, len(contracts), subject, len(deletedContracts))
}
