package intel

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	currentDurationText        = "Current"
	durationFormat             = "%d days"
	currentUsernameNote        = "Current username"
	rapidUsernameChangeNote    = "Frequent username changes can indicate suspicious activity"
	moderateUsernameChangeNote = "Moderate change frequency"
	normalUsernameChangeNote   = "Normal username change pattern"
	currentBioType             = "Current Bio"
	changedBioType             = "Bio Change"
	addedNotePrefix            = "Added: "
	removedNotePrefix          = "Removed: "
	noteSeparator              = ", "
	bioLineSeparator           = "\n"
	bioJoinSeparator           = " "
	linkPattern                = `https?://` + nonWhitespaceClass + `+`
	telegramShortHost          = "t.me"
	telegramName               = "telegram"
)

var reLink = regexp.MustCompile(linkPattern)

// AnalyzeUsernames turns username snapshots into a most-recent-first change list.
// The current entry carries no elapsed-time risk; every older entry is scored on the
// days separating it from the adjacent newer snapshot.
func AnalyzeUsernames(snapshots []UsernameSnapshot) []UsernameChange {
	ordered := append([]UsernameSnapshot{}, snapshots...)
	sort.SliceStable(ordered, func(firstIndex, secondIndex int) bool {
		first, second := ordered[firstIndex], ordered[secondIndex]
		if !first.LastChecked.Equal(second.LastChecked.Time) {
			return first.LastChecked.After(second.LastChecked.Time)
		}
		return first.Username < second.Username
	})

	changes := make([]UsernameChange, 0, len(ordered))
	for index, snapshot := range ordered {
		change := UsernameChange{
			Username: snapshot.Username,
			Date:     FormatShortDate(snapshot.LastChecked.Time),
		}
		if index == 0 {
			change.Duration = currentDurationText
			change.Notes = currentUsernameNote
			change.RiskLevel = RiskLow
			change.IsCurrent = true
			changes = append(changes, change)
			continue
		}
		days := elapsedDays(ordered[index-1].LastChecked.Time, snapshot.LastChecked.Time)
		change.Duration = fmt.Sprintf(durationFormat, days)
		change.RiskLevel = ClassifyElapsed(days)
		change.Notes = usernameChangeNote(change.RiskLevel)
		changes = append(changes, change)
	}
	return changes
}

// AnalyzeBios turns bio snapshots into a most-recent-first change list. Each entry is
// diffed against the adjacent older snapshot; freshly added suspicious terms force high
// risk. The elapsed-time rule applies to every entry except the current one.
func AnalyzeBios(snapshots []BioSnapshot) []BioChange {
	ordered := make([]BioSnapshot, 0, len(snapshots))
	for _, snapshot := range snapshots {
		if strings.TrimSpace(snapshot.Bio) != "" {
			ordered = append(ordered, snapshot)
		}
	}
	sort.SliceStable(ordered, func(firstIndex, secondIndex int) bool {
		first, second := ordered[firstIndex], ordered[secondIndex]
		if !first.LastChecked.Equal(second.LastChecked.Time) {
			return first.LastChecked.After(second.LastChecked.Time)
		}
		return first.Bio < second.Bio
	})

	changes := make([]BioChange, 0, len(ordered))
	for index, snapshot := range ordered {
		change := BioChange{
			Text:      snapshot.Bio,
			Date:      FormatShortDate(snapshot.LastChecked.Time),
			Type:      changedBioType,
			RiskLevel: RiskLow,
		}
		timed := index > 0
		days := 0
		if timed {
			days = elapsedDays(ordered[index-1].LastChecked.Time, snapshot.LastChecked.Time)
		} else {
			change.Type = currentBioType
			change.IsCurrent = true
		}
		olderBio := snapshot.Bio
		if index+1 < len(ordered) {
			olderBio = ordered[index+1].Bio
		}
		change.RiskLevel = ClassifyBioStep(snapshot.Bio, olderBio, days, timed)
		change.Notes = bioChangeNotes(snapshot.Bio, olderBio)
		changes = append(changes, change)
	}
	return changes
}

// ExtractKeywords scans the concatenation of all bios for links and suspicious terms.
// Keywords are unique by text and keep first-seen order: links first, then terms.
func ExtractKeywords(bios []string) []Keyword {
	combined := strings.Join(bios, bioJoinSeparator)
	var keywords []Keyword
	seen := make(map[string]struct{})
	appendKeyword := func(keyword Keyword) {
		if _, exists := seen[keyword.Text]; exists {
			return
		}
		seen[keyword.Text] = struct{}{}
		keywords = append(keywords, keyword)
	}

	for _, link := range reLink.FindAllString(combined, -1) {
		risk := RiskLow
		if strings.Contains(link, telegramShortHost) || strings.Contains(link, telegramName) {
			risk = RiskMedium
		}
		appendKeyword(Keyword{Text: link, RiskLevel: risk})
	}

	lowerCombined := strings.ToLower(combined)
	for _, term := range suspiciousBioTerms {
		if strings.Contains(lowerCombined, term) {
			appendKeyword(Keyword{Text: term, RiskLevel: keywordTermRisk(term)})
		}
	}
	return keywords
}

func usernameChangeNote(risk RiskLevel) string {
	switch risk {
	case RiskHigh:
		return rapidUsernameChangeNote
	case RiskMedium:
		return moderateUsernameChangeNote
	default:
		return normalUsernameChangeNote
	}
}

// bioChangeNotes describes what newerBio added and removed relative to olderBio.
func bioChangeNotes(newerBio string, olderBio string) string {
	if newerBio == olderBio {
		return ""
	}
	var notes []string
	if added := missingLines(newerBio, olderBio); len(added) > 0 {
		notes = append(notes, addedNotePrefix+strings.Join(added, noteSeparator))
	}
	if removed := missingLines(olderBio, newerBio); len(removed) > 0 {
		notes = append(notes, removedNotePrefix+strings.Join(removed, noteSeparator))
	}
	for _, term := range addedBioTerms(newerBio, olderBio) {
		notes = append(notes, addedNotePrefix+term)
	}
	return strings.Join(notes, noteSeparator)
}

// missingLines lists the non-blank lines of source that reference does not contain.
func missingLines(source string, reference string) []string {
	var missing []string
	for _, line := range strings.Split(source, bioLineSeparator) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.Contains(reference, line) {
			missing = append(missing, line)
		}
	}
	return missing
}
