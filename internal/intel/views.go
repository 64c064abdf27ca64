package intel

// ViewModel is the normalized, analysis-enriched structure handed to a renderer.
// The set of implementations is closed: one per FeatureID.
type ViewModel interface {
	Kind() FeatureID
	viewModel()
}

// DetectedAddress is one address found in one tweet.
type DetectedAddress struct {
	Address     string    `json:"address"`
	Chain       Chain     `json:"blockchain"`
	SourceText  string    `json:"message"`
	Date        string    `json:"date"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	Deleted     bool      `json:"deleted"`
	ExplorerURL string    `json:"explorerLink"`
	SourceURL   string    `json:"tweetLink"`
}

// ContractsView is the view model of the contract detection panel.
type ContractsView struct {
	Feature          FeatureID         `json:"feature"`
	Subject          string            `json:"subject"`
	Contracts        []DetectedAddress `json:"contracts"`
	DeletedContracts []DetectedAddress `json:"deletedContracts"`
	Summary          string            `json:"summary"`
	SkippedRecords   int               `json:"skippedRecords"`
}

// UsernameChange is one step of the username history.
type UsernameChange struct {
	Username  string    `json:"username"`
	Date      string    `json:"date"`
	Duration  string    `json:"duration"`
	Notes     string    `json:"notes"`
	RiskLevel RiskLevel `json:"riskLevel"`
	IsCurrent bool      `json:"isCurrent"`
}

// UsernameHistoryView is the view model of the username history panel.
type UsernameHistoryView struct {
	Feature        FeatureID        `json:"feature"`
	Subject        string           `json:"subject"`
	Changes        []UsernameChange `json:"changes"`
	Analysis       string           `json:"analysis"`
	SkippedRecords int              `json:"skippedRecords"`
}

// BioChange is one step of the bio history.
type BioChange struct {
	Text      string    `json:"text"`
	Date      string    `json:"date"`
	Type      string    `json:"type"`
	Notes     string    `json:"notes"`
	RiskLevel RiskLevel `json:"riskLevel"`
	IsCurrent bool      `json:"isCurrent"`
}

// Keyword is a link or suspicious term found across all bios of a subject.
type Keyword struct {
	Text      string    `json:"text"`
	RiskLevel RiskLevel `json:"riskLevel"`
}

// BioHistoryView is the view model of the bio history panel.
type BioHistoryView struct {
	Feature        FeatureID   `json:"feature"`
	Subject        string      `json:"subject"`
	Changes        []BioChange `json:"changes"`
	Keywords       []Keyword   `json:"keywords"`
	Summary        string      `json:"summary"`
	SkippedRecords int         `json:"skippedRecords"`
}

// FollowerEntry is one follower row. Followers and Description are only set for key followers.
type FollowerEntry struct {
	Username    string    `json:"username"`
	Date        string    `json:"date"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	Followers   string    `json:"followers,omitempty"`
	Description string    `json:"description,omitempty"`
}

// FirstFollowersView is the view model of the first followers panel.
type FirstFollowersView struct {
	Feature         FeatureID       `json:"feature"`
	Subject         string          `json:"subject"`
	Followers       []FollowerEntry `json:"followers"`
	CreationDate    string          `json:"creationDate"`
	NetworkAnalysis string          `json:"networkAnalysis"`
	SkippedRecords  int             `json:"skippedRecords"`
}

// KeyFollowersView is the view model of the key followers panel.
type KeyFollowersView struct {
	Feature        FeatureID       `json:"feature"`
	Subject        string          `json:"subject"`
	Followers      []FollowerEntry `json:"followers"`
	WhyMatter      string          `json:"whyMatter"`
	SkippedRecords int             `json:"skippedRecords"`
}

// Kind implements ViewModel.
func (ContractsView) Kind() FeatureID { return FeatureContracts }

// Kind implements ViewModel.
func (UsernameHistoryView) Kind() FeatureID { return FeatureUsernameHistory }

// Kind implements ViewModel.
func (BioHistoryView) Kind() FeatureID { return FeatureBioHistory }

// Kind implements ViewModel.
func (FirstFollowersView) Kind() FeatureID { return FeatureFirstFollowers }

// Kind implements ViewModel.
func (KeyFollowersView) Kind() FeatureID { return FeatureKeyFollowers }

func (ContractsView) viewModel()       {}
func (UsernameHistoryView) viewModel() {}
func (BioHistoryView) viewModel()      {}
func (FirstFollowersView) viewModel()  {}
func (KeyFollowersView) viewModel()    {}
