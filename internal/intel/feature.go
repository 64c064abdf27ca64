package intel

import (
	"errors"
	"fmt"
	"strings"
)

// FeatureID identifies one of the intelligence panels offered for a subject.
type FeatureID string

const (
	// FeatureContracts detects contract addresses posted by the subject, deleted posts included.
	FeatureContracts FeatureID = "ca-detection"
	// FeatureUsernameHistory lists historical usernames.
	FeatureUsernameHistory FeatureID = "username-history"
	// FeatureBioHistory lists historical bios and extracted keywords.
	FeatureBioHistory FeatureID = "bio-history"
	// FeatureFirstFollowers lists the earliest followers.
	FeatureFirstFollowers FeatureID = "first-followers"
	// FeatureKeyFollowers lists the most influential followers.
	FeatureKeyFollowers FeatureID = "key-followers"
)

const (
	errMessageUnsupportedFeature = "unsupported feature"
	errMessageMalformedPayload   = "malformed payload"
)

var (
	// ErrUnsupportedFeature indicates a feature identifier outside the five known panels.
	ErrUnsupportedFeature = errors.New(errMessageUnsupportedFeature)
	// ErrMalformedPayload indicates a response body that is not valid JSON.
	ErrMalformedPayload = errors.New(errMessageMalformedPayload)
)

// FeatureDescriptor carries the display metadata of a feature.
type FeatureDescriptor struct {
	ID          FeatureID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
}

var featureDescriptors = []FeatureDescriptor{
	{
		ID:          FeatureContracts,
		Name:        "Contracts",
		Description: "Even from deleted addresses, Torii finds contracts posted by users and projects.",
	},
	{
		ID:          FeatureUsernameHistory,
		Name:        "Username History",
		Description: "Follow every name change, from day one.",
	},
	{
		ID:          FeatureBioHistory,
		Name:        "Bio Changes",
		Description: "See how a project or user's messaging evolves over time.",
	},
	{
		ID:          FeatureFirstFollowers,
		Name:        "First Followers",
		Description: "Discover who first supported a project.",
	},
	{
		ID:          FeatureKeyFollowers,
		Name:        "Key Followers",
		Description: "Using our own custom scoring system, Torii highlights the most important followers and contributors based on their relevance and influence.",
	},
}

// Features returns the supported features in display order.
func Features() []FeatureDescriptor {
	return append([]FeatureDescriptor{}, featureDescriptors...)
}

// FeatureIDs returns the supported feature identifiers in display order.
func FeatureIDs() []FeatureID {
	identifiers := make([]FeatureID, 0, len(featureDescriptors))
	for _, descriptor := range featureDescriptors {
		identifiers = append(identifiers, descriptor.ID)
	}
	return identifiers
}

// ParseFeatureID validates a feature identifier.
func ParseFeatureID(value string) (FeatureID, error) {
	candidate := FeatureID(strings.TrimSpace(value))
	if !candidate.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFeature, value)
	}
	return candidate, nil
}

// Valid reports whether the identifier names one of the known features.
func (feature FeatureID) Valid() bool {
	_, found := feature.descriptor()
	return found
}

// DisplayName returns the panel name shown to users, or the raw identifier when unknown.
func (feature FeatureID) DisplayName() string {
	if descriptor, found := feature.descriptor(); found {
		return descriptor.Name
	}
	return string(feature)
}

func (feature FeatureID) descriptor() (FeatureDescriptor, bool) {
	for _, descriptor := range featureDescriptors {
		if descriptor.ID == feature {
			return descriptor, true
		}
	}
	return FeatureDescriptor{}, false
}
