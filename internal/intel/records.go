package intel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	errMessageMissingField     = "missing required field"
	errMessageInvalidTimestamp = "invalid timestamp"
	fieldUsername              = "username"
	fieldFollowedAt            = "followed_at_timestamp"
	fieldBio                   = "bio"
	fieldLastChecked           = "last_checked"
	fieldFollowerUsername      = "follower_username"
	millisecondEpochThreshold  = 1e12
	jsonNull                   = "null"
)

var (
	errMissingField     = errors.New(errMessageMissingField)
	errInvalidTimestamp = errors.New(errMessageInvalidTimestamp)

	timestampLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		time.RubyDate,
		"2006-01-02",
	}
)

// Payload is the response envelope returned by the analysis API. Only data is read.
type Payload struct {
	Data json.RawMessage `json:"data"`
}

// ParsePayload decodes a response body. An empty body yields an empty payload.
func ParsePayload(body []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == jsonNull {
		return Payload{}, nil
	}
	var payload Payload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload, nil
}

// records splits data into raw records. A missing, null or non-array data field yields nil.
func (payload Payload) records() []json.RawMessage {
	trimmed := bytes.TrimSpace(payload.Data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil
	}
	var rawRecords []json.RawMessage
	if err := json.Unmarshal(trimmed, &rawRecords); err != nil {
		return nil
	}
	return rawRecords
}

// Timestamp is an instant decoded from the loosely typed timestamps the API returns.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps a time value.
func NewTimestamp(value time.Time) Timestamp {
	return Timestamp{Time: value.UTC()}
}

// UnmarshalJSON accepts RFC3339-like strings, plain dates and unix seconds or milliseconds.
func (timestamp *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == jsonNull {
		timestamp.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal([]byte(trimmed), &text); err != nil {
			return err
		}
		parsed, err := parseTimestampText(text)
		if err != nil {
			return err
		}
		timestamp.Time = parsed
		return nil
	}
	parsed, err := parseEpoch(trimmed)
	if err != nil {
		return err
	}
	timestamp.Time = parsed
	return nil
}

// MarshalJSON renders the instant as RFC3339 in UTC.
func (timestamp Timestamp) MarshalJSON() ([]byte, error) {
	if timestamp.IsZero() {
		return []byte(jsonNull), nil
	}
	return json.Marshal(timestamp.UTC().Format(time.RFC3339))
}

func parseTimestampText(text string) (time.Time, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	if parsed, err := parseEpoch(trimmed); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", errInvalidTimestamp, text)
}

func parseEpoch(text string) (time.Time, error) {
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", errInvalidTimestamp, text)
	}
	if value >= millisecondEpochThreshold {
		return time.UnixMilli(int64(value)).UTC(), nil
	}
	return time.Unix(int64(value), 0).UTC(), nil
}

// flexString decodes either a JSON string or a JSON number into text.
type flexString string

func (value *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == jsonNull {
		*value = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal([]byte(trimmed), &text); err != nil {
			return err
		}
		*value = flexString(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal([]byte(trimmed), &number); err != nil {
		return err
	}
	*value = flexString(number.String())
	return nil
}

// FollowerRecord is one entry of the first-followers response.
type FollowerRecord struct {
	Username       string    `json:"username"`
	FollowedAt     Timestamp `json:"followed_at_timestamp"`
	SequenceNumber int64     `json:"follower_sequence_num"`
	Score          *float64  `json:"score,omitempty"`
	ListName       string    `json:"list_name,omitempty"`
}

func (record FollowerRecord) validate() error {
	if strings.TrimSpace(record.Username) == "" {
		return fmt.Errorf("%w: %s", errMissingField, fieldUsername)
	}
	if record.FollowedAt.IsZero() {
		return fmt.Errorf("%w: %s", errMissingField, fieldFollowedAt)
	}
	return nil
}

// ScoredFollowerRecord is one entry of the key-followers response.
type ScoredFollowerRecord struct {
	Username     string  `json:"follower_username"`
	NumFollowers int64   `json:"follower_num_followers"`
	Score        float64 `json:"follower_score"`
}

func (record ScoredFollowerRecord) validate() error {
	if strings.TrimSpace(record.Username) == "" {
		return fmt.Errorf("%w: %s", errMissingField, fieldFollowerUsername)
	}
	return nil
}

// BioSnapshot is one observed bio of the subject.
type BioSnapshot struct {
	Bio         string    `json:"bio"`
	LastChecked Timestamp `json:"last_checked"`
}

func (snapshot BioSnapshot) validate() error {
	if snapshot.LastChecked.IsZero() {
		return fmt.Errorf("%w: %s", errMissingField, fieldLastChecked)
	}
	return nil
}

// UsernameSnapshot is one observed username of the subject.
type UsernameSnapshot struct {
	Username    string    `json:"username"`
	LastChecked Timestamp `json:"last_checked"`
}

func (snapshot UsernameSnapshot) validate() error {
	if strings.TrimSpace(snapshot.Username) == "" {
		return fmt.Errorf("%w: %s", errMissingField, fieldUsername)
	}
	if snapshot.LastChecked.IsZero() {
		return fmt.Errorf("%w: %s", errMissingField, fieldLastChecked)
	}
	return nil
}

// TweetRecord is one post returned by the deleted-tweets endpoint.
type TweetRecord struct {
	ID         flexString `json:"id"`
	TweetID    flexString `json:"tweet_id"`
	Text       string     `json:"text"`
	FullText   string     `json:"full_text"`
	CreatedAt  Timestamp  `json:"created_at"`
	TweetTime  Timestamp  `json:"tweet_time"`
	ViewsCount *float64   `json:"views_count"`
	DeletedSet bool       `json:"deleted"`
}

// Identifier returns the tweet id, preferring id over tweet_id.
func (tweet TweetRecord) Identifier() string {
	if tweet.ID != "" {
		return string(tweet.ID)
	}
	return string(tweet.TweetID)
}

// Content returns the tweet text, preferring full_text over text.
func (tweet TweetRecord) Content() string {
	if tweet.FullText != "" {
		return tweet.FullText
	}
	return tweet.Text
}

// riskText returns the text scored for suspicious phrasing. Unlike Content it prefers
// text over full_text.
func (tweet TweetRecord) riskText() string {
	if tweet.Text != "" {
		return tweet.Text
	}
	return tweet.FullText
}

// PostedAt returns the creation instant, preferring created_at over tweet_time.
func (tweet TweetRecord) PostedAt() time.Time {
	if !tweet.CreatedAt.IsZero() {
		return tweet.CreatedAt.Time
	}
	return tweet.TweetTime.Time
}

// Deleted reports whether the tweet is gone. An absent or null view count counts as deleted,
// which cannot tell "not tracked" apart from "removed".
func (tweet TweetRecord) Deleted() bool {
	return tweet.DeletedSet || tweet.ViewsCount == nil
}

func (tweet TweetRecord) validate() error {
	return nil
}
