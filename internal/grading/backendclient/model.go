package backendclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ID is an identifier the backend may encode as a JSON string or number.
// It compares as its decimal or literal text and encodes back as a number
// when it is all digits.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if _, err := strconv.ParseInt(s, 10, 64); err == nil && (s == "0" || s[0] != '0') {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func (id ID) String() string { return string(id) }

// Assignment is the subset of the backend assignment record the runner uses.
type Assignment struct {
	ID       ID     `json:"id"`
	Slug     string `json:"slug"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Callback is sent exactly once per run.
type Callback struct {
	SubmissionID ID      `json:"submissionId"`
	Status       string  `json:"status"`
	Score        float64 `json:"score"`
	TotalTests   int     `json:"totalTests"`
	PassedTests  int     `json:"passedTests"`
	Feedback     string  `json:"feedback"`
	Language     string  `json:"language"`
}
