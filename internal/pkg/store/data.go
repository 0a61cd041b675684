package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound indicates the identifier does not resolve to a record
var ErrNotFound = errors.New("record not found")

// ErrUnavailable indicates the record store is unreachable or returned non-success
var ErrUnavailable = errors.New("store unavailable")

// Job is the record tracking one document/text through OCR and anonymization
type Job struct {
	RecordID       int    `json:"Id"`
	InternalID     string `json:"internal_ID"`
	InputText      string `json:"input_text"`
	OutputText     string `json:"output_text"`
	FullPrefixText string `json:"full_prefix_text"`
	Language       string `json:"language"`
	Status         string `json:"status"`
	AIResponse     string `json:"ai_response"`
	CreatedAt      string `json:"CreatedAt"`
}

// Completed tells if the job has its final output.
// Presence of output text is the source of truth, not the status field.
func (j *Job) Completed() bool {
	return j != nil && j.OutputText != ""
}

// User is the record holding auth data for one email
type User struct {
	RecordID int    `json:"Id"`
	Email    string `json:"email"`
	Code     string `json:"code"`
}

// PaddedCode returns the verification code zero-padded to 6 digits.
// The remote store keeps the field as a number, so leading zeros are lost.
func (u *User) PaddedCode() string {
	c := u.Code
	for len(c) < 6 {
		c = "0" + c
	}
	return c
}

// Field names of the job table
const (
	FldInternalID     = "internal_ID"
	FldInputText      = "input_text"
	FldOutputText     = "output_text"
	FldFullPrefixText = "full_prefix_text"
	FldLanguage       = "language"
	FldStatus         = "status"
	FldAIResponse     = "ai_response"
)

// unwrap drops the optional top level 'data' envelope.
// The store returns records both as {...fields} and as {data: {...fields}}.
func unwrap(body []byte) []byte {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return body
	}
	if d, ok := probe["data"]; ok && len(d) > 0 && d[0] == '{' {
		return d
	}
	return body
}

type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*s = flexString(num.String())
	return nil
}

func parseJob(body []byte) (*Job, error) {
	var res Job
	if err := json.Unmarshal(unwrap(body), &res); err != nil {
		return nil, errors.Wrap(err, "Can't decode job record")
	}
	return &res, nil
}

func parseUser(body []byte) (*User, error) {
	var raw struct {
		RecordID int        `json:"Id"`
		Email    string     `json:"email"`
		Code     flexString `json:"code"`
	}
	if err := json.Unmarshal(unwrap(body), &raw); err != nil {
		return nil, errors.Wrap(err, "Can't decode user record")
	}
	return &User{RecordID: raw.RecordID, Email: raw.Email, Code: string(raw.Code)}, nil
}

// parseList extracts records from a filtered query response.
// Accepted shapes: {list: [...]}, {data: {list: [...]}} and a bare array.
func parseList(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var res []json.RawMessage
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, errors.Wrap(err, "Can't decode record list")
		}
		return res, nil
	}
	var wrap struct {
		List []json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(unwrap(body), &wrap); err != nil {
		return nil, errors.Wrap(err, "Can't decode record list")
	}
	return wrap.List, nil
}

func asKey(recordID int) string {
	return fmt.Sprintf("%d", recordID)
}
