package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Status enumerates lifecycle states persisted in prompt_queue.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusUploading Status = "uploading"
	StatusDone      Status = "done"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusAssigned, StatusUploading, StatusDone}

// Job is one row of prompt_queue.
type Job struct {
	ID             int64      `json:"id"`
	Prompt         string     `json:"prompt"`
	RawParams      string     `json:"-"`
	Params         Params     `json:"params"`
	CallbackURL    string     `json:"url,omitempty"`
	Selector       string     `json:"selector,omitempty"`
	Status         Status     `json:"status"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	AssignedHost   string     `json:"hostname,omitempty"`
	Errors         int        `json:"errors"`
	ElapsedSeconds int        `json:"elapsed_gpu,omitempty"`
	OutputPath     string     `json:"filepath,omitempty"`
	SignalTS       time.Time  `json:"signal_ts"`
}

// IsURL reports whether the prompt is a direct download URL rather than a slug.
func (j Job) IsURL() bool {
	return strings.HasPrefix(j.Prompt, "http")
}

// SafePrompt is the filesystem-safe stem for the job's input. URL prompts are
// replaced by the unix time at which the name is derived.
func (j Job) SafePrompt(now time.Time) string {
	if j.IsURL() {
		return strconv.FormatInt(now.Unix(), 10)
	}
	return j.Prompt
}

// Slug keys the upscaled artifact in storage.
func (j Job) Slug(now time.Time) string {
	return j.SafePrompt(now) + "_upsampled"
}

// Params is the decoded form of the params column.
type Params map[string]any

// ParseParams decodes raw as a JSON object. Empty, malformed or non-object
// input yields an empty mapping.
func ParseParams(raw string) Params {
	if strings.TrimSpace(raw) == "" {
		return Params{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return Params{}
	}
	return Params(out)
}

// String returns the value at key when it is a string.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Int returns the value at key when it is a whole JSON number.
func (p Params) Int(key string) (int, bool) {
	switch t := p[key].(type) {
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

// Result is what a successful processing step produced.
type Result struct {
	OutputPath string
	// Elapsed is the processing time in whole seconds.
	Elapsed int
	// Slug is the storage key stem the artifact is published under.
	Slug string
}
