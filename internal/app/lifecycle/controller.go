// Package lifecycle drives a job from creation through dispatch and polling
// to its final presentation payload. The external workflow engine may fail
// silently, so polling escalates first to a retry dispatch and finally to
// the local anonymizer.
package lifecycle

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/anymize/anymize/internal/pkg/anonymizer"
	"github.com/anymize/anymize/internal/pkg/cmdapp"
	"github.com/anymize/anymize/internal/pkg/dispatch"
	"github.com/anymize/anymize/internal/pkg/prompt"
	"github.com/anymize/anymize/internal/pkg/store"
)

// ErrInvalidInput indicates empty text or a malformed identifier
var ErrInvalidInput = errors.New("invalid input")

// Mode selects how a new job is dispatched
type Mode int

const (
	// ModeAsync dispatches fire-and-forget, the caller polls for the result
	ModeAsync Mode = iota
	// ModeSync blocks for the webhook answer and passes it through
	ModeSync
)

// Job states as reported to callers
const (
	StatusProcessing = "processing"
	StatusComplete   = "complete"
)

// PlaceholderText is stored as input text of upload jobs until the OCR
// webhook delivers the extracted text
const PlaceholderText = "Document submitted for OCR processing. Results will be available soon."

// placeholderPatterns mark input text that is not real extracted text yet
var placeholderPatterns = []string{
	"OCR processing in progress",
	"Document submitted for OCR processing",
	"Wait for OCR to complete",
	"Results will be available soon",
}

const (
	retryAfterAttempt    = 5
	fallbackAfterAttempt = 10
	retrySleepDefault    = 5 * time.Second
)

// JobStore is the record store gateway part used by the controller
type JobStore interface {
	CreateJob(fields map[string]interface{}) (*store.Job, error)
	GetJob(identifier string, skipLog bool) (*store.Job, error)
	UpdateJob(recordID int, fields map[string]interface{}) error
}

// Dispatcher calls the external processing webhooks
type Dispatcher interface {
	Send(target dispatch.Target, p dispatch.Payload) (*dispatch.Response, error)
	SendAsync(target dispatch.Target, p dispatch.Payload)
}

// PollResult is the payload one poll call hands back to the presentation layer
type PollResult struct {
	JobID       string `json:"job_id"`
	RecordID    int    `json:"record_id"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	InputText   string `json:"input_text"`
	RawText     string `json:"raw_anonymized_text,omitempty"`
	LabeledText string `json:"labeled_anonymized_text,omitempty"`
	Composed    string `json:"composed_text,omitempty"`
	Language    string `json:"language,omitempty"`
}

// Controller orchestrates the job flow
type Controller struct {
	store      JobStore
	dispatcher Dispatcher
	guard      *TriggerGuard
	anonymize  func(string) string
	sleepFn    func(time.Duration)
	retrySleep time.Duration
}

// NewController creates a controller over the given gateway and dispatcher
func NewController(jobStore JobStore, dispatcher Dispatcher) (*Controller, error) {
	if jobStore == nil {
		return nil, errors.New("no job store")
	}
	if dispatcher == nil {
		return nil, errors.New("no dispatcher")
	}
	res := Controller{}
	res.store = jobStore
	res.dispatcher = dispatcher
	res.guard = NewTriggerGuard()
	res.anonymize = anonymizer.Anonymize
	res.sleepFn = time.Sleep
	res.retrySleep = retrySleepDefault
	return &res, nil
}

// Create makes a new job record without dispatching it.
// Used by the upload flow where the OCR webhook is invoked separately
// and later replaces the placeholder input text
func (c *Controller) Create(text string) (*store.Job, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidInput
	}
	job, err := c.store.CreateJob(map[string]interface{}{
		store.FldInternalID: uuid.New().String(),
		store.FldInputText:  text,
		store.FldStatus:     StatusProcessing,
	})
	if err != nil {
		return nil, err
	}
	cmdapp.Log.Infof("Created job %s (record %d)", job.InternalID, job.RecordID)
	return job, nil
}

// CreateAndDispatch creates a job and sends its text to the target webhook.
// In sync mode the webhook answer is returned for verbatim passthrough,
// in async mode the caller is expected to poll
func (c *Controller) CreateAndDispatch(text string, mode Mode, target dispatch.Target) (*store.Job, *dispatch.Response, error) {
	job, err := c.Create(text)
	if err != nil {
		return nil, nil, err
	}
	// the guard key marks this payload as dispatched so polling never
	// re-sends it as a side effect
	c.guard.TryAcquire(guardKey(job.RecordID, len(text)))
	payload := dispatch.Payload{
		ID:         job.RecordID,
		InternalID: job.InternalID,
		Text:       text,
	}
	if mode == ModeSync {
		resp, err := c.dispatcher.Send(target, payload)
		if err != nil {
			return job, nil, err
		}
		return job, resp, nil
	}
	c.dispatcher.SendAsync(target, payload)
	return job, nil, nil
}

// PollOnce fetches the job and reports its current state.
// With no output yet it may trigger the processing webhook (once per
// extracted text), escalate to a retry dispatch past attempt 5 and to the
// local anonymizer past attempt 10. The caller decides how long to keep polling
func (c *Controller) PollOnce(identifier string, attempt int) (*PollResult, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, ErrInvalidInput
	}
	job, err := c.store.GetJob(identifier, true)
	if err != nil {
		return nil, err
	}
	res := &PollResult{
		JobID:     job.InternalID,
		RecordID:  job.RecordID,
		Attempt:   attempt + 1,
		InputText: job.InputText,
	}
	if job.Completed() {
		c.completed(job, job.OutputText, res, nil)
		return res, nil
	}
	output := c.escalate(job, attempt)
	if output == "" {
		res.Status = StatusProcessing
		return res, nil
	}
	// degraded completion, keep the store write to a single call
	c.completed(job, output, res, map[string]interface{}{
		store.FldOutputText: output,
		store.FldAIResponse: output,
	})
	return res, nil
}

// escalate applies the polling escalation policy for a job without output.
// Returns locally anonymized text past the fallback threshold, else empty
func (c *Controller) escalate(job *store.Job, attempt int) string {
	if job.RecordID == 0 || !realText(job.InputText) {
		return ""
	}
	// hand freshly extracted text to the processing webhook, once
	if c.guard.TryAcquire(guardKey(job.RecordID, len(job.InputText))) {
		cmdapp.Log.Infof("Extracted text ready, dispatching record %d", job.RecordID)
		c.dispatcher.SendAsync(dispatch.Processing, dispatch.Payload{
			ID:         job.RecordID,
			InternalID: job.InternalID,
			Text:       job.InputText,
		})
	}
	if attempt <= retryAfterAttempt {
		return ""
	}
	if c.guard.TryAcquire(retryKey(job.RecordID, len(job.InputText))) {
		cmdapp.Log.Warnf("No output for record %d after %d attempts, sending retry", job.RecordID, attempt)
		_, err := c.dispatcher.Send(dispatch.Retry, dispatch.Payload{
			ID:         job.RecordID,
			InternalID: job.InternalID,
			Text:       job.InputText,
			Action:     "retry",
			CharCount:  len(job.InputText),
		})
		cmdapp.LogIf(err)
		c.sleepFn(c.retrySleep)
	}
	if attempt <= fallbackAfterAttempt {
		return ""
	}
	cmdapp.Log.Warnf("Retries exhausted for record %d, anonymizing locally", job.RecordID)
	return c.anonymize(job.InputText)
}

// completed fills the presentation payload for a job with output and
// persists derived fields best effort, the poll answer never fails on a
// store write
func (c *Controller) completed(job *store.Job, output string, res *PollResult, pending map[string]interface{}) {
	lang := job.Language
	if !prompt.Supported(lang) {
		lang = prompt.Detect(job.InputText)
	}
	labeled := job.FullPrefixText
	if labeled == "" || job.Language != "" && labeled != prompt.ReplaceWithLabels(output, lang) {
		labeled = prompt.ReplaceWithLabels(output, lang)
		if pending == nil {
			pending = make(map[string]interface{})
		}
		pending[store.FldFullPrefixText] = labeled
	}
	if len(pending) > 0 && job.RecordID > 0 {
		if err := c.store.UpdateJob(job.RecordID, pending); err != nil {
			cmdapp.Log.Error(errors.Wrapf(err, "can't persist results for record %d", job.RecordID))
		}
	}
	res.Status = StatusComplete
	res.RawText = output
	res.LabeledText = labeled
	res.Composed = prompt.Compose(labeled, lang)
	res.Language = lang
}

// realText tells if the input is actual extracted text rather than the
// placeholder stored while OCR is still running
func realText(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, p := range placeholderPatterns {
		if strings.Contains(text, p) {
			return false
		}
	}
	return true
}
