// Package dispatch sends job text to the external processing webhooks.
// The webhooks answer asynchronously through the record store, except the
// synchronous API path where the response body is handed back verbatim.
package dispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/anymize/anymize/internal/pkg/anonymizer"
	"github.com/anymize/anymize/internal/pkg/cmdapp"
	"github.com/anymize/anymize/internal/pkg/store"
	"github.com/anymize/anymize/internal/pkg/utils"
)

// Target selects the webhook a payload goes to
type Target string

const (
	// Processing is the entity detection and substitution workflow
	Processing Target = "processing"
	// OCR is the document text extraction workflow
	OCR Target = "ocr"
	// RawText is the workflow for pasted text submissions
	RawText Target = "rawText"
	// Retry is the re-dispatch workflow used by poll escalation
	Retry Target = "retry"
)

const (
	defaultTimeout = 20 * time.Second
	shortTimeout   = 10 * time.Second
	shortTextLimit = 2000
)

// Payload is the JSON body of a webhook call
type Payload struct {
	ID          int    `json:"id,omitempty"`
	InternalID  string `json:"internal_ID,omitempty"`
	Text        string `json:"text"`
	Action      string `json:"action,omitempty"`
	CharCount   int    `json:"char_count,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// Response is the verbatim webhook answer of a synchronous call
type Response struct {
	Code int
	Body []byte
}

// Success tells if the webhook accepted the call
func (r *Response) Success() bool {
	return r.Code >= 200 && r.Code <= 299
}

// JobUpdater writes fields of a job record. Implemented by the record
// store gateway
type JobUpdater interface {
	UpdateJob(recordID int, fields map[string]interface{}) error
}

// Client calls the external processing webhooks
type Client struct {
	urls        map[Target]string
	client      *http.Client
	shortClient *http.Client
	store       JobUpdater
	anonymize   func(string) string
	backoffFn   func() backoff.BackOff
}

func storeBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}

// NewClient creates a webhook client with target URLs taken from config
func NewClient(updater JobUpdater) (*Client, error) {
	if updater == nil {
		return nil, errors.New("no job updater")
	}
	res := Client{}
	res.urls = make(map[Target]string)
	for _, t := range []Target{Processing, OCR, RawText, Retry} {
		url, err := utils.GetURLFromConfig("webhook.url." + string(t))
		if err != nil {
			return nil, err
		}
		res.urls[t] = url
	}
	res.client = &http.Client{Timeout: defaultTimeout}
	res.shortClient = &http.Client{Timeout: shortTimeout}
	res.store = updater
	res.anonymize = anonymizer.Anonymize
	res.backoffFn = storeBackoff
	return &res, nil
}

// Send posts the payload and blocks for the webhook answer.
// A non 2xx answer is not an error here, the caller decides what to pass through
func (c *Client) Send(target Target, p Payload) (*Response, error) {
	urlStr, err := c.url(target)
	if err != nil {
		return nil, err
	}
	if p.CharCount == 0 {
		p.CharCount = len(p.Text)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "can't marshal payload")
	}
	cmdapp.Log.Infof("Sending to %s webhook: %s", target, utils.URLToLog(urlStr))
	resp, err := c.clientFor(p.Text).Post(urlStr, "application/json", bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrapf(err, "can't call %s webhook", target)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "can't read response")
	}
	return &Response{Code: resp.StatusCode, Body: body}, nil
}

// SendAsync posts the payload from a detached goroutine and returns at once.
// On transport failure or a non 2xx answer the local anonymizer output is
// written into the job record instead
func (c *Client) SendAsync(target Target, p Payload) {
	go c.sendWithRecovery(target, p)
}

func (c *Client) sendWithRecovery(target Target, p Payload) {
	resp, err := c.Send(target, p)
	if err == nil && resp.Success() {
		return
	}
	if err != nil {
		cmdapp.Log.Error(err)
	} else {
		cmdapp.Log.Errorf("%s webhook answered %d", target, resp.Code)
	}
	c.recover(p)
}

// recover runs the degraded local substitution and stores its result.
// The job completes with degraded output rather than staying stuck
func (c *Client) recover(p Payload) {
	if p.ID == 0 || p.Text == "" {
		return
	}
	out := c.anonymize(p.Text)
	op := func() error {
		return c.store.UpdateJob(p.ID, map[string]interface{}{
			store.FldOutputText: out,
			store.FldAIResponse: out,
		})
	}
	err := backoff.Retry(op, c.backoffFn())
	if err != nil {
		cmdapp.Log.Error(errors.Wrapf(err, "can't save fallback output for record %d", p.ID))
	}
}

// SendFile posts a document to the OCR webhook as a multipart form.
// The extracted text arrives later through the record store
func (c *Client) SendFile(target Target, recordID int, fileName string, file io.Reader) error {
	urlStr, err := c.url(target)
	if err != nil {
		return err
	}
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return errors.Wrap(err, "can't add file to request")
	}
	_, err = io.Copy(part, file)
	if err != nil {
		return errors.Wrap(err, "can't add file to request")
	}
	writer.WriteField("job_id", strconv.Itoa(recordID))
	writer.Close()
	req, err := http.NewRequest(http.MethodPost, urlStr, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	cmdapp.Log.Infof("Sending file %s to %s webhook", fileName, target)
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "can't call %s webhook", target)
	}
	defer resp.Body.Close()
	err = utils.ValidateResponse(resp)
	if err != nil {
		return errors.Wrap(err, "can't send file")
	}
	return nil
}

func (c *Client) url(target Target) (string, error) {
	res, ok := c.urls[target]
	if !ok || res == "" {
		return "", errors.Errorf("no URL for %s webhook", target)
	}
	return res, nil
}

func (c *Client) clientFor(text string) *http.Client {
	if len(text) < shortTextLimit {
		return c.shortClient
	}
	return c.client
}
