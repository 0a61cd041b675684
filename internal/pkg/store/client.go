package store

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anymize/anymize/internal/pkg/cmdapp"
	"github.com/anymize/anymize/internal/pkg/utils"
	"github.com/pkg/errors"

	"github.com/hashicorp/go-retryablehttp"
)

const tokenHeader = "xc-token"

// Client comunicates with the record store
type Client struct {
	httpclient  *retryablehttp.Client
	writeclient *http.Client
	jobsURL     string
	usersURL    string
	linkURL     string
	token       string
	cache       *jobCache
}

// NewClient creates a record store client
func NewClient() (*Client, error) {
	res := Client{}
	var err error
	res.jobsURL, err = utils.GetURLFromConfig("store.url.jobs")
	if err != nil {
		return nil, err
	}
	res.usersURL, err = utils.GetURLFromConfig("store.url.users")
	if err != nil {
		return nil, err
	}
	res.linkURL, err = utils.GetURLFromConfig("store.url.jobUserLink")
	if err != nil {
		return nil, err
	}
	res.token = cmdapp.Config.GetString("store.token")
	if res.token == "" {
		return nil, errors.New("No store.token setting provided")
	}
	res.httpclient = retryablehttp.NewClient()
	res.httpclient.RetryMax = 3
	res.httpclient.Logger = nil
	res.writeclient = &http.Client{Timeout: 10 * time.Second}
	res.cache = newJobCache(cmdapp.Config.GetDuration("store.cacheTTL"))
	return &res, nil
}

// CreateJob creates a job record and returns it with the assigned record ID
func (c *Client) CreateJob(fields map[string]interface{}) (*Job, error) {
	body, err := c.sendJSON(http.MethodPost, c.jobsURL, fields)
	if err != nil {
		return nil, errors.Wrap(err, "Can't create job")
	}
	res, err := parseJob(body)
	if err != nil {
		return nil, err
	}
	if res.RecordID <= 0 {
		return nil, errors.Errorf("No record ID in create response: %s", trim(body))
	}
	if iID, ok := fields[FldInternalID].(string); ok && res.InternalID == "" {
		res.InternalID = iID
	}
	return res, nil
}

// GetJob resolves the identifier to a job record.
// The identifier may be the numeric record ID or the client assigned internal ID.
func (c *Client) GetJob(identifier string, skipLog bool) (*Job, error) {
	id := strings.TrimSpace(identifier)
	if id == "" || strings.Contains(id, "{{") || strings.Contains(id, "}}") {
		return nil, ErrNotFound
	}
	if job, f := c.cache.get(id); f {
		return job, nil
	}
	if isNumeric(id) {
		if !skipLog {
			cmdapp.Log.Infof("Job lookup by record ID %s", id)
		}
		body, err := c.getJSON(utils.URLJoin(c.jobsURL, id))
		if err == nil {
			job, errP := parseJob(body)
			if errP == nil && job.RecordID > 0 {
				c.cache.put(id, job)
				return job, nil
			}
		} else if !skipLog {
			cmdapp.Log.Warnf("Direct job lookup failed: %s", err.Error())
		}
	}
	if !skipLog {
		cmdapp.Log.Infof("Job lookup by internal ID %s", id)
	}
	prms := url.Values{}
	prms.Set("where", "("+FldInternalID+",eq,"+id+")")
	prms.Set("limit", "1")
	body, err := c.getJSON(c.jobsURL + "?" + prms.Encode())
	if err != nil {
		return nil, err
	}
	list, err := parseList(body)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	job, err := parseJob(list[0])
	if err != nil {
		return nil, err
	}
	c.cache.put(id, job)
	return job, nil
}

// UpdateJob patches the changed fields of one job record.
// All mutation fields are expected in a single call - the store has no transactions.
func (c *Client) UpdateJob(recordID int, fields map[string]interface{}) error {
	err := c.updateRecord(c.jobsURL, recordID, fields)
	if err == nil {
		c.cache.drop(asKey(recordID))
	}
	return err
}

func (c *Client) updateRecord(baseURL string, recordID int, fields map[string]interface{}) error {
	payload := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["Id"] = recordID
	_, err := c.sendJSON(http.MethodPatch, baseURL, payload)
	if err == nil {
		return nil
	}
	// some deployments only accept the POST /records/{id} shape
	cmdapp.Log.Warnf("Record update failed, trying alternate shape: %s", err.Error())
	_, err = c.sendJSON(http.MethodPost, utils.URLJoin(baseURL, strconv.Itoa(recordID)), payload)
	if err != nil {
		return errors.Wrap(err, "Can't update record")
	}
	return nil
}

// LinkJobToUser links a job record to its owning user
func (c *Client) LinkJobToUser(recordID, userID int) error {
	if recordID <= 0 || userID <= 0 {
		return errors.Errorf("Wrong link ids %d, %d", recordID, userID)
	}
	_, err := c.sendJSON(http.MethodPost, utils.URLJoin(c.linkURL, strconv.Itoa(recordID)),
		[]map[string]interface{}{{"Id": userID}})
	if err != nil {
		return errors.Wrap(err, "Can't link job to user")
	}
	return nil
}

// IsJobLinkedToUser tells if the job record is linked to the user
func (c *Client) IsJobLinkedToUser(recordID, userID int) (bool, error) {
	if recordID <= 0 || userID <= 0 {
		return false, nil
	}
	body, err := c.getJSON(utils.URLJoin(c.linkURL, strconv.Itoa(recordID)))
	if err != nil {
		return false, errors.Wrap(err, "Can't get job links")
	}
	return containsRecordID(body, userID), nil
}

// containsRecordID checks linked records in any of the shapes the store returns:
// a single object, {list: [...]} or a bare array
func containsRecordID(body []byte, id int) bool {
	var one struct {
		RecordID int `json:"Id"`
	}
	if err := json.Unmarshal(unwrap(body), &one); err == nil && one.RecordID == id {
		return true
	}
	list, err := parseList(body)
	if err != nil {
		return false
	}
	for _, r := range list {
		if err := json.Unmarshal(r, &one); err == nil && one.RecordID == id {
			return true
		}
	}
	return false
}

// GetUserByEmail fetches the user record by email
func (c *Client) GetUserByEmail(email string) (*User, error) {
	prms := url.Values{}
	prms.Set("where", "(email,eq,"+email+")")
	prms.Set("limit", "1")
	body, err := c.getJSON(c.usersURL + "?" + prms.Encode())
	if err != nil {
		return nil, err
	}
	list, err := parseList(body)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return parseUser(list[0])
}

// CreateUser creates a user record
func (c *Client) CreateUser(fields map[string]interface{}) (*User, error) {
	body, err := c.sendJSON(http.MethodPost, c.usersURL, fields)
	if err != nil {
		return nil, errors.Wrap(err, "Can't create user")
	}
	res, err := parseUser(body)
	if err != nil {
		return nil, err
	}
	if res.RecordID <= 0 {
		return nil, errors.Errorf("No record ID in create response: %s", trim(body))
	}
	return res, nil
}

// UpdateUser patches the changed fields of one user record
func (c *Client) UpdateUser(recordID int, fields map[string]interface{}) error {
	return c.updateRecord(c.usersURL, recordID, fields)
}

// Healthy checks the record store connection, for the liveness probe
func (c *Client) Healthy() error {
	_, err := c.getJSON(c.jobsURL + "?limit=1")
	return err
}

func (c *Client) getJSON(urlStr string) ([]byte, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req.Header)
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "can't call %s: %s", utils.URLToLog(urlStr), err.Error())
	}
	defer resp.Body.Close()
	if err := utils.ValidateResponse(resp); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "%s", err.Error())
	}
	return ioutil.ReadAll(resp.Body)
}

func (c *Client) sendJSON(method, urlStr string, payload interface{}) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "Can't marshal payload")
	}
	req, err := http.NewRequest(method, urlStr, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req.Header)
	resp, err := c.writeclient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "can't call %s: %s", utils.URLToLog(urlStr), err.Error())
	}
	defer resp.Body.Close()
	if err := utils.ValidateResponse(resp); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "%s", err.Error())
	}
	return ioutil.ReadAll(resp.Body)
}

func (c *Client) setHeaders(h http.Header) {
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set(tokenHeader, c.token)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func trim(b []byte) string {
	if len(b) > 100 {
		return string(b[:100]) + "..."
	}
	return string(b)
}
