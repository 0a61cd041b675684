package web

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jordan-wright/email"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/anymize/anymize/internal/app/lifecycle"
	"github.com/anymize/anymize/internal/pkg/dispatch"
	"github.com/anymize/anymize/internal/pkg/store"
)

type testController struct {
	job       *store.Job
	resp      *dispatch.Response
	poll      *lifecycle.PollResult
	createErr error
	pollErr   error
	created   []string
	targets   []dispatch.Target
}

func (c *testController) Create(text string) (*store.Job, error) {
	c.created = append(c.created, text)
	return c.job, c.createErr
}

func (c *testController) CreateAndDispatch(text string, mode lifecycle.Mode, target dispatch.Target) (*store.Job, *dispatch.Response, error) {
	c.created = append(c.created, text)
	c.targets = append(c.targets, target)
	return c.job, c.resp, c.createErr
}

func (c *testController) PollOnce(identifier string, attempt int) (*lifecycle.PollResult, error) {
	return c.poll, c.pollErr
}

type testJobs struct {
	job     *store.Job
	err     error
	links   []int
	linked  bool
	linkErr error
}

func (j *testJobs) GetJob(identifier string, skipLog bool) (*store.Job, error) {
	return j.job, j.err
}

func (j *testJobs) LinkJobToUser(recordID, userID int) error {
	j.links = append(j.links, userID)
	return j.linkErr
}

func (j *testJobs) IsJobLinkedToUser(recordID, userID int) (bool, error) {
	return j.linked, j.linkErr
}

type testFileSender struct {
	err   error
	calls int
	jobID int
	name  string
}

func (s *testFileSender) SendFile(target dispatch.Target, recordID int, fileName string, file io.Reader) error {
	s.calls++
	s.jobID = recordID
	s.name = fileName
	return s.err
}

type testFileSaver struct {
	err   error
	saved []string
}

func (s *testFileSaver) Save(name string, reader io.Reader) error {
	s.saved = append(s.saved, name)
	return s.err
}

type testMailSender struct {
	sent []*email.Email
	err  error
}

func (s *testMailSender) Send(m *email.Email) error {
	s.sent = append(s.sent, m)
	return s.err
}

type testMaker struct {
	err error
}

func (m testMaker) Make(to, code string) (*email.Email, error) {
	if m.err != nil {
		return nil, m.err
	}
	r := email.NewEmail()
	r.To = []string{to}
	r.Text = []byte("Code: " + code)
	return r, nil
}

func testJob() *store.Job {
	return &store.Job{RecordID: 7, InternalID: "id-77", InputText: "some text", Status: "processing"}
}

func uploadRequest(fileName string) *http.Request {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", fileName)
	_, _ = io.Copy(part, strings.NewReader("file content"))
	writer.Close()
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestWrongPath(t *testing.T) {
	Convey("Given a HTTP request for /invalid", t, func() {
		req := httptest.NewRequest("GET", "/invalid", nil)
		resp := httptest.NewRecorder()

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{}).ServeHTTP(resp, req)

			Convey("Then the response should be a 404", func() {
				So(resp.Code, ShouldEqual, 404)
			})
		})
	})
}

func TestUploadNoFile(t *testing.T) {
	Convey("Given a HTTP request for /upload without a file", t, func() {
		req := httptest.NewRequest("POST", "/upload", nil)
		resp := httptest.NewRecorder()

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{}).ServeHTTP(resp, req)

			Convey("Then the response should be a 400", func() {
				So(resp.Code, ShouldEqual, 400)
			})
		})
	})
}

func TestUpload(t *testing.T) {
	Convey("Given a HTTP request for /upload", t, func() {
		req := uploadRequest("doc.pdf")
		resp := httptest.NewRecorder()
		ctrl := &testController{job: testJob()}
		saver := &testFileSaver{}
		sender := &testFileSender{}

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: ctrl, FileSaver: saver, FileSender: sender,
				Jobs: &testJobs{}}).ServeHTTP(resp, req)

			Convey("Then the response should be a 200", func() {
				So(resp.Code, ShouldEqual, 200)
			})
			Convey("Then the response body should contain the job id", func() {
				So(resp.Body.String(), ShouldContainSubstring, `"id":"id-77"`)
			})
			Convey("Then the file is saved under the record id", func() {
				So(saver.saved, ShouldResemble, []string{"7.pdf"})
			})
			Convey("Then the file is sent for extraction", func() {
				So(sender.calls, ShouldEqual, 1)
				So(sender.jobID, ShouldEqual, 7)
				So(sender.name, ShouldEqual, "doc.pdf")
			})
		})
	})
}

func TestUploadWrongExtension(t *testing.T) {
	Convey("Given a HTTP request for /upload with a wrong file type", t, func() {
		req := uploadRequest("doc.exe")
		resp := httptest.NewRecorder()
		ctrl := &testController{job: testJob()}

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: ctrl}).ServeHTTP(resp, req)

			Convey("Then the response should be a 400", func() {
				So(resp.Code, ShouldEqual, 400)
			})
			Convey("Then no job is created", func() {
				So(len(ctrl.created), ShouldEqual, 0)
			})
		})
	})
}

func TestUploadSendFails(t *testing.T) {
	Convey("Given a HTTP request for /upload", t, func() {
		req := uploadRequest("doc.pdf")
		resp := httptest.NewRecorder()
		sender := &testFileSender{err: errors.New("webhook down")}

		Convey("When the extraction webhook fails", func() {
			NewRouter(&ServiceData{Controller: &testController{job: testJob()},
				FileSaver: &testFileSaver{}, FileSender: sender,
				Jobs: &testJobs{}}).ServeHTTP(resp, req)

			Convey("Then the response should be a 502", func() {
				So(resp.Code, ShouldEqual, 502)
			})
		})
	})
}

func TestUploadText(t *testing.T) {
	Convey("Given a HTTP request for /upload_text", t, func() {
		req := httptest.NewRequest("POST", "/upload_text", strings.NewReader(`{"text":"hello there"}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		ctrl := &testController{job: testJob()}

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: ctrl, Jobs: &testJobs{}}).ServeHTTP(resp, req)

			Convey("Then the response should be a 200 with the job id", func() {
				So(resp.Code, ShouldEqual, 200)
				So(resp.Body.String(), ShouldContainSubstring, `"id":"id-77"`)
			})
			Convey("Then the text goes to the raw text webhook", func() {
				So(ctrl.created, ShouldResemble, []string{"hello there"})
				So(ctrl.targets, ShouldResemble, []dispatch.Target{dispatch.RawText})
			})
		})
	})
}

func TestUploadTextEmpty(t *testing.T) {
	Convey("Given a HTTP request for /upload_text without text", t, func() {
		req := httptest.NewRequest("POST", "/upload_text", strings.NewReader(`{"text":"  "}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: &testController{}}).ServeHTTP(resp, req)

			Convey("Then the response should be a 400", func() {
				So(resp.Code, ShouldEqual, 400)
			})
		})
	})
}

func TestAPIAnonymize(t *testing.T) {
	Convey("Given a HTTP request for /api/anonymize", t, func() {
		req := httptest.NewRequest("POST", "/api/anonymize", strings.NewReader("text=confidential"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()
		ctrl := &testController{job: testJob(),
			resp: &dispatch.Response{Code: 200, Body: []byte(`{"anonymized":"[NAME]"}`)}}

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: ctrl}).ServeHTTP(resp, req)

			Convey("Then the webhook answer is passed through unchanged", func() {
				So(resp.Code, ShouldEqual, 200)
				So(resp.Body.String(), ShouldEqual, `{"anonymized":"[NAME]"}`)
			})
			Convey("Then the call is synchronous to the processing webhook", func() {
				So(ctrl.targets, ShouldResemble, []dispatch.Target{dispatch.Processing})
			})
		})
	})
}

func TestAPIAnonymizeEmpty(t *testing.T) {
	Convey("Given a HTTP request for /api/anonymize without text", t, func() {
		req := httptest.NewRequest("POST", "/api/anonymize", nil)
		resp := httptest.NewRecorder()

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: &testController{}}).ServeHTTP(resp, req)

			Convey("Then the response should be a 400", func() {
				So(resp.Code, ShouldEqual, 400)
			})
		})
	})
}

func TestAPIAnonymizeFails(t *testing.T) {
	Convey("Given a HTTP request for /api/anonymize", t, func() {
		req := httptest.NewRequest("POST", "/api/anonymize", strings.NewReader("text=confidential"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()
		ctrl := &testController{createErr: errors.New("can't dispatch")}

		Convey("When the processing webhook is unreachable", func() {
			NewRouter(&ServiceData{Controller: ctrl}).ServeHTTP(resp, req)

			Convey("Then the response should be a 502", func() {
				So(resp.Code, ShouldEqual, 502)
			})
		})
	})
}

func TestResult(t *testing.T) {
	Convey("Given a HTTP request for /result/{id}", t, func() {
		req := httptest.NewRequest("GET", "/result/id-77?attempt=3", nil)
		resp := httptest.NewRecorder()
		ctrl := &testController{poll: &lifecycle.PollResult{JobID: "id-77",
			Status: lifecycle.StatusComplete, Attempt: 3, RawText: "done"}}

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: ctrl}).ServeHTTP(resp, req)

			Convey("Then the response should be a 200 with the poll result", func() {
				So(resp.Code, ShouldEqual, 200)
				So(resp.Body.String(), ShouldContainSubstring, `"status":"complete"`)
				So(resp.Body.String(), ShouldContainSubstring, `"raw_anonymized_text":"done"`)
			})
		})
	})
}

func TestResultInvalidID(t *testing.T) {
	Convey("Given a HTTP request for /result/{id} with a rejected id", t, func() {
		req := httptest.NewRequest("GET", "/result/bad", nil)
		resp := httptest.NewRecorder()
		ctrl := &testController{pollErr: lifecycle.ErrInvalidInput}

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: ctrl}).ServeHTTP(resp, req)

			Convey("Then the response should be a 400", func() {
				So(resp.Code, ShouldEqual, 400)
				So(resp.Body.String(), ShouldContainSubstring, "No valid job id provided")
			})
		})
	})
}

func TestResultNotFound(t *testing.T) {
	Convey("Given a HTTP request for /result/{id} of an unknown job", t, func() {
		req := httptest.NewRequest("GET", "/result/id-na", nil)
		resp := httptest.NewRecorder()
		ctrl := &testController{pollErr: store.ErrNotFound}

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Controller: ctrl}).ServeHTTP(resp, req)

			Convey("Then the response should be a 404", func() {
				So(resp.Code, ShouldEqual, 404)
				So(resp.Body.String(), ShouldContainSubstring, "Job not found")
			})
		})
	})
}

func TestResultOpaqueError(t *testing.T) {
	Convey("Given a HTTP request for /result/{id}", t, func() {
		req := httptest.NewRequest("GET", "/result/id-77", nil)
		resp := httptest.NewRecorder()
		ctrl := &testController{pollErr: errors.New("secret db address refused connection")}

		Convey("When polling fails internally", func() {
			NewRouter(&ServiceData{Controller: ctrl}).ServeHTTP(resp, req)

			Convey("Then the response should be a 500", func() {
				So(resp.Code, ShouldEqual, 500)
			})
			Convey("Then the body carries an opaque error id, not the cause", func() {
				So(resp.Body.String(), ShouldContainSubstring, "Error ")
				So(resp.Body.String(), ShouldNotContainSubstring, "secret db address")
			})
		})
	})
}

func TestStatus(t *testing.T) {
	Convey("Given a HTTP request for /status/{id}", t, func() {
		resp := httptest.NewRecorder()

		Convey("When the job is still processing", func() {
			jobs := &testJobs{job: testJob()}
			req := httptest.NewRequest("GET", "/status/id-77", nil)
			NewRouter(&ServiceData{Jobs: jobs}).ServeHTTP(resp, req)

			Convey("Then the status is processing", func() {
				So(resp.Code, ShouldEqual, 200)
				So(resp.Body.String(), ShouldContainSubstring, `"status":"processing"`)
			})
		})
		Convey("When the job has output text", func() {
			job := testJob()
			job.OutputText = "anonymized"
			jobs := &testJobs{job: job}
			req := httptest.NewRequest("GET", "/status/id-77", nil)
			NewRouter(&ServiceData{Jobs: jobs}).ServeHTTP(resp, req)

			Convey("Then the status is complete", func() {
				So(resp.Code, ShouldEqual, 200)
				So(resp.Body.String(), ShouldContainSubstring, `"status":"complete"`)
			})
		})
	})
}
