package web

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"

	"github.com/anymize/anymize/internal/pkg/store"
)

type testUsers struct {
	user      *store.User
	getErr    error
	created   []map[string]interface{}
	updates   []map[string]interface{}
	createErr error
	updateErr error
}

func (u *testUsers) GetUserByEmail(email string) (*store.User, error) {
	return u.user, u.getErr
}

func (u *testUsers) CreateUser(fields map[string]interface{}) (*store.User, error) {
	u.created = append(u.created, fields)
	if u.createErr != nil {
		return nil, u.createErr
	}
	return &store.User{RecordID: 42, Email: fields["email"].(string)}, nil
}

func (u *testUsers) UpdateUser(recordID int, fields map[string]interface{}) error {
	u.updates = append(u.updates, fields)
	return u.updateErr
}

func withCode(code string, f func()) {
	old := codeFn
	codeFn = func() string { return code }
	defer func() { codeFn = old }()
	f()
}

func TestPadCode(t *testing.T) {
	assert.Equal(t, "000123", padCode("123"))
	assert.Equal(t, "123456", padCode("123456"))
	assert.Equal(t, "000000", padCode("0"))
	assert.Equal(t, "001000", padCode("1000"))
}

func TestSendCode(t *testing.T) {
	Convey("Given a HTTP request for /auth/send-code from a new email", t, func() {
		users := &testUsers{getErr: store.ErrNotFound}
		sender := &testMailSender{}
		req := httptest.NewRequest("POST", "/auth/send-code", strings.NewReader("email=New%40Example.com"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()

		Convey("When the request is handled by the Router", func() {
			withCode("000123", func() {
				NewRouter(&ServiceData{Users: users, Sender: sender, Maker: testMaker{}}).ServeHTTP(resp, req)
			})

			Convey("Then the response should be a 200", func() {
				So(resp.Code, ShouldEqual, 200)
				So(resp.Body.String(), ShouldContainSubstring, `"status":"sent"`)
			})
			Convey("Then a user record is created for the lowercased email", func() {
				So(len(users.created), ShouldEqual, 1)
				So(users.created[0]["email"], ShouldEqual, "new@example.com")
			})
			Convey("Then the code is stored and mailed", func() {
				So(len(users.updates), ShouldEqual, 1)
				So(users.updates[0]["code"], ShouldEqual, "000123")
				So(len(sender.sent), ShouldEqual, 1)
				So(string(sender.sent[0].Text), ShouldContainSubstring, "000123")
			})
		})
	})
}

func TestSendCodeExistingUser(t *testing.T) {
	Convey("Given a HTTP request for /auth/send-code from a known email", t, func() {
		users := &testUsers{user: &store.User{RecordID: 42, Email: "a@example.com"}}
		sender := &testMailSender{}
		req := httptest.NewRequest("POST", "/auth/send-code", strings.NewReader("email=a%40example.com"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Users: users, Sender: sender, Maker: testMaker{}}).ServeHTTP(resp, req)

			Convey("Then no new record is created", func() {
				So(resp.Code, ShouldEqual, 200)
				So(len(users.created), ShouldEqual, 0)
				So(len(users.updates), ShouldEqual, 1)
			})
		})
	})
}

func TestSendCodeWrongEmail(t *testing.T) {
	Convey("Given a HTTP request for /auth/send-code with a malformed email", t, func() {
		req := httptest.NewRequest("POST", "/auth/send-code", strings.NewReader("email=not-an-email"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Users: &testUsers{}}).ServeHTTP(resp, req)

			Convey("Then the response should be a 400", func() {
				So(resp.Code, ShouldEqual, 400)
			})
		})
	})
}

func TestSendCodeMailFails(t *testing.T) {
	Convey("Given a HTTP request for /auth/send-code", t, func() {
		users := &testUsers{user: &store.User{RecordID: 42}}
		sender := &testMailSender{err: errors.New("smtp down")}
		req := httptest.NewRequest("POST", "/auth/send-code", strings.NewReader("email=a%40example.com"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()

		Convey("When the smtp server is down", func() {
			NewRouter(&ServiceData{Users: users, Sender: sender, Maker: testMaker{}}).ServeHTTP(resp, req)

			Convey("Then the response should be a 500", func() {
				So(resp.Code, ShouldEqual, 500)
			})
		})
	})
}

func TestVerify(t *testing.T) {
	Convey("Given a HTTP request for /auth/verify", t, func() {
		// the record store stores the code numerically and drops leading zeros
		users := &testUsers{user: &store.User{RecordID: 42, Email: "a@example.com", Code: "123"}}
		req := httptest.NewRequest("POST", "/auth/verify", strings.NewReader("email=a%40example.com&code=000123"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()

		Convey("When the padded codes match", func() {
			NewRouter(&ServiceData{Users: users,
				Sessions: sessions.NewCookieStore([]byte("test-key"))}).ServeHTTP(resp, req)

			Convey("Then the response should be a 200 with a session cookie", func() {
				So(resp.Code, ShouldEqual, 200)
				So(resp.Body.String(), ShouldContainSubstring, `"status":"ok"`)
				So(resp.Header().Get("Set-Cookie"), ShouldContainSubstring, sessionName)
			})
		})
	})
}

func TestVerifyShortInput(t *testing.T) {
	Convey("Given a HTTP request for /auth/verify with an unpadded code", t, func() {
		users := &testUsers{user: &store.User{RecordID: 42, Email: "a@example.com", Code: "123"}}
		req := httptest.NewRequest("POST", "/auth/verify", strings.NewReader("email=a%40example.com&code=123"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()

		Convey("When the user typed the code without leading zeros", func() {
			NewRouter(&ServiceData{Users: users,
				Sessions: sessions.NewCookieStore([]byte("test-key"))}).ServeHTTP(resp, req)

			Convey("Then the response should still be a 200", func() {
				So(resp.Code, ShouldEqual, 200)
			})
		})
	})
}

func TestVerifyWrongCode(t *testing.T) {
	Convey("Given a HTTP request for /auth/verify with a wrong code", t, func() {
		users := &testUsers{user: &store.User{RecordID: 42, Email: "a@example.com", Code: "123456"}}
		req := httptest.NewRequest("POST", "/auth/verify", strings.NewReader("email=a%40example.com&code=654321"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp := httptest.NewRecorder()

		Convey("When the codes do not match", func() {
			NewRouter(&ServiceData{Users: users,
				Sessions: sessions.NewCookieStore([]byte("test-key"))}).ServeHTTP(resp, req)

			Convey("Then the response should be a 401", func() {
				So(resp.Code, ShouldEqual, 401)
			})
		})
	})
}

func TestLogout(t *testing.T) {
	Convey("Given a HTTP request for /auth/logout", t, func() {
		req := httptest.NewRequest("POST", "/auth/logout", nil)
		resp := httptest.NewRecorder()

		Convey("When the request is handled by the Router", func() {
			NewRouter(&ServiceData{Sessions: sessions.NewCookieStore([]byte("test-key"))}).ServeHTTP(resp, req)

			Convey("Then the response should be a 200", func() {
				So(resp.Code, ShouldEqual, 200)
				So(resp.Body.String(), ShouldContainSubstring, `"status":"ok"`)
			})
		})
	})
}

func TestSessionLinksUploads(t *testing.T) {
	Convey("Given a signed in user", t, func() {
		store42 := sessions.NewCookieStore([]byte("test-key"))
		users := &testUsers{user: &store.User{RecordID: 42, Email: "a@example.com", Code: "123456"}}
		jobs := &testJobs{}
		data := &ServiceData{Users: users, Jobs: jobs,
			Controller: &testController{job: testJob()}, Sessions: store42}
		router := NewRouter(data)

		verifyReq := httptest.NewRequest("POST", "/auth/verify", strings.NewReader("email=a%40example.com&code=123456"))
		verifyReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		verifyResp := httptest.NewRecorder()
		router.ServeHTTP(verifyResp, verifyReq)
		So(verifyResp.Code, ShouldEqual, 200)
		cookie := verifyResp.Header().Get("Set-Cookie")

		Convey("When the user uploads a text with the session cookie", func() {
			req := httptest.NewRequest("POST", "/upload_text", strings.NewReader(`{"text":"hello"}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Cookie", cookie)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			Convey("Then the job is linked to the user", func() {
				So(resp.Code, ShouldEqual, 200)
				So(jobs.links, ShouldResemble, []int{42})
			})
		})
	})
}
