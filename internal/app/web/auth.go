package web

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/pkg/errors"

	"github.com/anymize/anymize/internal/pkg/cmdapp"
	"github.com/anymize/anymize/internal/pkg/store"
)

const sessionName = "anymize_session"
const sessionUserKey = "user_id"

var codeFn = newCode

// newCode makes a 6 digit verification code, zero-padded.
// The store keeps the field numerically so comparison pads again
func newCode() string {
	return fmt.Sprintf("%06d", rand.Intn(1000000))
}

func padCode(code string) string {
	for len(code) < 6 {
		code = "0" + code
	}
	return code
}

type sendCodeHandler struct {
	data *ServiceData
}

func (h sendCodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(strings.ToLower(r.FormValue("email")))
	if err := checkmail.ValidateFormat(email); err != nil {
		http.Error(w, "Wrong email", http.StatusBadRequest)
		return
	}
	user, err := h.data.Users.GetUserByEmail(email)
	if err != nil && errors.Cause(err) != store.ErrNotFound {
		http.Error(w, "Can't get user", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if user == nil {
		user, err = h.data.Users.CreateUser(map[string]interface{}{"email": email})
		if err != nil {
			http.Error(w, "Can't create user", http.StatusInternalServerError)
			cmdapp.Log.Error(err)
			return
		}
	}
	code := codeFn()
	if err = h.data.Users.UpdateUser(user.RecordID, map[string]interface{}{"code": code}); err != nil {
		http.Error(w, "Can't save code", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	msg, err := h.data.Maker.Make(email, code)
	if err != nil {
		http.Error(w, "Can't prepare email", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if err = h.data.Sender.Send(msg); err != nil {
		http.Error(w, "Can't send email", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	cmdapp.Log.Infof("Sent verification code to %s", email)
	writeJSON(w, map[string]string{"status": "sent"})
}

type verifyHandler struct {
	data *ServiceData
}

func (h verifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(strings.ToLower(r.FormValue("email")))
	code := strings.TrimSpace(r.FormValue("code"))
	if email == "" || code == "" {
		http.Error(w, "Missing email or code", http.StatusBadRequest)
		return
	}
	user, err := h.data.Users.GetUserByEmail(email)
	if err != nil || user == nil {
		http.Error(w, "Wrong email or code", http.StatusUnauthorized)
		return
	}
	if user.PaddedCode() != padCode(code) {
		http.Error(w, "Wrong email or code", http.StatusUnauthorized)
		return
	}
	session, _ := h.data.Sessions.Get(r, sessionName)
	session.Values[sessionUserKey] = user.RecordID
	if err = session.Save(r, w); err != nil {
		http.Error(w, "Can't save session", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	cmdapp.Log.Infof("User %d signed in", user.RecordID)
	writeJSON(w, map[string]string{"status": "ok"})
}

type logoutHandler struct {
	data *ServiceData
}

func (h logoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, _ := h.data.Sessions.Get(r, sessionName)
	delete(session.Values, sessionUserKey)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		cmdapp.Log.Error(err)
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// sessionUserID returns the signed in user's record id, 0 for anonymous
func sessionUserID(data *ServiceData, r *http.Request) int {
	if data.Sessions == nil {
		return 0
	}
	session, err := data.Sessions.Get(r, sessionName)
	if err != nil {
		return 0
	}
	if id, ok := session.Values[sessionUserKey].(int); ok {
		return id
	}
	return 0
}

// canAccess applies the ownership boundary. A signed in user sees only the
// jobs linked to them, anonymous callers keep the legacy open access
func canAccess(data *ServiceData, r *http.Request, job *store.Job) bool {
	userID := sessionUserID(data, r)
	if userID == 0 {
		return true
	}
	linked, err := data.Jobs.IsJobLinkedToUser(job.RecordID, userID)
	if err != nil {
		cmdapp.Log.Error(err)
		return false
	}
	return linked
}
