package web

import (
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anymize/anymize/internal/app/lifecycle"
	"github.com/anymize/anymize/internal/pkg/cmdapp"
	"github.com/anymize/anymize/internal/pkg/dispatch"
	"github.com/anymize/anymize/internal/pkg/mail"
	"github.com/anymize/anymize/internal/pkg/store"
)

// Controller drives the job flow for the HTTP handlers
type Controller interface {
	Create(text string) (*store.Job, error)
	CreateAndDispatch(text string, mode lifecycle.Mode, target dispatch.Target) (*store.Job, *dispatch.Response, error)
	PollOnce(identifier string, attempt int) (*lifecycle.PollResult, error)
}

// JobStore is the record store part the handlers use directly
type JobStore interface {
	GetJob(identifier string, skipLog bool) (*store.Job, error)
	LinkJobToUser(recordID, userID int) error
	IsJobLinkedToUser(recordID, userID int) (bool, error)
}

// UserStore keeps the auth records
type UserStore interface {
	GetUserByEmail(email string) (*store.User, error)
	CreateUser(fields map[string]interface{}) (*store.User, error)
	UpdateUser(recordID int, fields map[string]interface{}) error
}

// FileSender forwards an upload to the OCR webhook
type FileSender interface {
	SendFile(target dispatch.Target, recordID int, fileName string, file io.Reader) error
}

// FileSaver saves an upload to local storage
type FileSaver interface {
	Save(name string, reader io.Reader) error
}

type serviceMetric struct {
	uploadResponseDur prometheus.ObserverVec
	uploadRequestSize prometheus.ObserverVec
	pollResponseDur   prometheus.ObserverVec
}

// ServiceData keeps data required for service work
type ServiceData struct {
	Controller Controller
	Jobs       JobStore
	Users      UserStore
	FileSaver  FileSaver
	FileSender FileSender
	Sender     mail.Sender
	Maker      mail.EmailMaker
	Sessions   sessions.Store

	Port    int
	health  healthcheck.Handler
	metrics serviceMetric
}

// IDResult - job creation response in JSON
type IDResult struct {
	ID string `json:"id"`
}

type errorResult struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// StartWebServer starts the HTTP service and listens for the requests
func StartWebServer(data *ServiceData) error {
	cmdapp.Log.Infof("Starting HTTP service at %d", data.Port)
	r := NewRouter(data)

	portStr := strconv.Itoa(data.Port)
	srv := http.Server{
		Addr:              ":" + portStr,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       180 * time.Second,
		Handler:           r,
	}

	w := cmdapp.Log.Writer()
	defer w.Close()
	l := log.New(w, "", 0)
	gracehttp.SetLogger(l)

	return gracehttp.Serve(&srv)
}

// NewRouter creates the router for HTTP service
func NewRouter(data *ServiceData) *mux.Router {
	if data.health == nil {
		data.health = healthcheck.NewHandler()
	}
	router := mux.NewRouter().StrictSlash(true)
	uh := promWrap(data.metrics.uploadResponseDur,
		promWrapSize(data.metrics.uploadRequestSize, uploadHandler{data: data}))
	rh := promWrap(data.metrics.pollResponseDur, resultHandler{data: data})
	router.Methods(http.MethodPost).Path("/upload").Handler(uh)
	router.Methods(http.MethodPost).Path("/upload_text").Handler(uploadTextHandler{data: data})
	router.Methods(http.MethodPost).Path("/api/anonymize").Handler(apiAnonymizeHandler{data: data})
	router.Methods(http.MethodGet).Path("/result/{id}").Handler(rh)
	router.Methods(http.MethodGet).Path("/status/{id}").Handler(statusHandler{data: data})
	router.Methods(http.MethodGet).Path("/download/{format}/{id}").Handler(downloadHandler{data: data})
	router.Methods(http.MethodPost).Path("/auth/send-code").Handler(sendCodeHandler{data: data})
	router.Methods(http.MethodPost).Path("/auth/verify").Handler(verifyHandler{data: data})
	router.Methods(http.MethodPost).Path("/auth/logout").Handler(logoutHandler{data: data})
	router.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	router.Methods(http.MethodGet).Path("/live").HandlerFunc(data.health.LiveEndpoint)
	router.Methods(http.MethodGet).Path("/ready").HandlerFunc(data.health.ReadyEndpoint)
	return router
}

func promWrap(obs prometheus.ObserverVec, next http.Handler) http.Handler {
	if obs == nil {
		return next
	}
	return promhttp.InstrumentHandlerDuration(obs, next)
}

func promWrapSize(obs prometheus.ObserverVec, next http.Handler) http.Handler {
	if obs == nil {
		return next
	}
	return promhttp.InstrumentHandlerRequestSize(obs, next)
}

type uploadHandler struct {
	data *ServiceData
}

func (h uploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cmdapp.Log.Infof("Saving document from %s", r.Host)

	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	err := r.ParseMultipartForm(32 << 20)
	if err != nil {
		http.Error(w, "Can't parse MultipartForm", http.StatusBadRequest)
		cmdapp.Log.Error(errors.Wrap(err, "Can't parse MultipartForm"))
		return
	}
	defer cleanFiles(r.MultipartForm)

	file, handler, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file", http.StatusBadRequest)
		cmdapp.Log.Error(err)
		return
	}
	defer file.Close()
	ext := strings.ToLower(filepath.Ext(handler.Filename))
	if !checkFileExtension(ext) {
		http.Error(w, "Wrong file extension: "+ext, http.StatusBadRequest)
		cmdapp.Log.Errorf("Wrong file extension: %s", ext)
		return
	}

	job, err := h.data.Controller.Create(lifecycle.PlaceholderText)
	if err != nil {
		http.Error(w, "Can't create job", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	fileName := strconv.Itoa(job.RecordID) + ext
	err = h.data.FileSaver.Save(fileName, file)
	if err != nil {
		http.Error(w, "Can't save file", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	linkToSessionUser(h.data, r, job)

	if _, err = file.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "Can't read file", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	err = h.data.FileSender.SendFile(dispatch.OCR, job.RecordID, handler.Filename, file)
	if err != nil {
		http.Error(w, "Can't send file for extraction", http.StatusBadGateway)
		cmdapp.Log.Error(err)
		return
	}

	writeJSON(w, IDResult{ID: job.InternalID})
}

type uploadTextHandler struct {
	data *ServiceData
}

func (h uploadTextHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	text := takeText(r)
	if text == "" {
		http.Error(w, "No text", http.StatusBadRequest)
		return
	}
	job, _, err := h.data.Controller.CreateAndDispatch(text, lifecycle.ModeAsync, dispatch.RawText)
	if err != nil {
		http.Error(w, "Can't create job", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	linkToSessionUser(h.data, r, job)
	writeJSON(w, IDResult{ID: job.InternalID})
}

type apiAnonymizeHandler struct {
	data *ServiceData
}

func (h apiAnonymizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	text := takeText(r)
	if text == "" {
		http.Error(w, "Missing or empty text", http.StatusBadRequest)
		return
	}
	_, resp, err := h.data.Controller.CreateAndDispatch(text, lifecycle.ModeSync, dispatch.Processing)
	if err != nil {
		if err == lifecycle.ErrInvalidInput {
			http.Error(w, "Missing or empty text", http.StatusBadRequest)
			return
		}
		http.Error(w, "Processing unavailable", http.StatusBadGateway)
		cmdapp.Log.Error(err)
		return
	}
	// the webhook contract is the API contract, hand the answer back as is
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	w.Write(resp.Body)
}

type resultHandler struct {
	data *ServiceData
}

func (h resultHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	attempt, _ := strconv.Atoi(r.URL.Query().Get("attempt"))
	res, err := h.data.Controller.PollOnce(id, attempt)
	if err != nil {
		writePollError(w, err, attempt)
		return
	}
	writeJSON(w, res)
}

type statusHandler struct {
	data *ServiceData
}

func (h statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.data.Jobs.GetJob(id, true)
	if err != nil {
		writePollError(w, err, 0)
		return
	}
	st := lifecycle.StatusProcessing
	if job.Completed() {
		st = lifecycle.StatusComplete
	}
	writeJSON(w, map[string]string{"status": st})
}

func writePollError(w http.ResponseWriter, err error, attempt int) {
	if err == lifecycle.ErrInvalidInput {
		writeJSONCode(w, http.StatusBadRequest, errorResult{Error: "No valid job id provided", Status: "error"})
		return
	}
	if errors.Cause(err) == store.ErrNotFound {
		writeJSONCode(w, http.StatusNotFound, errorResult{Error: "Job not found", Status: "error"})
		return
	}
	// an opaque id lets ops find the logged cause without leaking it
	errID := uuid.New().String()[:8]
	cmdapp.Log.Error(errors.Wrap(err, "request "+errID))
	writeJSONCode(w, http.StatusInternalServerError, errorResult{Error: "Error " + errID, Status: "error"})
}

func takeText(r *http.Request) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var input struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return ""
		}
		return strings.TrimSpace(input.Text)
	}
	return strings.TrimSpace(r.FormValue("text"))
}

func linkToSessionUser(data *ServiceData, r *http.Request, job *store.Job) {
	userID := sessionUserID(data, r)
	if userID == 0 {
		return
	}
	if err := data.Jobs.LinkJobToUser(job.RecordID, userID); err != nil {
		cmdapp.Log.Error(errors.Wrapf(err, "can't link job %d to user %d", job.RecordID, userID))
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONCode(w, http.StatusOK, data)
}

func writeJSONCode(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	if err := encoder.Encode(data); err != nil {
		cmdapp.Log.Error(errors.Wrap(err, "Can not prepare result"))
	}
}

func cleanFiles(f *multipart.Form) {
	if f != nil {
		f.RemoveAll()
	}
}

func checkFileExtension(ext string) bool {
	switch ext {
	case ".pdf", ".png", ".jpg", ".jpeg", ".tiff", ".txt", ".docx":
		return true
	}
	return false
}
