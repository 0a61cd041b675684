package web

import (
	"time"

	"github.com/gorilla/sessions"
	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/anymize/anymize/internal/app/clean"
	"github.com/anymize/anymize/internal/app/lifecycle"
	"github.com/anymize/anymize/internal/pkg/cmdapp"
	"github.com/anymize/anymize/internal/pkg/dispatch"
	"github.com/anymize/anymize/internal/pkg/mail"
	"github.com/anymize/anymize/internal/pkg/metrics"
	"github.com/anymize/anymize/internal/pkg/saver"
	"github.com/anymize/anymize/internal/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "anymizeService",
	Short: "Anymize Document Anonymization Service",
	Long:  `HTTP server to upload documents, track anonymization jobs and export results`,
	Run:   run,
}

func init() {
	cmdapp.InitApplication(rootCmd)
	rootCmd.PersistentFlags().Int32P("port", "", 8000, "Default service port")
	cmdapp.Config.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	cmdapp.Config.SetDefault("port", 8080)
	cmdapp.Config.SetDefault("fileStorage.path", "/data/documents.in/")
}

// Execute starts the server
func Execute() {
	cmdapp.Execute(rootCmd)
}

func run(cmd *cobra.Command, args []string) {
	cmdapp.Log.Info("Starting anymizeService")
	data := &ServiceData{}
	err := initMetrics(data)
	cmdapp.CheckOrPanic(err, "Can't init metrics")

	data.health = healthcheck.NewHandler()

	storeClient, err := store.NewClient()
	cmdapp.CheckOrPanic(err, "Can't init record store client")
	data.health.AddLivenessCheck("store", healthcheck.Async(storeClient.Healthy, 10*time.Second))
	data.Jobs = storeClient
	data.Users = storeClient

	dispatchClient, err := dispatch.NewClient(storeClient)
	cmdapp.CheckOrPanic(err, "Can't init webhook client")
	data.FileSender = dispatchClient

	data.Controller, err = lifecycle.NewController(storeClient, dispatchClient)
	cmdapp.CheckOrPanic(err, "Can't init job controller")

	data.FileSaver, err = saver.NewLocalFileSaver(cmdapp.Config.GetString("fileStorage.path"))
	cmdapp.CheckOrPanic(err, "Can't init file storage")

	err = clean.StartService()
	cmdapp.CheckOrPanic(err, "Can't init file cleaner")

	data.Sender, err = mail.NewSimpleEmailSender()
	cmdapp.CheckOrPanic(err, "Can't init email sender")

	data.Maker, err = mail.NewCodeEmailMaker()
	cmdapp.CheckOrPanic(err, "Can't init email maker")

	sessionKey := cmdapp.Config.GetString("session.key")
	if sessionKey == "" {
		cmdapp.CheckOrPanic(errors.New("No session.key setting provided"), "Can't init sessions")
	}
	data.Sessions = sessions.NewCookieStore([]byte(sessionKey))

	data.Port = cmdapp.Config.GetInt("port")

	err = StartWebServer(data)
	cmdapp.CheckOrPanic(err, "Can't start web server")
}

func initMetrics(data *ServiceData) error {
	namespace := "anymize_service"
	data.metrics.uploadResponseDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_request_durations_seconds",
			Help:      "Upload request latency distributions.",
		}, nil)
	if err := metrics.Register(data.metrics.uploadResponseDur); err != nil {
		return err
	}
	data.metrics.uploadRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_request_size_bytes",
			Help:      "Upload request size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		}, nil)
	if err := metrics.Register(data.metrics.uploadRequestSize); err != nil {
		return err
	}
	data.metrics.pollResponseDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_request_durations_seconds",
			Help:      "Result request latency distributions.",
		}, nil)
	return metrics.Register(data.metrics.pollResponseDur)
}
