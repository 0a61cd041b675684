// Package clean drops uploaded documents after their retention period.
// Extracted text lives in the record store, the file itself is only
// needed until the OCR webhook has picked it up.
package clean

import (
	"time"

	"github.com/anymize/anymize/internal/pkg/cmdapp"
)

// Cleaner removes the stored data of one job
type Cleaner interface {
	Clean(ID string) error
}

// StartService begins the periodic removal of expired uploaded documents
func StartService() error {
	storagePath := cmdapp.Config.GetString("fileStorage.path")
	lf, err := newLocalFile(storagePath, "{ID}.*")
	if err != nil {
		return err
	}
	retention := cmdapp.Config.GetDuration("fileStorage.retention")
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	runEvery := cmdapp.Config.GetDuration("clean.runEvery")
	if runEvery <= 0 {
		runEvery = time.Hour
	}
	data := &timerServiceData{
		runEvery:     runEvery,
		cleaner:      lf,
		idsProvider:  &oldFilesProvider{storagePath: storagePath, expire: retention, nowFn: time.Now},
		qChan:        make(chan struct{}),
		workWaitChan: make(chan struct{}),
	}
	return startCleanTimer(data)
}
