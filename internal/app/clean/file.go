package clean

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/anymize/anymize/internal/pkg/cmdapp"
)

type localFile struct {
	StoragePath string
	pattern     string
}

func newLocalFile(storagePath string, pattern string) (*localFile, error) {
	cmdapp.Log.Infof("Init Local File Storage Clean at: %s/%s", storagePath, pattern)
	if pattern == "" {
		return nil, errors.New("No pattern provided")
	}
	if !strings.Contains(pattern, "{ID}") {
		return nil, errors.New("Pattern does not contain {ID}")
	}
	if storagePath == "" {
		return nil, errors.New("No storage path provided")
	}
	return &localFile{StoragePath: storagePath, pattern: pattern}, nil
}

func (fs *localFile) Clean(ID string) error {
	fp := fs.getPath(ID)
	cmdapp.Log.Infof("Removing %s", fp)
	return remove(fp)
}

func remove(fn string) error {
	files, err := filepath.Glob(fn)
	if err != nil {
		return err
	}
	for _, file := range files {
		err = os.RemoveAll(file)
		if err != nil {
			return err
		}
		cmdapp.Log.Infof("Removed %s", file)
	}
	return nil
}

func (fs *localFile) getPath(ID string) string {
	return path.Join(fs.StoragePath, strings.ReplaceAll(fs.pattern, "{ID}", ID))
}

// oldFilesProvider lists the record ids of stored documents past retention
type oldFilesProvider struct {
	storagePath string
	expire      time.Duration
	nowFn       func() time.Time
}

func (p *oldFilesProvider) Get() ([]string, error) {
	entries, err := os.ReadDir(p.storagePath)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read storage dir")
	}
	deadline := p.nowFn().Add(-p.expire)
	res := make([]string, 0)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			cmdapp.Log.Error(err)
			continue
		}
		if info.ModTime().Before(deadline) {
			id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			res = append(res, id)
		}
	}
	return res, nil
}
