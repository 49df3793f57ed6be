package storage

import (
	"context"
	"path"
	"strings"
)

const (
	stagingDownloads = "downloads/"
	stagingProcessed = "processed/"
)

// Staging is the local working area: downloaded source bytes live under
// downloads/<source key> while a run is in flight, and converted output is
// kept under processed/<output name>.
type Staging struct {
	fs *FilesystemStorage
}

// NewStaging creates a staging area rooted at dir
func NewStaging(dir string) (*Staging, error) {
	fs, err := NewFilesystemStorage(dir)
	if err != nil {
		return nil, err
	}
	return &Staging{fs: fs}, nil
}

// StageDownload keeps a copy of the downloaded source object
func (s *Staging) StageDownload(ctx context.Context, sourceKey string, data []byte) error {
	return s.fs.Put(ctx, stagingDownloads+sourceKey, data, "")
}

// ReleaseDownload removes the staged copy of a source object
func (s *Staging) ReleaseDownload(ctx context.Context, sourceKey string) error {
	return s.fs.Remove(ctx, stagingDownloads+sourceKey)
}

// StagedDownloads returns the source keys that have a staged copy
func (s *Staging) StagedDownloads(ctx context.Context) ([]ObjectInfo, error) {
	objects, err := s.fs.List(ctx, stagingDownloads)
	if err != nil {
		return nil, err
	}
	staged := make([]ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".tmp") {
			continue
		}
		obj.Key = strings.TrimPrefix(obj.Key, stagingDownloads)
		staged = append(staged, obj)
	}
	return staged, nil
}

// SaveProcessed keeps a local copy of a converted artifact
func (s *Staging) SaveProcessed(ctx context.Context, outputName, content string) error {
	return s.fs.Put(ctx, stagingProcessed+path.Base(outputName), []byte(content), "")
}
