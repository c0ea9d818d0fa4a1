package keyring

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/tacs/pkg/log"
	"github.com/autopeer-io/tacs/pkg/options"
)

// Source loads keyring documents.
type Source interface {
	Load(ctx context.Context) (*Keyring, error)
}

// FileSource reads a keyring from the local file system.
type FileSource struct {
	path string
	log  log.Logger

	// debounce coalesces the burst of events editors produce on save.
	debounce time.Duration
}

var _ Source = (*FileSource)(nil)

func NewFileSource(path string) *FileSource {
	return &FileSource{
		path:     path,
		log:      log.WithName("keyring").WithValues("path", path),
		debounce: 100 * time.Millisecond,
	}
}

func (s *FileSource) Load(_ context.Context) (*Keyring, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	return Parse(data)
}

// Watch calls fn with the freshly parsed keyring every time the file is
// written, created or replaced, until ctx is done. The parent directory is
// watched so atomic renames and config-map symlink swaps are seen.
// Unparseable intermediate versions are logged and skipped.
func (s *FileSource) Watch(ctx context.Context, fn func(*Keyring)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	file := filepath.Clean(s.path)
	if err := w.Add(filepath.Dir(file)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(file), err)
	}
	realFile, _ := filepath.EvalSymlinks(file)

	var (
		timer  *time.Timer
		reload = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			current, _ := filepath.EvalSymlinks(file)
			relevant := filepath.Clean(ev.Name) == file && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename)
			swapped := current != "" && current != realFile
			if !relevant && !swapped {
				continue
			}
			realFile = current
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			k, err := s.Load(ctx)
			if err != nil {
				s.log.Error(err, "Ignoring unreadable keyring update")
				continue
			}
			s.log.Info("Keyring reloaded", "leases", len(k.LeaseTokenTable))
			fn(k)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error(err, "Keyring watcher error")
		}
	}
}

// S3Source reads a keyring object from an S3 compatible store.
type S3Source struct {
	client     *minio.Client
	bucketName string
	objectKey  string
}

var _ Source = (*S3Source)(nil)

func NewS3Source(opts *options.S3Options, objectKey string) (*S3Source, error) {
	if objectKey == "" {
		return nil, errors.New("keyring object key is required")
	}

	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	}
	if opts.InsecureSkipVerify {
		minioOpts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &S3Source{
		client:     client,
		bucketName: opts.BucketName,
		objectKey:  objectKey,
	}, nil
}

func (s *S3Source) Load(ctx context.Context) (*Keyring, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, s.objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get keyring object %s/%s: %w", s.bucketName, s.objectKey, err)
	}
	defer obj.Close()

	k, err := Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("keyring object %s/%s: %w", s.bucketName, s.objectKey, err)
	}
	return k, nil
}
