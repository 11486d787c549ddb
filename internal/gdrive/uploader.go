package gdrive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const docMimeType = "application/vnd.google-apps.document"

// Uploader mirrors exported session transcripts into a Drive folder as
// Google Docs. Re-uploading the same file updates the existing doc.
type Uploader struct {
	service  *drive.Service
	folderID string

	mu      sync.Mutex
	fileIDs map[string]string
}

// NewUploader authenticates with a service account key file.
func NewUploader(ctx context.Context, credPath, folderID string) (*Uploader, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return New(ctx, folderID, option.WithCredentials(config))
}

func New(ctx context.Context, folderID string, opts ...option.ClientOption) (*Uploader, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Uploader{
		service:  svc,
		folderID: folderID,
		fileIDs:  make(map[string]string),
	}, nil
}

func (u *Uploader) Upload(ctx context.Context, localPath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	name := docName(localPath)

	if fileID, ok := u.fileIDs[name]; ok {
		_, err = u.service.Files.Update(fileID, &drive.File{}).Media(f).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("drive update %s: %w", name, err)
		}
		return nil
	}

	file := &drive.File{Name: name, MimeType: docMimeType}
	if u.folderID != "" {
		file.Parents = []string{u.folderID}
	}
	doc, err := u.service.Files.Create(file).Media(f).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("drive create %s: %w", name, err)
	}

	u.fileIDs[name] = doc.Id
	return nil
}

func docName(path string) string {
	base := filepath.Base(path)
	return "voice-tutor-" + strings.TrimSuffix(base, filepath.Ext(base))
}
