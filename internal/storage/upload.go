package storage

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jo-hoe/heic2png/internal/common"
)

var (
	ErrNoFile          = errors.New("no file provided")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
)

// Uploader handles storing temporary uploads on disk.
type Uploader struct {
	baseDir string
}

var acceptedDeclaredTypes = map[string]struct{}{
	"":                            {},
	common.ContentTypeOctetStream: {},
	common.MimeImageHEIC:          {},
	common.MimeImageHEIF:          {},
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// Validate checks an uploaded part before any job exists: the filename must
// end in .heic and a declared content type, if any, must be a HEIF type.
func (u *Uploader) Validate(fileHeader *multipart.FileHeader) error {
	if fileHeader == nil {
		return ErrNoFile
	}
	if !strings.EqualFold(filepath.Ext(fileHeader.Filename), common.ExtHEIC) {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, fileHeader.Filename)
	}
	declared := strings.ToLower(strings.TrimSpace(fileHeader.Header.Get("Content-Type")))
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			declared = mt
		}
	}
	if _, ok := acceptedDeclaredTypes[declared]; !ok {
		return fmt.Errorf("%w: content type %s", ErrUnsupportedType, declared)
	}
	return nil
}

// SaveMultipartHEIC stores a validated upload as uploads/<id>.heic.
// It returns the file path and a cleanup function to delete the file.
// The caller should always invoke the cleanup function when the file is no longer needed.
func (u *Uploader) SaveMultipartHEIC(id string, fileHeader *multipart.FileHeader, maxBytes int64) (string, func() error, error) {
	if err := u.Validate(fileHeader); err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(u.baseDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	dstPath := filepath.Join(u.baseDir, id+common.ExtHEIC)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) // #nosec G304 - id is generated server side
	if err != nil {
		return "", nil, fmt.Errorf("create upload file: %w", err)
	}

	var reader io.Reader = src
	if maxBytes > 0 {
		reader = io.LimitReader(src, maxBytes+1)
	}
	n, copyErr := io.Copy(dst, reader)
	closeErr := dst.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(dstPath)
		return "", nil, fmt.Errorf("copy upload: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(dstPath)
		return "", nil, fmt.Errorf("close upload: %w", closeErr)
	case maxBytes > 0 && n > maxBytes:
		_ = os.Remove(dstPath)
		return "", nil, ErrTooLarge
	}

	cleanup := func() error {
		if err := os.Remove(dstPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return dstPath, cleanup, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// SanitizeFilename keeps the base name of a client filename, replacing
// anything outside [a-zA-Z0-9.-] with underscores.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}
