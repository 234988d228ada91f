package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"CoachMail/internal/email"
)

var ErrAttachmentRejected = errors.New("attachment rejected")

// Validator checks an attachment reference against the size and extension
// policy and loads its bytes, so the transport only ever sees content that
// passed the policy.
type Validator struct {
	MaxSize           int64
	AllowedExtensions []string
	// BaseDir is the only directory plain file references may point into.
	// Empty rejects file references.
	BaseDir string
	Client  *http.Client
}

func NewValidator(maxSize int64, allowed []string, baseDir string) *Validator {
	exts := make([]string, 0, len(allowed))
	for _, ext := range allowed {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}

	return &Validator{
		MaxSize:           maxSize,
		AllowedExtensions: exts,
		BaseDir:           strings.TrimSpace(baseDir),
		Client:            &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve validates ref and returns the attachment with its content loaded.
func (v *Validator) Resolve(ctx context.Context, ref string) (email.Attachment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return email.Attachment{}, fmt.Errorf("%w: empty reference", ErrAttachmentRejected)
	}

	name := email.AttachmentName(ref)
	if err := v.checkExtension(name); err != nil {
		return email.Attachment{}, err
	}

	var (
		data []byte
		err  error
	)

	switch {
	case email.IsDataURI(ref):
		_, data, err = email.ParseDataURI(ref)
		if err != nil {
			return email.Attachment{}, fmt.Errorf("%w: %v", ErrAttachmentRejected, err)
		}

	case email.IsHTTPURL(ref):
		// the body is read under the cap; Content-Length is only a hint
		data, err = email.FetchURL(ctx, v.Client, ref, v.MaxSize)
		if err != nil {
			return email.Attachment{}, fmt.Errorf("%w: %v", ErrAttachmentRejected, err)
		}

	default:
		data, err = v.readLocal(ref)
		if err != nil {
			return email.Attachment{}, err
		}
	}

	if err := v.checkSize(name, int64(len(data))); err != nil {
		return email.Attachment{}, err
	}

	return email.Attachment{Filename: name, Content: data, Source: ref}, nil
}

func (v *Validator) checkExtension(name string) error {
	if len(v.AllowedExtensions) == 0 {
		return nil
	}

	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range v.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}

	if ext == "" {
		ext = "(none)"
	}
	return fmt.Errorf("%w: extension %s is not allowed", ErrAttachmentRejected, ext)
}

func (v *Validator) checkSize(name string, size int64) error {
	if v.MaxSize > 0 && size > v.MaxSize {
		return fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrAttachmentRejected, name, size, v.MaxSize)
	}
	return nil
}

// readLocal reads ref relative to BaseDir. Absolute refs must already lie
// inside it; symlinks are followed before the check.
func (v *Validator) readLocal(ref string) ([]byte, error) {
	if v.BaseDir == "" {
		return nil, fmt.Errorf("%w: local file references are disabled", ErrAttachmentRejected)
	}

	base, err := filepath.EvalSymlinks(v.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("attachment base dir: %w", err)
	}
	base, err = filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("attachment base dir: %w", err)
	}

	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}

	path, err = filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentRejected, err)
	}

	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s is outside the attachment directory", ErrAttachmentRejected, ref)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentRejected, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentRejected, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrAttachmentRejected, ref)
	}

	var r io.Reader = f
	if v.MaxSize > 0 {
		r = io.LimitReader(f, v.MaxSize+1)
	}
	return io.ReadAll(r)
}
