package email

import (
	"fmt"
	"mime"
	"net/mail"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const messageIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Attachment references content in one of several forms. Content wins when
// set; otherwise Source is a filesystem path, an http(s) URL or a data URI.
type Attachment struct {
	Filename string
	Content  []byte
	Source   string
}

// Message is the transport-level view of one outgoing email.
type Message struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTML        string
	Attachments []Attachment
}

type SendResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

var mediaTypeExtensions = map[string]string{
	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"text/plain": ".txt",
	"text/csv":   ".csv",
}

// ExtensionForMediaType maps a MIME type to a file extension, preferring the
// common spelling (".jpg" rather than ".jfif").
func ExtensionForMediaType(mediaType string) string {
	if ext, ok := mediaTypeExtensions[strings.ToLower(mediaType)]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// AttachmentName derives a file name for an attachment source.
func AttachmentName(source string) string {
	switch {
	case IsDataURI(source):
		mediaType, _, err := ParseDataURI(source)
		if err != nil {
			return "attachment"
		}
		return "attachment" + ExtensionForMediaType(mediaType)
	case IsHTTPURL(source):
		u, err := url.Parse(source)
		if err != nil {
			return "attachment"
		}
		name := path.Base(u.Path)
		if name == "." || name == "/" || name == "" {
			return "attachment"
		}
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
		return name
	case source != "":
		return filepath.Base(source)
	}
	return "attachment"
}

// GenerateMessageID builds an RFC 5322 Message-ID under domain.
func GenerateMessageID(domain string) string {
	id, err := gonanoid.Generate(messageIDAlphabet, 12)
	if err != nil {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixMicro(), id, domain)
}

func domainOf(address string) string {
	if parsed, err := mail.ParseAddress(address); err == nil {
		address = parsed.Address
	}
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}
