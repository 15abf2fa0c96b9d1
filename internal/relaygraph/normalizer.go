package relaygraph

import (
	"bytes"
	"encoding/json"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ProviderDropbox = "dropbox"
	ProviderGDrive  = "gdrive"
	ProviderGeneric = "generic"
)

const defaultMimeType = "application/octet-stream"

// ProviderNormalizer maps one provider's change payload into FileMetadata.
// Implementations must not fail: missing fields get defaults.
type ProviderNormalizer interface {
	Provider() string
	Normalize(payload map[string]any) FileMetadata
}

var normalizerRegistry = struct {
	mu          sync.RWMutex
	normalizers map[string]ProviderNormalizer
}{
	normalizers: map[string]ProviderNormalizer{
		ProviderDropbox: DropboxNormalizer{},
		ProviderGDrive:  GDriveNormalizer{},
		ProviderGeneric: GenericNormalizer{},
	},
}

func RegisterProviderNormalizer(n ProviderNormalizer) {
	if n == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(n.Provider()))
	if name == "" {
		return
	}
	normalizerRegistry.mu.Lock()
	defer normalizerRegistry.mu.Unlock()
	normalizerRegistry.normalizers[name] = n
}

func lookupProviderNormalizer(provider string) ProviderNormalizer {
	provider = strings.ToLower(strings.TrimSpace(provider))
	switch provider {
	case "google_drive", "googledrive", "drive":
		provider = ProviderGDrive
	case "":
		provider = ProviderGeneric
	}
	normalizerRegistry.mu.RLock()
	defer normalizerRegistry.mu.RUnlock()
	if n, ok := normalizerRegistry.normalizers[provider]; ok {
		return n
	}
	return normalizerRegistry.normalizers[ProviderGeneric]
}

// NormalizeEvent dispatches on the event's provider discriminator. The
// resource path supplies the name and MIME type when the payload lacks them.
func NormalizeEvent(event SyncEvent) FileMetadata {
	payload := map[string]any{}
	if len(event.EventData) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(event.EventData))
		decoder.UseNumber()
		if err := decoder.Decode(&payload); err != nil || payload == nil {
			payload = map[string]any{}
		}
	}
	meta := lookupProviderNormalizer(event.Provider).Normalize(payload)
	if meta.Name == "" {
		meta.Name = path.Base(NormalizePath(event.ResourcePath))
		if meta.Name == "/" {
			meta.Name = ""
		}
	}
	if meta.MimeType == "" {
		meta.MimeType = MimeTypeFromName(meta.Name)
	}
	if meta.ProjectID == "" {
		meta.ProjectID = event.ProjectID
	}
	return meta
}

type DropboxNormalizer struct{}

func (DropboxNormalizer) Provider() string { return ProviderDropbox }

func (DropboxNormalizer) Normalize(payload map[string]any) FileMetadata {
	entry, _ := payload["entry"].(map[string]any)
	if entry == nil {
		entry = map[string]any{}
	}
	meta := FileMetadata{
		Name:       toString(entry["name"]),
		Size:       toInt64(entry["size"]),
		MimeType:   toString(entry["mime_type"]),
		Checksum:   toString(entry["content_hash"]),
		Modified:   toTime(entry["server_modified"]),
		ExternalID: toString(entry["id"]),
		Provider:   ProviderDropbox,
		ProjectID:  toString(payload["projectId"]),
		Extra:      extraFields(entry, "name", "size", "mime_type", "content_hash", "server_modified", "id"),
	}
	if meta.MimeType == "" {
		meta.MimeType = MimeTypeFromName(meta.Name)
	}
	return meta
}

type GDriveNormalizer struct{}

func (GDriveNormalizer) Provider() string { return ProviderGDrive }

func (GDriveNormalizer) Normalize(payload map[string]any) FileMetadata {
	file, _ := payload["file"].(map[string]any)
	if file == nil {
		file = map[string]any{}
	}
	meta := FileMetadata{
		Name:       toString(file["name"]),
		Size:       toInt64(file["size"]),
		MimeType:   toString(file["mimeType"]),
		Checksum:   toString(file["md5Checksum"]),
		Modified:   toTime(file["modifiedTime"]),
		ExternalID: toString(file["id"]),
		Provider:   ProviderGDrive,
		ProjectID:  toString(payload["projectId"]),
		Extra:      extraFields(file, "name", "size", "mimeType", "md5Checksum", "modifiedTime", "id"),
	}
	if meta.MimeType == "" {
		meta.MimeType = MimeTypeFromName(meta.Name)
	}
	return meta
}

// GenericNormalizer handles the flat shape used by object-storage events.
type GenericNormalizer struct{}

func (GenericNormalizer) Provider() string { return ProviderGeneric }

func (GenericNormalizer) Normalize(payload map[string]any) FileMetadata {
	checksum := toString(payload["checksum"])
	if checksum == "" {
		checksum = toString(payload["etag"])
	}
	modified := toTime(payload["modified"])
	if modified.IsZero() {
		modified = toTime(payload["lastModified"])
	}
	extra := extraFields(payload, "name", "size", "mimeType", "checksum", "etag",
		"modified", "lastModified", "id", "projectId")
	meta := FileMetadata{
		Name:       toString(payload["name"]),
		Size:       toInt64(payload["size"]),
		MimeType:   toString(payload["mimeType"]),
		Checksum:   strings.Trim(checksum, `"`),
		Modified:   modified,
		ExternalID: toString(payload["id"]),
		Provider:   ProviderGeneric,
		ProjectID:  toString(payload["projectId"]),
		Extra:      extra,
	}
	if meta.MimeType == "" {
		meta.MimeType = MimeTypeFromName(meta.Name)
	}
	return meta
}

var extensionMimeTypes = map[string]string{
	".pdf":      "application/pdf",
	".doc":      "application/msword",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":      "application/vnd.ms-excel",
	".xlsx":     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":      "text/csv",
	".ppt":      "application/vnd.ms-powerpoint",
	".pptx":     "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":      "text/plain",
	".md":       "text/markdown",
	".rtf":      "application/rtf",
	".fdx":      "application/x-final-draft",
	".fountain": "text/x-fountain",
	".json":     "application/json",
	".xml":      "application/xml",
	".html":     "text/html",
	".htm":      "text/html",
	".png":      "image/png",
	".jpg":      "image/jpeg",
	".jpeg":     "image/jpeg",
	".gif":      "image/gif",
	".webp":     "image/webp",
	".tif":      "image/tiff",
	".tiff":     "image/tiff",
	".mp4":      "video/mp4",
	".mov":      "video/quicktime",
	".mp3":      "audio/mpeg",
	".wav":      "audio/wav",
	".zip":      "application/zip",
}

// MimeTypeFromName infers a MIME type from the file extension.
func MimeTypeFromName(name string) string {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(name)))
	if mime, ok := extensionMimeTypes[ext]; ok {
		return mime
	}
	return defaultMimeType
}

// NormalizePath cleans a provider path into an absolute slash path.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func extraFields(src map[string]any, known ...string) map[string]any {
	skip := make(map[string]struct{}, len(known))
	for _, k := range known {
		skip[k] = struct{}{}
	}
	var out map[string]any
	for k, v := range src {
		if _, ok := skip[k]; ok {
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		out[k] = v
	}
	return out
}

func toString(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

func toInt64(v any) int64 {
	var n int64
	switch typed := v.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			n = i
		} else if f, err := typed.Float64(); err == nil {
			n = int64(math.Round(f))
		}
	case float64:
		n = int64(math.Round(typed))
	case int64:
		n = typed
	case int:
		n = int64(typed)
	case string:
		n, _ = strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
	}
	if n < 0 {
		return 0
	}
	return n
}

func toTime(v any) time.Time {
	switch typed := v.(type) {
	case string:
		typed = strings.TrimSpace(typed)
		if typed == "" {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, typed); err == nil {
				return t.UTC()
			}
		}
	case json.Number:
		if ms, err := typed.Int64(); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}
