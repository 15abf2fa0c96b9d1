package relaygraph

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeDropboxEvent(t *testing.T) {
	event := SyncEvent{
		Provider:     ProviderDropbox,
		ResourcePath: "/Scripts/Draft.pdf",
		EventData: json.RawMessage(`{"projectId":"proj_1","entry":{"name":"Draft.pdf","size":120000,
			"content_hash":"abc","server_modified":"2026-03-14T10:00:00Z","id":"id:xyz","rev":"015"}}`),
	}
	meta := NormalizeEvent(event)
	if meta.Name != "Draft.pdf" || meta.Size != 120000 || meta.Checksum != "abc" || meta.ExternalID != "id:xyz" {
		t.Fatalf("unexpected dropbox metadata %+v", meta)
	}
	if meta.MimeType != "application/pdf" || meta.Provider != ProviderDropbox || meta.ProjectID != "proj_1" {
		t.Fatalf("unexpected dropbox metadata %+v", meta)
	}
	if !meta.Modified.Equal(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected modified %s", meta.Modified)
	}
	if meta.Extra["rev"] != "015" {
		t.Fatalf("expected unknown fields kept as extra, got %v", meta.Extra)
	}
}

func TestNormalizeGDriveEvent(t *testing.T) {
	event := SyncEvent{
		Provider:     "google_drive",
		ResourcePath: "/budget.xlsx",
		EventData:    json.RawMessage(`{"file":{"name":"budget.xlsx","size":"2048","md5Checksum":"m5","modifiedTime":"2026-03-14T11:00:00.5Z","id":"g1"}}`),
	}
	meta := NormalizeEvent(event)
	if meta.Provider != ProviderGDrive || meta.Size != 2048 || meta.Checksum != "m5" || meta.ExternalID != "g1" {
		t.Fatalf("unexpected gdrive metadata %+v", meta)
	}
	if meta.MimeType != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("expected xlsx mime from name, got %q", meta.MimeType)
	}
}

func TestNormalizeGenericEventFallsBackToPath(t *testing.T) {
	event := SyncEvent{
		ResourcePath: "notes\\call sheet.PDF",
		ProjectID:    "proj_9",
		EventData:    json.RawMessage(`{"etag":"\"e1\"","lastModified":1773482400000,"size":-4}`),
	}
	meta := NormalizeEvent(event)
	if meta.Name != "call sheet.PDF" || meta.MimeType != "application/pdf" {
		t.Fatalf("expected name and mime from path, got %+v", meta)
	}
	if meta.Checksum != "e1" || meta.Size != 0 || meta.ProjectID != "proj_9" {
		t.Fatalf("unexpected generic metadata %+v", meta)
	}
	if meta.Modified.IsZero() {
		t.Fatalf("expected epoch millis to parse")
	}
}

func TestNormalizeEventToleratesBadPayload(t *testing.T) {
	meta := NormalizeEvent(SyncEvent{ResourcePath: "/a/b.bin", EventData: json.RawMessage(`not json`)})
	if meta.Name != "b.bin" || meta.MimeType != defaultMimeType {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"a/b":            "/a/b",
		"/a//b/../c/":    "/a/c",
		"  \\x\\y.pdf  ": "/x/y.pdf",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

type staticNormalizer struct{}

func (staticNormalizer) Provider() string { return "box" }

func (staticNormalizer) Normalize(map[string]any) FileMetadata {
	return FileMetadata{Name: "fixed.txt", Provider: "box"}
}

func TestRegisterProviderNormalizer(t *testing.T) {
	RegisterProviderNormalizer(staticNormalizer{})
	meta := NormalizeEvent(SyncEvent{Provider: "BOX", ResourcePath: "/x"})
	if meta.Name != "fixed.txt" || meta.MimeType != "text/plain" {
		t.Fatalf("expected registered normalizer, got %+v", meta)
	}
}
