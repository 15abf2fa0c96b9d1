// Package relaygraph turns storage-provider change events into a classified,
// clustered and provenance-tracked knowledge graph.
package relaygraph

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotImplemented = errors.New("not implemented")
	ErrMissingOrg     = errors.New("missing org context")
	ErrMirrorPending  = errors.New("relational mirror pending")
	ErrQueueFull      = errors.New("queue full")
)

type EventType string

const (
	EventFileCreated   EventType = "file_created"
	EventFileUpdated   EventType = "file_updated"
	EventFileDeleted   EventType = "file_deleted"
	EventFolderCreated EventType = "folder_created"
	EventFolderUpdated EventType = "folder_updated"
	EventFolderDeleted EventType = "folder_deleted"
)

func (e EventType) Valid() bool {
	switch e {
	case EventFileCreated, EventFileUpdated, EventFileDeleted,
		EventFolderCreated, EventFolderUpdated, EventFolderDeleted:
		return true
	}
	return false
}

// SyncEvent is the inbound change notification. EventData holds the raw
// provider payload; Provider selects how it is normalized.
type SyncEvent struct {
	OrgID         string          `json:"orgId"`
	SourceID      string          `json:"sourceId"`
	ProjectID     string          `json:"projectId,omitempty"`
	EventType     EventType       `json:"eventType"`
	ResourcePath  string          `json:"resourcePath"`
	Provider      string          `json:"provider,omitempty"`
	EventData     json.RawMessage `json:"eventData,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// FileMetadata is the provider-independent view of a file.
type FileMetadata struct {
	Name       string         `json:"name"`
	Size       int64          `json:"size"`
	MimeType   string         `json:"mimeType"`
	Checksum   string         `json:"checksum,omitempty"`
	Modified   time.Time      `json:"modified"`
	ExternalID string         `json:"externalId,omitempty"`
	Provider   string         `json:"provider"`
	ProjectID  string         `json:"projectId,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// WorkItem is the payload handed to classification and extraction workers.
// The extraction fields are empty for classification jobs.
type WorkItem struct {
	OrgID         string       `json:"orgId"`
	FileID        string       `json:"fileId"`
	FilePath      string       `json:"filePath"`
	SourceID      string       `json:"sourceId"`
	CommitID      string       `json:"commitId,omitempty"`
	Metadata      FileMetadata `json:"metadata"`
	JobID         string       `json:"jobId,omitempty"`
	DedupeKey     string       `json:"dedupeKey,omitempty"`
	Slot          string       `json:"slot,omitempty"`
	Parser        string       `json:"parser,omitempty"`
	ParserVersion string       `json:"parserVersion,omitempty"`
}

// DomainEvent is published to external subscribers when a file finishes a
// pipeline pass.
type DomainEvent struct {
	Type      string         `json:"type"`
	OrgID     string         `json:"orgId"`
	FileID    string         `json:"fileId"`
	ClusterID string         `json:"clusterId,omitempty"`
	CommitID  string         `json:"commitId,omitempty"`
	Slots     []string       `json:"slots,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	Timestamp string         `json:"timestamp"`
}

const (
	DomainEventFileProcessed        = "file.processed"
	DomainEventFileClusterProcessed = "file.cluster.processed"
)

const (
	QueueSync           = "sync"
	QueueClassification = "classification"
	QueueExtraction     = "extraction"
)

const (
	LabelFile       = "File"
	LabelFolder     = "Folder"
	LabelCluster    = "ContentCluster"
	LabelSlot       = "Slot"
	LabelExtraction = "Extraction"

	EdgeContains      = "CONTAINS"
	EdgeHasCluster    = "HAS_CLUSTER"
	EdgeFillsSlot     = "FILLS_SLOT"
	EdgeHasExtraction = "HAS_EXTRACTION"
)
