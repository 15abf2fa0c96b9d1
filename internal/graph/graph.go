// Package graph holds the property-graph contract used by the ingestion pipeline
// and an in-memory implementation whose state can be snapshotted to a backend.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

type Node struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	MergeKey  string         `json:"mergeKey,omitempty"`
	Props     map[string]any `json:"props"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type Edge struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	MergeKey  string         `json:"mergeKey,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store is the subset of property-graph operations the pipeline relies on.
// MergeNode and MergeEdge are atomic: concurrent callers with the same key
// observe a single node or edge.
type Store interface {
	MergeNode(ctx context.Context, label string, key, props map[string]any) (Node, bool, error)
	CreateNode(ctx context.Context, label string, props map[string]any) (Node, error)
	GetNode(ctx context.Context, id string) (Node, error)
	FindNodes(ctx context.Context, label string, match map[string]any, limit int) ([]Node, error)
	SetProps(ctx context.Context, id string, props map[string]any) (Node, error)
	CreateEdge(ctx context.Context, edgeType, from, to string, props map[string]any) (Edge, error)
	MergeEdge(ctx context.Context, edgeType, from, to string, props map[string]any) (Edge, bool, error)
	UpdateEdge(ctx context.Context, id string, props map[string]any) error
	Edges(ctx context.Context, nodeID, edgeType string, dir Direction) ([]Edge, error)
}

func (n Node) String(key string) string {
	return StringProp(n.Props, key)
}

func (n Node) Bool(key string) bool {
	v, _ := n.Props[key].(bool)
	return v
}

func (n Node) Int64(key string) int64 {
	return Int64Prop(n.Props, key)
}

func (n Node) Float(key string) float64 {
	return FloatProp(n.Props, key)
}

func StringProp(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func Int64Prop(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func FloatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// valuesEqual compares property values after JSON-style normalization, so a
// value read back from a snapshot (float64) matches the int it was written as.
func valuesEqual(a, b any) bool {
	return normalizeValue(a) == normalizeValue(b)
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case int:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	case json.Number:
		f, _ := typed.Float64()
		return f
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case nil, string, bool, float64:
		return typed
	default:
		return fmt.Sprint(typed)
	}
}

func mergeKeyFor(label string, key map[string]any) string {
	names := make([]string, 0, len(key))
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(strconv.Quote(label))
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(strconv.Quote(name))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(fmt.Sprint(normalizeValue(key[name]))))
	}
	return b.String()
}

func copyProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func matches(props, match map[string]any) bool {
	for k, want := range match {
		if !valuesEqual(props[k], want) {
			return false
		}
	}
	return true
}
