package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"chain-insights/internal/insight"
)

// InsightRecord is a persisted insight. Key is unique.
type InsightRecord struct {
	Key         string
	Type        string
	Severity    string
	Title       string
	Description string
	Data        json.RawMessage
	ObservedAt  time.Time
	CreatedAt   time.Time
}

// PostRecord captures one publish attempt for auditing.
type PostRecord struct {
	ID         int64
	InsightKey string
	Channel    string
	Text       string
	Status     string
	Error      *string
	CreatedAt  time.Time
}

const (
	PostStatusPublished = "published"
	PostStatusFailed    = "failed"
)

// FromInsight converts an analyzer insight into its persisted form.
func FromInsight(in insight.Insight) (InsightRecord, error) {
	data, err := json.Marshal(in.Data)
	if err != nil {
		return InsightRecord{}, fmt.Errorf("marshal insight data: %w", err)
	}
	return InsightRecord{
		Key:         in.Key,
		Type:        string(in.Type),
		Severity:    string(in.Severity),
		Title:       in.Title,
		Description: in.Description,
		Data:        data,
		ObservedAt:  in.Timestamp.UTC(),
	}, nil
}

// Field decodes one top-level value of Data as text, or "" when absent.
func (r InsightRecord) Field(name string) string {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return ""
	}
	v, ok := m[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
