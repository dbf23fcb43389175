package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one row of an uploaded CSV, keyed by column name.
type Record map[string]any

// Dataset is the summary of one uploaded CSV file as returned by the
// latest and history endpoints.
type Dataset struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	SourceFilename   string         `json:"source_filename,omitempty"`
	UploadedAt       time.Time      `json:"uploaded_at"`
	TotalRecords     int            `json:"total_records"`
	AvgFlowrate      float64        `json:"avg_flowrate"`
	AvgPressure      float64        `json:"avg_pressure"`
	AvgTemperature   float64        `json:"avg_temperature"`
	TypeDistribution map[string]int `json:"type_distribution"`
	// Metrics is an opaque server-computed payload.
	Metrics map[string]any `json:"metrics,omitempty"`
	// Records is only sent by the latest, upload and detail endpoints.
	Records []Record `json:"records,omitempty"`
}

// DatasetDetail is the payload of the detail endpoint.
type DatasetDetail struct {
	Dataset
}

// Validate checks the fields every dataset payload must carry.
func (d *Dataset) Validate() error {
	if d == nil {
		return errors.New("dataset is null")
	}
	if _, err := uuid.Parse(d.ID); err != nil {
		return fmt.Errorf("dataset id %q: %w", d.ID, err)
	}
	if d.UploadedAt.IsZero() {
		return fmt.Errorf("dataset %s: missing uploaded_at", d.ID)
	}
	if d.TotalRecords < 0 {
		return fmt.Errorf("dataset %s: negative total_records %d", d.ID, d.TotalRecords)
	}
	for category, count := range d.TypeDistribution {
		if count < 0 {
			return fmt.Errorf("dataset %s: negative count %d for %q", d.ID, count, category)
		}
	}
	return nil
}

// DisplayName returns the dataset name or a generic placeholder.
func (d *Dataset) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return "dataset"
}

// ValidateID checks that id is a dataset identifier (UUID).
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &Error{Kind: KindValidation, Detail: fmt.Sprintf("Invalid dataset id %q.", id), Err: err}
	}
	return nil
}

// decodeDataset parses a single dataset payload. An empty body or JSON null
// yields nil without error.
func decodeDataset(body []byte) (*Dataset, error) {
	if isEmptyJSON(body) {
		return nil, nil
	}
	var d Dataset
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func decodeHistory(body []byte) ([]Dataset, error) {
	if isEmptyJSON(body) {
		return []Dataset{}, nil
	}
	var out []Dataset
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("history entry %d: %w", i, err)
		}
	}
	if out == nil {
		out = []Dataset{}
	}
	return out, nil
}

func decodeDetail(body []byte) (*DatasetDetail, error) {
	var d DatasetDetail
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode dataset detail: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func isEmptyJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
