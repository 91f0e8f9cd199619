package ingestkit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ManifestName is the file written alongside a finalized data set.
const ManifestName = "dataset-manifest.json"

// DataStream is one materialized stream inside a data set. Paths are
// recorded relative to the ingestion working directory so the manifest
// stays portable across machines.
type DataStream struct {
	ID           uuid.UUID         `json:"identifier"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	CreationDate time.Time         `json:"creation-date"`
	Checksum     string            `json:"checksum"`
	MediaType    string            `json:"media-type"`
	Path         string            `json:"path"`
	SourceMeta   map[string]string `json:"source-metadata,omitempty"`
}

// DataSet is an ordered collection of data streams produced by one
// ingestion or transformation run. It is immutable once finalized;
// later runs supersede it rather than editing it.
type DataSet struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version,omitempty"`
	CreationDate time.Time    `json:"creation-date"`
	Streams      []DataStream `json:"streams"`
}

// WriteManifest serializes the data set manifest into dir.
func (ds *DataSet) WriteManifest(dir string) error {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	err = os.WriteFile(filepath.Join(dir, ManifestName), append(data, '\n'), 0o644)
	return errors.Wrap(err, "writing manifest")
}

// ReadManifest loads a manifest previously written to dir.
func ReadManifest(dir string) (*DataSet, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	var ds DataSet
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	return &ds, nil
}
