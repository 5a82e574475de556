package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/david/bandi-engine/internal/models"
)

// exportFile is the JSON layout produced by the upstream export job:
//
//	{"sources": [{"name": "RegioneX", "kind": "portal", "records": [{...}]}]}
type exportFile struct {
	Sources []struct {
		Name       string           `json:"name"`
		Kind       string           `json:"kind"`
		ExportedAt *time.Time       `json:"exported_at"`
		Records    []map[string]any `json:"records"`
	} `json:"sources"`
}

// FileSource serves raw records and client profiles from local export files.
// The offline CLI uses it in place of the database.
type FileSource struct {
	batches map[string]SourceBatch
	clients []models.ClientProfile
}

// LoadFileSource reads a JSON records export and a YAML clients file.
// clientsPath may be empty.
func LoadFileSource(recordsPath, clientsPath string) (*FileSource, error) {
	data, err := os.ReadFile(recordsPath)
	if err != nil {
		return nil, fmt.Errorf("read records export: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var export exportFile
	if err := dec.Decode(&export); err != nil {
		return nil, fmt.Errorf("decode records export: %w", err)
	}

	fs := &FileSource{batches: make(map[string]SourceBatch)}
	for _, src := range export.Sources {
		name := cleanText(src.Name)
		if name == "" {
			return nil, fmt.Errorf("records export contains a source without name")
		}
		kind, err := ParseSourceKind(src.Kind)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", name, err)
		}
		batch := fs.batches[name]
		batch.Source, batch.Kind = name, kind
		for _, fields := range src.Records {
			batch.Records = append(batch.Records, RawSourceRecord{
				Source: name, Kind: kind, Fields: fields, IngestedAt: src.ExportedAt,
			})
		}
		fs.batches[name] = batch
	}

	if clientsPath != "" {
		raw, err := os.ReadFile(clientsPath)
		if err != nil {
			return nil, fmt.Errorf("read clients file: %w", err)
		}
		var doc struct {
			Clients []models.ClientProfile `yaml:"clients"`
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode clients file: %w", err)
		}
		fs.clients = doc.Clients
	}

	return fs, nil
}

func (f *FileSource) SourceNames(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(f.batches))
	for name := range f.batches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileSource) Records(ctx context.Context, source string) (SourceBatch, error) {
	for name, batch := range f.batches {
		if strings.EqualFold(name, source) {
			return batch, nil
		}
	}
	return SourceBatch{Source: source}, nil
}

func (f *FileSource) ActiveClients(ctx context.Context) ([]models.ClientProfile, error) {
	var active []models.ClientProfile
	for _, c := range f.clients {
		if c.Active {
			active = append(active, c)
		}
	}
	return active, nil
}

// Clients returns every profile in the file, active or not.
func (f *FileSource) Clients() []models.ClientProfile {
	return append([]models.ClientProfile(nil), f.clients...)
}
