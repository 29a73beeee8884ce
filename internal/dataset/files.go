package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

// Result list keys of the persisted artifacts.
const (
	AnnotationsKey   = "annotations"
	LocalizationsKey = "localizations"
)

// Artifact is the content of an annotation or localization file.
type Artifact struct {
	Results   []json.RawMessage
	CreatedAt string
}

// ReadArtifact reads the list stored under key in the file at path.
func ReadArtifact(path, key string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return Artifact{}, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, ok := doc[key]
	if !ok {
		return Artifact{}, fmt.Errorf("parse %s: no %q list", path, key)
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a.Results); err != nil {
		return Artifact{}, fmt.Errorf("parse %s: %q is not a list: %w", path, key, err)
	}
	if c, ok := doc["created_at"]; ok {
		if err := json.Unmarshal(c, &a.CreatedAt); err != nil {
			return Artifact{}, fmt.Errorf("parse %s: created_at: %w", path, err)
		}
	}
	return a, nil
}

// WriteArtifact writes results under key, with a creation timestamp, to
// dir/name. The file appears atomically.
func WriteArtifact(dir, name, key string, results []json.RawMessage, createdAt time.Time) error {
	if results == nil {
		results = []json.RawMessage{}
	}
	doc := map[string]any{
		key:          results,
		"created_at": createdAt.Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return writeFileAtomic(dir, name, data)
}

// FilePersister writes each completed group to its own file in Folder.
type FilePersister struct {
	Folder string
	// Key names the result list, AnnotationsKey or LocalizationsKey.
	Key string
	// Name maps a group key to its file name.
	Name func(groupKey string) string
}

// Persist implements orchestrator.Persister.
func (p FilePersister) Persist(rec orchestrator.CompletionRecord) error {
	name := p.Name(rec.GroupKey)
	if err := WriteArtifact(p.Folder, name, p.Key, rec.Results, rec.CreatedAt); err != nil {
		return fmt.Errorf("persist %s: %w", rec.GroupKey, err)
	}
	return nil
}

// Path returns where the group is persisted.
func (p FilePersister) Path(groupKey string) string {
	return filepath.Join(p.Folder, p.Name(groupKey))
}

// AnnotationPersister stores 2-D annotations as <base>_2d.json.
func AnnotationPersister(folder string) FilePersister {
	return FilePersister{Folder: folder, Key: AnnotationsKey, Name: AnnotationName}
}

// LocalizationPersister stores 3-D localizations as pNNNgNN_3d.json. Group
// keys are sequence names.
func LocalizationPersister(folder string) FilePersister {
	return FilePersister{
		Folder: folder,
		Key:    LocalizationsKey,
		Name:   func(groupKey string) string { return groupKey + localizationSuffix },
	}
}
