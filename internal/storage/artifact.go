package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"

	"docflow/internal/document"
	"docflow/internal/keys"
)

func init() {
	_ = mime.AddExtensionType(".md", "text/markdown")
}

// Blob describes one stored artifact file, as recorded under
// doc.artifacts[<type>].
type Blob struct {
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type,omitempty"`
	RemoteFilePath string `json:"remote_file_path"`
	RemotePath     string `json:"remote_path"`
	FileSize       int64  `json:"file_size"`
}

func (b Blob) record() map[string]any {
	m := map[string]any{
		"filename":         b.Filename,
		"remote_file_path": b.RemoteFilePath,
		"remote_path":      b.RemotePath,
		"file_size":        b.FileSize,
	}
	if b.ContentType != "" {
		m["content_type"] = b.ContentType
	}
	return m
}

// RemotePath is the object prefix for a document's artifact type.
func (s *Store) RemotePath(doc document.Document, artifactType string) string {
	return s.names.ArtifactPath(doc.DocType(), doc.String(document.FieldInternalID), artifactType)
}

// artifactList returns doc.artifacts[artifactType] as a list.
func artifactList(doc document.Document, artifactType string) []any {
	arts := doc.Map(document.FieldArtifacts)
	if arts == nil {
		return nil
	}
	switch l := arts[artifactType].(type) {
	case []any:
		return l
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	}
	return nil
}

// Artifacts returns the recorded blobs of an artifact type. The maps are
// the document's own, so edits land in doc.
func Artifacts(doc document.Document, artifactType string) []map[string]any {
	var out []map[string]any
	for _, e := range artifactList(doc, artifactType) {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// FindArtifact returns the recorded blob with filename, or nil.
func FindArtifact(doc document.Document, artifactType, filename string) map[string]any {
	for _, e := range artifactList(doc, artifactType) {
		if m, ok := e.(map[string]any); ok && m["filename"] == filename {
			return m
		}
	}
	return nil
}

// SaveArtifact uploads r as an artifact of doc and records it under
// doc.artifacts[artifactType], replacing any entry with the same filename.
// size may be -1 when unknown.
func (s *Store) SaveArtifact(ctx context.Context, doc document.Document, artifactType, filename string, r io.Reader, size int64) (document.Document, error) {
	if err := s.check(); err != nil {
		return doc, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(cleanFilename(filename)))

	blob, err := s.SaveFile(ctx, s.RemotePath(doc, artifactType), filename, r, size, contentType)
	if err != nil {
		return doc, err
	}

	arts := doc.Map(document.FieldArtifacts)
	if arts == nil {
		arts = map[string]any{}
		doc[document.FieldArtifacts] = arts
	}
	list := artifactList(doc, artifactType)
	if existing := FindArtifact(doc, artifactType, filename); existing != nil {
		for k, v := range blob.record() {
			existing[k] = v
		}
	} else {
		list = append(list, blob.record())
	}
	arts[artifactType] = list
	return doc, nil
}

// SaveArtifactDir saves every regular file in dir as an artifact, skipping
// names matched by any of skip.
func (s *Store) SaveArtifactDir(ctx context.Context, doc document.Document, artifactType, dir string, skip ...*regexp.Regexp) (document.Document, error) {
	if err := s.check(); err != nil {
		return doc, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return doc, err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || skipped(e.Name(), skip) {
			continue
		}
		if err := s.saveLocal(ctx, doc, artifactType, filepath.Join(dir, e.Name())); err != nil {
			return doc, err
		}
	}
	return doc, nil
}

func (s *Store) saveLocal(ctx context.Context, doc document.Document, artifactType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = s.SaveArtifact(ctx, doc, artifactType, filepath.Base(path), f, info.Size())
	return err
}

func skipped(name string, skip []*regexp.Regexp) bool {
	for _, re := range skip {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// FetchArtifactToDirectory downloads every file of an artifact type into
// cacheDir/<doc_type>/<id>/<artifact_type>, skipping files already present,
// and returns that directory. It returns "" when doc has no such artifact.
// An empty cacheDir uses the configured cache.
func (s *Store) FetchArtifactToDirectory(ctx context.Context, doc document.Document, artifactType, cacheDir string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	list := artifactList(doc, artifactType)
	if list == nil {
		return "", nil
	}
	if cacheDir == "" {
		cacheDir = s.cfg.CacheDir
	}
	local := filepath.Join(cacheDir, keys.Escape(doc.DocType()), keys.Escape(doc.String(document.FieldInternalID)), artifactType)
	remote := s.RemotePath(doc, artifactType)

	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["filename"].(string)
		if name == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(local, filepath.Base(name))); err == nil {
			continue
		}
		if _, err := s.FetchToDirectory(ctx, remote+"/"+keys.Escape(name), local, name); err != nil {
			return "", fmt.Errorf("fetch artifact %s/%s: %w", artifactType, name, err)
		}
	}
	return local, nil
}

// FetchArtifactsToDirectory fetches every artifact type of doc.
func (s *Store) FetchArtifactsToDirectory(ctx context.Context, doc document.Document, cacheDir string) error {
	for artifactType := range doc.Map(document.FieldArtifacts) {
		if _, err := s.FetchArtifactToDirectory(ctx, doc, artifactType, cacheDir); err != nil {
			return err
		}
	}
	return nil
}
