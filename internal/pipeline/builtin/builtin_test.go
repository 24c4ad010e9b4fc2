package builtin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/document"
	"docflow/internal/keys"
	"docflow/internal/pipeline"
	"docflow/internal/storage"
)

func run(t *testing.T, env pipeline.Env, docType string, steps ...pipeline.StepConfig) func(document.Document) document.Document {
	t.Helper()
	reg := pipeline.NewRegistry()
	Register(reg)
	p, err := pipeline.New(pipeline.Config{docType: {Processors: steps}}, reg, env)
	require.NoError(t, err)
	return func(doc document.Document) document.Document {
		out, err := p.Process(context.Background(), doc)
		require.NoError(t, err)
		return out
	}
}

func TestRegisterNames(t *testing.T) {
	reg := pipeline.NewRegistry()
	Register(reg)
	assert.Equal(t, []string{ArtifactTextName, DateNormalizerName, DropWhenName, NoopName, SetFieldsName}, reg.Names())
}

func TestSetFields(t *testing.T) {
	tests := []struct {
		name      string
		overwrite any
		want      any
	}{
		{name: "overwrite by default", overwrite: nil, want: "new"},
		{name: "keep existing", overwrite: false, want: "old"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]any{"fields": map[string]any{"source": "new", "lang": "en"}}
			if tt.overwrite != nil {
				params["overwrite"] = tt.overwrite
			}
			process := run(t, pipeline.Env{}, "T", pipeline.StepConfig{Name: SetFieldsName, Parameters: params})
			out := process(document.Document{"doc_type": "T", "source": "old"})
			assert.Equal(t, tt.want, out["source"])
			assert.Equal(t, "en", out["lang"])
		})
	}
}

func TestDropWhen(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		doc    document.Document
		drop   bool
	}{
		{name: "equal value", params: map[string]any{"field": "status", "equals": "spam"}, doc: document.Document{"status": "spam"}, drop: true},
		{name: "other value", params: map[string]any{"field": "status", "equals": "spam"}, doc: document.Document{"status": "ok"}},
		{name: "numbers compare by text", params: map[string]any{"field": "n", "equals": 3}, doc: document.Document{"n": 3.0}, drop: true},
		{name: "missing kept", params: map[string]any{"field": "status", "equals": "spam"}, doc: document.Document{}},
		{name: "missing dropped", params: map[string]any{"field": "status", "missing": true}, doc: document.Document{}, drop: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			process := run(t, pipeline.Env{}, "T", pipeline.StepConfig{Name: DropWhenName, Parameters: tt.params})
			tt.doc["doc_type"] = "T"
			out := process(tt.doc)
			if tt.drop {
				assert.Nil(t, out)
			} else {
				assert.NotNil(t, out)
			}
		})
	}
}

func TestDropWhenRequiresField(t *testing.T) {
	reg := pipeline.NewRegistry()
	Register(reg)
	_, err := pipeline.New(pipeline.Config{"T": {Processors: []pipeline.StepConfig{{Name: DropWhenName}}}}, reg, pipeline.Env{})
	assert.ErrorContains(t, err, "field")
}

func TestDateNormalizer(t *testing.T) {
	tests := []struct {
		name    string
		formats any
		value   any
		want    any
	}{
		{name: "rfc3339 with offset", value: "2024-03-01T10:00:00+02:00", want: "2024-03-01T08:00:00Z"},
		{name: "date only", value: "2024-03-01", want: "2024-03-01T00:00:00Z"},
		{name: "long form", value: "March 1, 2024", want: "2024-03-01T00:00:00Z"},
		{name: "custom layout", formats: "02.01.2006", value: "01.03.2024", want: "2024-03-01T00:00:00Z"},
		{name: "garbage", value: "sometime", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]any{"source": "published", "target": "published_at"}
			if tt.formats != nil {
				params["date_formats"] = tt.formats
			}
			process := run(t, pipeline.Env{}, "T", pipeline.StepConfig{Name: DateNormalizerName, Parameters: params})
			out := process(document.Document{"doc_type": "T", "published": tt.value})
			assert.Equal(t, tt.want, out["published_at"])
		})
	}
}

func TestDateNormalizerSkipsMissingSource(t *testing.T) {
	process := run(t, pipeline.Env{}, "T", pipeline.StepConfig{Name: DateNormalizerName, Parameters: map[string]any{"source": "a", "target": "b"}})
	out := process(document.Document{"doc_type": "T"})
	assert.NotContains(t, out, "b")
}

// objects is a minimal in-memory object client.
type objects map[string][]byte

func (o objects) BucketExists(context.Context, string) (bool, error) { return true, nil }

func (o objects) MakeBucket(context.Context, string, minio.MakeBucketOptions) error { return nil }

func (o objects) PutObject(_ context.Context, _, name string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	o[name] = data
	return minio.UploadInfo{Key: name, Size: int64(len(data))}, nil
}

func (o objects) FGetObject(_ context.Context, _, name, path string, _ minio.GetObjectOptions) error {
	data, ok := o[name]
	if !ok {
		return errors.New("NoSuchKey")
	}
	return os.WriteFile(path, data, 0o644)
}

func TestArtifactText(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewWithClient(objects{}, storage.Config{Enabled: true, Bucket: "b", CacheDir: t.TempDir()}, keys.Default(), nil)

	doc := document.Document{"doc_type": "T", "_id": "1", "id": "1"}
	_, err := blobs.SaveArtifact(ctx, doc, "raw", "note.txt", bytes.NewReader([]byte("caf\xe9")), 4)
	require.NoError(t, err)

	process := run(t, pipeline.Env{Blobs: blobs}, "T", pipeline.StepConfig{
		Name:       ArtifactTextName,
		Parameters: map[string]any{"target": "content", "artifact_type": "raw", "accept_extensions": []any{".TXT"}},
	})
	out := process(doc)

	assert.Equal(t, "café", out["content"])
	assert.Equal(t, "café", storage.FindArtifact(out, "raw", "note.txt")["content"])
	rec := out[document.FieldPipeline].([]any)[0].(map[string]any)
	assert.Equal(t, "windows-1252", rec[pipeline.RecordStatus].(map[string]any)["detected_encoding"])
}

func TestArtifactTextExplicitEncoding(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewWithClient(objects{}, storage.Config{Enabled: true, Bucket: "b", CacheDir: t.TempDir()}, keys.Default(), nil)

	doc := document.Document{"doc_type": "T", "_id": "1", "id": "1"}
	_, err := blobs.SaveArtifact(ctx, doc, "raw", "a.dat", bytes.NewReader([]byte("\xe4")), 1)
	require.NoError(t, err)
	_, err = blobs.SaveArtifact(ctx, doc, "raw", "b.bin", bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	process := run(t, pipeline.Env{Blobs: blobs}, "T", pipeline.StepConfig{
		Name: ArtifactTextName,
		Parameters: map[string]any{
			"target": "content", "artifact_type": "raw",
			"accept_regexes": []any{`\.dat$`}, "encoding": "iso-8859-1",
		},
	})
	out := process(doc)

	assert.Equal(t, "ä", storage.FindArtifact(out, "raw", "a.dat")["content"])
	assert.NotContains(t, storage.FindArtifact(out, "raw", "b.bin"), "content")
	assert.NotContains(t, out, "content", "target is only set for single-blob types")
}

func TestArtifactTextWithoutStorage(t *testing.T) {
	process := run(t, pipeline.Env{}, "T", pipeline.StepConfig{
		Name:       ArtifactTextName,
		Parameters: map[string]any{"target": "content", "artifact_type": "raw"},
	})

	out := process(document.Document{"doc_type": "T", "artifacts": map[string]any{"raw": []any{map[string]any{"filename": "a", "remote_file_path": "x"}}}})
	rec := out[document.FieldPipeline].([]any)[0].(map[string]any)
	assert.Equal(t, true, rec[pipeline.RecordError])

	out = process(document.Document{"doc_type": "T"})
	rec = out[document.FieldPipeline].([]any)[0].(map[string]any)
	assert.Equal(t, "no blob data to extract", rec[pipeline.RecordStatus].(map[string]any)["message"])
}
