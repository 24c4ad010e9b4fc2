package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/document"
)

const articleSchema = `
#Article: {
	title: string
	lang?: "en" | "de"
	pages?: int & >0
	...
}

#Strict: {
	name: string
}
`

func TestValidate(t *testing.T) {
	v, err := Compile(articleSchema)
	require.NoError(t, err)

	tests := []struct {
		name    string
		doc     document.Document
		wantErr bool
	}{
		{name: "valid", doc: document.Document{"doc_type": "Article", "id": "1", "title": "t", "lang": "en", "@timestamp": "x"}},
		{name: "missing title", doc: document.Document{"doc_type": "Article", "id": "2"}, wantErr: true},
		{name: "bad enum", doc: document.Document{"doc_type": "Article", "id": "3", "title": "t", "lang": "fr"}, wantErr: true},
		{name: "bad bound", doc: document.Document{"doc_type": "Article", "id": "4", "title": "t", "pages": 0}, wantErr: true},
		{name: "closed definition", doc: document.Document{"doc_type": "Strict", "id": "5", "name": "n", "extra": 1}, wantErr: true},
		{name: "no schema for type", doc: document.Document{"doc_type": "Other", "id": "6"}},
		{name: "type is not an identifier", doc: document.Document{"doc_type": "web-page", "id": "7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.doc)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.doc.DocType(), ve.DocType)
			assert.Equal(t, tt.doc.ID(), ve.ID)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "article.cue"), []byte("package schemas\n"+articleSchema), 0o644))

	v, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Article", "Strict"}, v.DocTypes())
	assert.Error(t, v.Validate(document.Document{"doc_type": "Article"}))
}

func TestLoadDirErrors(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = LoadDir(t.TempDir())
	assert.ErrorContains(t, err, "no CUE files")

	_, err = Compile("#A: {")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var v Validator = Nop{}
	assert.NoError(t, v.Validate(document.Document{}))
}

func TestValidateAs(t *testing.T) {
	v, err := Compile(`#Params: { limit: int & >0, ... }`)
	require.NoError(t, err)

	assert.NoError(t, v.ValidateAs("Params", map[string]any{"limit": 3}))
	assert.NoError(t, v.ValidateAs("Unknown", map[string]any{"limit": "x"}))

	err = v.ValidateAs("Params", map[string]any{"limit": 0})
	assert.ErrorIs(t, err, ErrValidation)
	err = v.ValidateAs("Params", map[string]any{})
	assert.ErrorIs(t, err, ErrValidation)
}
