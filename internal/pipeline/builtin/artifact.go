package builtin

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"

	"docflow/internal/document"
	"docflow/internal/pipeline"
	"docflow/internal/storage"
)

// ArtifactText reads text artifacts from object storage into the document.
// Each accepted blob of params.artifact_type gets a "content" entry; when the
// type holds a single blob its content is also copied to params.target.
//
// Accepted blobs match params.accept_extensions (case-insensitive suffixes)
// or params.accept_regexes. params.encoding names the charset; without it,
// valid UTF-8 is used as is and anything else is read as Windows-1252.
type ArtifactText struct {
	regexes []*regexp.Regexp
	enc     encoding.Encoding
}

func (a *ArtifactText) Init(params map[string]any, _ pipeline.Env) error {
	for _, k := range []string{"target", "artifact_type"} {
		if s, _ := params[k].(string); s == "" {
			return fmt.Errorf("%s: parameter %s is required", ArtifactTextName, k)
		}
	}
	for _, expr := range stringsParam(params, "accept_regexes") {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("%s: accept_regexes: %w", ArtifactTextName, err)
		}
		a.regexes = append(a.regexes, re)
	}
	if name, _ := params["encoding"].(string); name != "" {
		enc, err := htmlindex.Get(name)
		if err != nil {
			return fmt.Errorf("%s: encoding %q: %w", ArtifactTextName, name, err)
		}
		a.enc = enc
	}
	return nil
}

func (a *ArtifactText) accepts(filename string, extensions []string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	for _, re := range a.regexes {
		if re.MatchString(filename) {
			return true
		}
	}
	return false
}

func (a *ArtifactText) Process(ctx context.Context, sc *pipeline.StepContext, params map[string]any, doc document.Document) (document.Document, error) {
	target, _ := params["target"].(string)
	artifactType, _ := params["artifact_type"].(string)
	recompute := boolParam(params, "recompute", false)
	extensions := stringsParam(params, "accept_extensions")

	blobs := storage.Artifacts(doc, artifactType)
	if len(blobs) == 0 {
		sc.Status["message"] = "no blob data to extract"
		return doc, nil
	}
	if sc.Blobs == nil || !sc.Blobs.Enabled() {
		return doc, storage.ErrDisabled
	}

	for _, blob := range blobs {
		if _, done := blob["content"]; done && !recompute {
			continue
		}
		filename, _ := blob["filename"].(string)
		remote, _ := blob["remote_file_path"].(string)
		if filename == "" || remote == "" {
			continue
		}
		if !a.accepts(filename, extensions) {
			sc.Status["message"] = "skipping unhandled content"
			continue
		}

		content, detected, err := a.read(ctx, sc.Blobs, remote)
		if err != nil {
			sc.Status["error"] = true
			sc.Status["message"] = err.Error()
			sc.Logger.Error("error extracting content", "file", remote, "error", err)
			continue
		}
		if detected != "" {
			sc.Status["detected_encoding"] = detected
		}
		blob["content"] = content
		if len(blobs) == 1 {
			doc[target] = content
		}
	}
	return doc, nil
}

// read fetches a blob and decodes it, reporting the charset it guessed.
func (a *ArtifactText) read(ctx context.Context, blobs *storage.Store, remote string) (string, string, error) {
	f, err := blobs.FetchToTemp(ctx, remote)
	if err != nil {
		return "", "", err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if a.enc != nil {
		data, err := io.ReadAll(a.enc.NewDecoder().Reader(f))
		return string(data), "", err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return "", "", err
	}
	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}
	data, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	return string(data), "windows-1252", err
}
