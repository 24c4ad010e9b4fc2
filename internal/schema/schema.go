// Package schema validates documents against per-type CUE definitions.
//
// A schema directory holds *.cue files; the definition #<DocType> applies to
// documents of that type. Types without a definition are not checked.
// Definitions are closed, so schemas that accept extra fields end with "...":
//
//	#Article: {
//		title: string
//		lang?: "en" | "de"
//		...
//	}
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"docflow/internal/document"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("schema validation failed")

// ValidationError reports a document that does not satisfy its schema.
type ValidationError struct {
	DocType string
	ID      string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s/%s: %v", e.DocType, e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validator checks a document. It returns a *ValidationError on mismatch.
type Validator interface {
	Validate(doc document.Document) error
}

// Nop accepts everything.
type Nop struct{}

func (Nop) Validate(document.Document) error { return nil }

// CUE validates against definitions compiled from CUE source. A cue.Context
// is not safe for concurrent use, so calls are serialized.
type CUE struct {
	mu   sync.Mutex
	ctx  *cue.Context
	root cue.Value
}

// LoadDir builds a validator from the CUE package in dir.
func LoadDir(dir string) (*CUE, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, errors.New("no CUE instances loaded")
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", err)
	}
	root := ctx.BuildInstance(instances[0])
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}
	return &CUE{ctx: ctx, root: root}, nil
}

// Compile builds a validator from CUE source.
func Compile(src string) (*CUE, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src)
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compiling CUE: %w", err)
	}
	return &CUE{ctx: ctx, root: root}, nil
}

func (c *CUE) definition(docType string) (cue.Value, bool) {
	if !ast.IsValidIdent("#" + docType) {
		return cue.Value{}, false
	}
	v := c.root.LookupPath(cue.MakePath(cue.Def(docType)))
	return v, v.Exists()
}

// DocTypes lists the document types that have a definition.
func (c *CUE) DocTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	iter, err := c.root.Fields(cue.Definitions(true))
	if err != nil {
		return nil
	}
	var out []string
	for iter.Next() {
		if sel := iter.Selector(); sel.IsDefinition() {
			out = append(out, strings.TrimPrefix(sel.String(), "#"))
		}
	}
	sort.Strings(out)
	return out
}

func (c *CUE) Validate(doc document.Document) error {
	err := c.ValidateAs(doc.DocType(), doc)
	var ve *ValidationError
	if errors.As(err, &ve) {
		ve.ID = doc.ID()
	}
	return err
}

// ValidateAs checks v against the definition #name. Without such a
// definition everything is accepted.
func (c *CUE) ValidateAs(name string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	def, ok := c.definition(name)
	if !ok {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return &ValidationError{DocType: name, Err: err}
	}
	val := c.ctx.CompileBytes(raw)
	if err := val.Err(); err != nil {
		return &ValidationError{DocType: name, Err: err}
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{DocType: name, Err: err}
	}
	return nil
}
