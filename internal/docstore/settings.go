package docstore

import (
	"fmt"

	"docflow/internal/document"
)

// SettingRequiredFields lists fields every document of a collection must
// carry. Backends reject documents lacking them item by item.
const SettingRequiredFields = "required_fields"

// RequiredFields reads SettingRequiredFields from collection settings.
func RequiredFields(settings map[string]any) []string {
	var out []string
	switch v := settings[SettingRequiredFields].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, f := range v {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// CheckRequired returns an error naming the first required field body lacks.
func CheckRequired(settings map[string]any, body document.Document) error {
	for _, f := range RequiredFields(settings) {
		if !body.Has(f) {
			return fmt.Errorf("document is missing required field %q", f)
		}
	}
	return nil
}
