package atlas

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	craerrors "github.com/R3E-Network/cra/infrastructure/errors"
)

// Loader parses a raw atlas manifest into a validated, immutable Atlas.
type Loader struct{}

// NewLoader constructs a Loader. It holds no state; manifests are
// self-describing and require no loader-side configuration.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses raw into an Atlas. It gjson-pre-scans the three fields needed
// to reject an unversioned or malformed manifest before paying for a full
// unmarshal into the typed struct tree, then runs Validate and returns
// InvalidAtlas if any finding is produced.
func (l *Loader) Load(raw []byte) (*Atlas, error) {
	if !gjson.ValidBytes(raw) {
		return nil, craerrors.New(craerrors.CodeInvalidAtlas, "manifest is not valid JSON")
	}

	id := gjson.GetBytes(raw, "id")
	version := gjson.GetBytes(raw, "version")
	schemaVersion := gjson.GetBytes(raw, "schema_version")
	if !id.Exists() || id.String() == "" {
		return nil, craerrors.New(craerrors.CodeInvalidAtlas, "manifest is missing required field \"id\"")
	}
	if !version.Exists() || version.String() == "" {
		return nil, craerrors.New(craerrors.CodeInvalidAtlas, "manifest is missing required field \"version\"")
	}
	if !schemaVersion.Exists() || schemaVersion.String() == "" {
		return nil, craerrors.New(craerrors.CodeInvalidAtlas, "manifest is missing required field \"schema_version\"")
	}

	var a Atlas
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, craerrors.Wrap(craerrors.CodeInvalidAtlas, "failed to decode atlas manifest", err)
	}
	for i := range a.ContextBlocks {
		a.ContextBlocks[i].declOrder = i
	}

	if findings := Validate(&a); len(findings) > 0 {
		msgs := make([]string, len(findings))
		for i, f := range findings {
			msgs[i] = f.String()
		}
		return nil, craerrors.InvalidAtlas(msgs)
	}

	return &a, nil
}

// LoadFile reads path from disk and loads it as an atlas manifest.
func (l *Loader) LoadFile(path string) (*Atlas, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("atlas: read %q: %w", path, err)
	}
	return l.Load(raw)
}
