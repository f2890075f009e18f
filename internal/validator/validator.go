// Package validator implements the request-validation rules named in
// spec.md §4.7: base-image pattern, devcontainer JSON well-formedness,
// and workspace archive shape.
package validator

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// baseImagePattern is spec.md §4.7's required base-image format.
var baseImagePattern = regexp.MustCompile(`^[A-Za-z0-9][-A-Za-z0-9_./:]*$`)

// BaseImage validates a base image reference.
func BaseImage(image string) error {
	if !baseImagePattern.MatchString(image) {
		return fmt.Errorf("invalid base image format: %q", image)
	}
	return nil
}

// DevcontainerJSON parses raw bytes as a devcontainer.json document.
func DevcontainerJSON(raw []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid devcontainer.json: %w", err)
	}
	return doc, nil
}

// WorkspaceArchiveContainsDevcontainer verifies that raw is a
// gzip-compressed tar archive containing a devcontainer.json file
// somewhere in its tree, per spec.md §4.7. It does not extract the
// archive; extraction happens later, once the request has already been
// accepted, in internal/coordinator.
func WorkspaceArchiveContainsDevcontainer(raw []byte) error {
	gz, err := gzip.NewReader(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid workspace archive: not gzip-compressed: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("invalid workspace archive: malformed tar: %w", err)
		}
		if strings.HasSuffix(header.Name, "devcontainer.json") {
			return nil
		}
	}
	return fmt.Errorf("invalid workspace archive: no devcontainer.json found")
}
