// Package model holds the request/response and orchestrator-object shapes
// shared across internal/handlers, internal/coordinator, and
// internal/template, so none of those packages need to import each other
// just to pass a struct around.
package model

// Default resource envelope values, per spec.md §3/§6 and the original
// service's own defaults.
const (
	DefaultStorageSize       = "2Gi"
	DefaultSharedStorageSize = "5Gi"
	DefaultMemoryRequest     = "512Mi"
	DefaultMemoryLimit       = "2Gi"
	DefaultCPURequest        = "200m"
	DefaultCPULimit          = "1000m"
	DefaultBaseImage         = "ubuntu:22.04"
	DefaultEditorVersion     = "1.97.2"
)

// ResourceSpec is the resource envelope a caller may override per request.
type ResourceSpec struct {
	StorageSize       string
	SharedStorageSize string
	MemoryRequest     string
	MemoryLimit       string
	CPURequest        string
	CPULimit          string
}

// WithDefaults fills any empty field with the package defaults.
func (r ResourceSpec) WithDefaults() ResourceSpec {
	if r.StorageSize == "" {
		r.StorageSize = DefaultStorageSize
	}
	if r.SharedStorageSize == "" {
		r.SharedStorageSize = DefaultSharedStorageSize
	}
	if r.MemoryRequest == "" {
		r.MemoryRequest = DefaultMemoryRequest
	}
	if r.MemoryLimit == "" {
		r.MemoryLimit = DefaultMemoryLimit
	}
	if r.CPURequest == "" {
		r.CPURequest = DefaultCPURequest
	}
	if r.CPULimit == "" {
		r.CPULimit = DefaultCPULimit
	}
	return r
}

// Customization is the VS Code specific slice of a devcontainer.json's
// "customizations.vscode" block, plus its top-level postCreateCommand,
// persisted into the Session Configuration Record as VSCODE_CONFIG.
type Customization struct {
	Extensions        []string               `json:"extensions"`
	Settings          map[string]interface{} `json:"settings"`
	PostCreateCommand string                 `json:"postCreateCommand,omitempty"`
}

// CustomizationFromDevcontainer extracts the VS Code-relevant fields out of
// a parsed devcontainer.json document. A nil or malformed document yields
// the zero-value (empty extensions, empty settings) customization.
func CustomizationFromDevcontainer(devcontainer map[string]interface{}) Customization {
	out := Customization{Extensions: []string{}, Settings: map[string]interface{}{}}
	if devcontainer == nil {
		return out
	}

	customizations, _ := devcontainer["customizations"].(map[string]interface{})
	vscode, _ := customizations["vscode"].(map[string]interface{})

	if exts, ok := vscode["extensions"].([]interface{}); ok {
		for _, e := range exts {
			if s, ok := e.(string); ok {
				out.Extensions = append(out.Extensions, s)
			}
		}
	}
	if settings, ok := vscode["settings"].(map[string]interface{}); ok {
		out.Settings = settings
	}
	if cmd, ok := devcontainer["postCreateCommand"].(string); ok {
		out.PostCreateCommand = cmd
	}
	return out
}

// CreateParams is the full, normalized parameter set behind all three
// create endpoints (simple / devcontainer / workspace archive).
type CreateParams struct {
	UserID        string
	BaseImage     string
	EditorVersion string
	Resources     ResourceSpec
}

// InstanceResponse mirrors VSCodeServerResponse from spec.md §6.
type InstanceResponse struct {
	InstanceID        string  `json:"instance_id"`
	URL               string  `json:"url"`
	AccessToken       string  `json:"access_token"`
	Status            string  `json:"status"`
	BaseImage         string  `json:"base_image"`
	DevcontainerImage *string `json:"devcontainer_image,omitempty"`
	BuildLogsURL      *string `json:"build_logs_url,omitempty"`
}

// InstanceListResponse is the supplemented GET /instances response.
type InstanceListResponse struct {
	Instances []InstanceResponse `json:"instances"`
}

// BuildStatusResponse mirrors the GET .../build-status response.
type BuildStatusResponse struct {
	InstanceID string  `json:"instance_id"`
	Status     string  `json:"status"`
	Error      *string `json:"error,omitempty"`
}

// BuildLogsResponse mirrors the GET .../build-logs response.
type BuildLogsResponse struct {
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Logs       string `json:"logs"`
}

// Instance statuses, per spec.md §6.
const (
	StatusCreating  = "Creating"
	StatusQueued    = "Queued"
	StatusBuilding  = "Building"
	StatusDeploying = "Deploying"
	StatusRunning   = "Running"
	StatusPending   = "Pending"
	StatusDeleted   = "Deleted"
	StatusNotFound  = "NotFound"
)

// Build tracker states, per spec.md §3 state graph.
const (
	BuildStateQueued    = "queued"
	BuildStateBuilding  = "building"
	BuildStateDeploying = "deploying"
	BuildStateCompleted = "completed"
	BuildStateFailed    = "failed"
)
