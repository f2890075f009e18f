package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/streamspace/vscode-devcontainer-manager/internal/model"
)

// configMapData builds the Session Configuration Record (spec.md §4.1, the
// `<id>-config` ConfigMap): the environment the launch script and editor
// process read at container start, plus the VS Code customization slice a
// devcontainer.json may have carried.
func configMapData(token, baseImage, devcontainerImage, editorVersion string, customization model.Customization) (map[string]string, error) {
	vscodeConfig, err := json.Marshal(customization)
	if err != nil {
		return nil, fmt.Errorf("coordinator: encoding vscode customization: %w", err)
	}

	return map[string]string{
		"PORT":               "8000",
		"HOST":               "0.0.0.0",
		"TOKEN":              token,
		"CLI_DATA_DIR":       "/home/vscode/.vscode/cli-data",
		"USER_DATA_DIR":      "/home/vscode/.vscode/user-data",
		"SERVER_DATA_DIR":    "/home/vscode/.vscode/server-data",
		"EXTENSIONS_DIR":     "/home/vscode/.vscode/extensions",
		"BASE_IMAGE":         baseImage,
		"DEVCONTAINER_IMAGE": devcontainerImage,
		"VSCODE_VERSION":     editorVersion,
		"VSCODE_CONFIG":      string(vscodeConfig),
	}, nil
}
