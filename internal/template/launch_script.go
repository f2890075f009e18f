package template

// launchScriptTemplate is the bootstrap shell script rendered into each
// instance's pod spec as its container command. It is treated as data,
// not logic: parameters are substituted once via text/template and the
// result execs into the editor process, never re-entered.
//
// Ported from the original service's embedded installer, same
// architecture dispatch, same marketplace VSIX handling, same
// empty-workspace README seed, same serve-web flag set.
const launchScriptTemplate = `#!/bin/bash
set -e

echo "=== code-server bootstrap ==="
echo "Architecture: $(uname -m)"
echo "Home directory: $HOME"

if ! id vscode >/dev/null 2>&1; then
    echo "Creating vscode user..."
    useradd -m -s /bin/bash -u 1000 vscode 2>/dev/null || true
fi

if command -v apt-get >/dev/null 2>&1; then
    apt-get update >/dev/null 2>&1 || true
    apt-get install -y curl wget ca-certificates git sudo jq unzip file tar gzip >/dev/null 2>&1 || true
fi

INSTALL_LOCATION="/home/vscode/.local/bin"
DATA_DIR="/home/vscode/.vscode-server"
EDITOR_VERSION="{{ .EditorVersion }}"

mkdir -p "$INSTALL_LOCATION"
mkdir -p "$DATA_DIR/data/Machine"
mkdir -p "$DATA_DIR/extensions"
mkdir -p /home/vscode/.vscode/cli-data
mkdir -p /home/vscode/.vscode/user-data
mkdir -p /home/vscode/.vscode/server-data
mkdir -p /home/vscode/.vscode/extensions

if [ ! -e "$INSTALL_LOCATION/code" ]; then
    echo "Installing editor CLI..."

    if [ "$(uname -m)" = "x86_64" ]; then
        TARGET="cli-linux-x64"
    elif [ "$(uname -m)" = "aarch64" ] || [ "$(uname -m)" = "arm64" ]; then
        TARGET="cli-linux-arm64"
    else
        echo "ERROR: unsupported architecture: $(uname -m)"
        exit 1
    fi

    DOWNLOAD_URL="https://update.code.visualstudio.com/${EDITOR_VERSION}/${TARGET}/stable"
    echo "Downloading from: $DOWNLOAD_URL"

    if type curl > /dev/null 2>&1; then
        curl -L "$DOWNLOAD_URL" | tar xz -C "$INSTALL_LOCATION"
    elif type wget > /dev/null 2>&1; then
        wget -qO- "$DOWNLOAD_URL" | tar xz -C "$INSTALL_LOCATION"
    else
        echo "ERROR: need curl or wget in the base image"
        exit 1
    fi

    chmod +x "$INSTALL_LOCATION/code"
else
    echo "Editor CLI already present at $INSTALL_LOCATION/code"
fi

chown -R vscode:vscode /home/vscode /workspace /shared
export PATH="$INSTALL_LOCATION:$PATH"

echo "Testing editor CLI..."
"$INSTALL_LOCATION/code" --version

install_extension_from_marketplace() {
    local extension=$1
    local publisher=$(echo "$extension" | cut -d. -f1)
    local name=$(echo "$extension" | cut -d. -f2)

    echo "Installing extension: $extension"

    local temp_dir=$(mktemp -d)
    local vsix_file="$temp_dir/${extension}.vsix"
    local market_url="https://${publisher}.gallery.vsassets.io/_apis/public/gallery/publisher/${publisher}/extension/${name}/latest/assetbyname/Microsoft.VisualStudio.Services.VSIXPackage"

    echo "  Downloading from: $market_url"

    if curl -L -f -H "Accept-Encoding: gzip" -o "$vsix_file" "$market_url" 2>/dev/null; then
        if file "$vsix_file" | grep -q "gzip compressed data"; then
            mv "$vsix_file" "$vsix_file.gz"
            gunzip "$vsix_file.gz" || true
        fi

        if file "$vsix_file" | grep -q -E "(Zip archive data|ZIP archive data|Java archive data)"; then
            local ext_dir="$DATA_DIR/extensions/${publisher}.${name}"
            rm -rf "$ext_dir"
            mkdir -p "$ext_dir"

            if unzip -q -o "$vsix_file" -d "$ext_dir" 2>/dev/null; then
                if [ -f "$ext_dir/extension/package.json" ]; then
                    mv "$ext_dir/extension/"* "$ext_dir/" 2>/dev/null || true
                    rmdir "$ext_dir/extension" 2>/dev/null || true
                fi
                chown -R vscode:vscode "$ext_dir"
                echo "  installed $extension"
            else
                echo "  failed to extract $extension"
            fi
        else
            echo "  downloaded file is not a valid VSIX/ZIP archive"
        fi
    else
        echo "  failed to download $extension"
    fi

    rm -rf "$temp_dir"
}

echo "Processing editor configuration..."
if [ -n "${VSCODE_CONFIG}" ]; then
    echo "${VSCODE_CONFIG}" > /tmp/vscode_config.json

    extensions=$(jq -r '.extensions[]?' /tmp/vscode_config.json 2>/dev/null || echo "")
    if [ -n "$extensions" ]; then
        echo "$extensions" | while read -r extension; do
            [ -n "$extension" ] && install_extension_from_marketplace "$extension"
        done
    fi

    settings=$(jq -c '.settings' /tmp/vscode_config.json 2>/dev/null || echo "{}")
    if [ "$settings" != "{}" ] && [ "$settings" != "null" ]; then
        mkdir -p "$DATA_DIR/data/Machine"
        echo "$settings" > "$DATA_DIR/data/Machine/settings.json"
        chown -R vscode:vscode "$DATA_DIR/data"
    fi

    postCreateCommand=$(jq -r '.postCreateCommand // ""' /tmp/vscode_config.json 2>/dev/null)
    if [ -n "$postCreateCommand" ] && [ "$postCreateCommand" != "null" ]; then
        echo "Running post-create command: $postCreateCommand"
        su - vscode -c "cd /workspace && $postCreateCommand" || echo "post-create command failed"
    fi

    rm -f /tmp/vscode_config.json
fi

export TOKEN="${TOKEN}"
export CLI_DATA_DIR="${CLI_DATA_DIR}"
export USER_DATA_DIR="${USER_DATA_DIR}"
export SERVER_DATA_DIR="${SERVER_DATA_DIR}"
export EXTENSIONS_DIR="${EXTENSIONS_DIR}"

if [ -z "$(ls -A /workspace 2>/dev/null)" ]; then
    su - vscode -c "
        cat > /workspace/README.md << 'EOF'
# Welcome to your VS Code instance

Instance path: {{ .InstancePath }}
Editor version: {{ .EditorVersion }}

## Storage
- /workspace: your project files (instance-specific)
- /shared: storage shared across your instances
EOF
    " || echo "failed to seed README"
fi

echo "Starting editor server on port 8000, base path {{ .InstancePath }}"

exec su - vscode -c "
    export PATH='$INSTALL_LOCATION:$PATH'
    export TOKEN='${TOKEN}'
    export CLI_DATA_DIR='${CLI_DATA_DIR}'
    export USER_DATA_DIR='${USER_DATA_DIR}'
    export SERVER_DATA_DIR='${SERVER_DATA_DIR}'
    export EXTENSIONS_DIR='$DATA_DIR/extensions'

    exec '$INSTALL_LOCATION/code' serve-web \
        --accept-server-license-terms \
        --host 0.0.0.0 \
        --port 8000 \
        --connection-token '${TOKEN}' \
        --server-base-path '{{ .InstancePath }}' \
        --cli-data-dir '${CLI_DATA_DIR}' \
        --user-data-dir '${USER_DATA_DIR}' \
        --server-data-dir '${SERVER_DATA_DIR}' \
        --extensions-dir '$DATA_DIR/extensions'
"
`
