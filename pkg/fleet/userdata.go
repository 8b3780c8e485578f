package fleet

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// BootConfig is the data rendered into instance startup scripts.
type BootConfig struct {
	Region     string
	Bucket     string
	BinaryURL  string
	JobsKey    string
	Port       int
	ServerAddr string
	Folder     string
}

const bootPreamble = `#!/bin/bash
set -euo pipefail
mkdir -p /opt/starship
cd /opt/starship
{{- if isURL .BinaryURL }}
curl -fsSL -o starship {{ quote .BinaryURL }}
{{- else }}
aws s3 cp --region {{ quote .Region }} {{ quote (s3url .Bucket .BinaryURL) }} starship
{{- end }}
chmod +x starship
export STARSHIP_LOG_FORMAT=json
`

var (
	serverScript = template.Must(template.New("server").Funcs(bootFuncs).Parse(bootPreamble + `
aws s3 cp --region {{ quote .Region }} {{ quote (s3url .Bucket .JobsKey) }} jobs.json
exec ./starship serve --input jobs.json --port {{ .Port }}
`))

	workerScript = template.Must(template.New("worker").Funcs(bootFuncs).Parse(bootPreamble + `
./starship worker --server {{ quote .ServerAddr }} --bucket {{ quote .Bucket }} --region {{ quote .Region }} --folder {{ quote .Folder }} || true
shutdown -h now
`))
)

var bootFuncs = template.FuncMap{
	"quote": shellQuote,
	"isURL": isURL,
	"s3url": func(bucket, key string) string {
		return "s3://" + bucket + "/" + strings.TrimLeft(key, "/")
	},
}

// ServerUserData renders the coordinator startup script.
func ServerUserData(cfg BootConfig) (string, error) {
	return render(serverScript, cfg)
}

// WorkerUserData renders the worker startup script. The instance shuts
// itself down when the worker exits.
func WorkerUserData(cfg BootConfig) (string, error) {
	if cfg.ServerAddr == "" {
		return "", fmt.Errorf("worker user data: coordinator address is required")
	}
	return render(workerScript, cfg)
}

func render(t *template.Template, cfg BootConfig) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("render %s user data: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
