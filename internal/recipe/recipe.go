// DPROD Image Recipe Synthesizer
// Turns a detection Config into the Dockerfile handed to the daemon

// Package recipe synthesizes container build recipes. The layout is fixed:
// manifest files are copied and installed before the full source copy so
// rebuilds hit the dependency layer cache.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dprod/internal/detect"
)

// DockerfileName is the file written into every build context.
const DockerfileName = "Dockerfile"

// Synthesizer generates Dockerfiles from detection configs.
type Synthesizer struct{}

// NewSynthesizer creates a new recipe synthesizer
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize renders the Dockerfile for a config. Static sites use a
// dedicated nginx recipe; everything else follows the copy-install-copy
// template with the tech-specific base image.
func (s *Synthesizer) Synthesize(cfg detect.Config) (string, error) {
	if cfg.Type == detect.TechStatic {
		return s.staticDockerfile(), nil
	}
	if cfg.StartCommand == "" {
		return "", fmt.Errorf("config for %s has no start command", cfg.Type)
	}

	installPath := cfg.InstallPath
	if installPath == "" {
		installPath = detect.DefaultInstallPath
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n\n", baseImage(cfg.Type))
	fmt.Fprintf(&b, "WORKDIR %s\n\n", installPath)

	if copyCmd := manifestCopy(cfg.Type); copyCmd != "" {
		b.WriteString("# Copy package files first for better caching\n")
		b.WriteString(copyCmd + "\n\n")
	}
	if installCmd := dependencyInstall(cfg.Type); installCmd != "" {
		b.WriteString("# Install dependencies\n")
		b.WriteString(installCmd + "\n\n")
	}

	b.WriteString("# Copy source code\nCOPY . .\n\n")

	// Go projects compile inside the image and run the binary
	compiled := false
	if cfg.Type == detect.TechGo && strings.HasPrefix(cfg.StartCommand, "go run") {
		b.WriteString("RUN go build -o app .\n\n")
		compiled = true
	}

	fmt.Fprintf(&b, "# Expose port\nEXPOSE %d\n\n", cfg.Port)

	if env := envDirectives(cfg.Environment); env != "" {
		b.WriteString("# Set environment variables\n")
		b.WriteString(env + "\n")
	}

	b.WriteString("# Start command\n")
	if compiled {
		b.WriteString("CMD ./app\n")
	} else {
		fmt.Fprintf(&b, "CMD %s\n", cfg.StartCommand)
	}
	return b.String(), nil
}

// Write materializes the Dockerfile into a build context directory.
func (s *Synthesizer) Write(dir string, cfg detect.Config) error {
	content, err := s.Synthesize(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, DockerfileName), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return nil
}

// staticDockerfile serves the tree with nginx. The server block is
// generated inline so the image needs no extra context files.
func (s *Synthesizer) staticDockerfile() string {
	return `FROM nginx:alpine

# Copy static files
COPY . /usr/share/nginx/html

# Copy nginx configuration
RUN echo 'server {' > /etc/nginx/conf.d/default.conf && \
    echo '    listen 80;' >> /etc/nginx/conf.d/default.conf && \
    echo '    server_name localhost;' >> /etc/nginx/conf.d/default.conf && \
    echo '    root /usr/share/nginx/html;' >> /etc/nginx/conf.d/default.conf && \
    echo '    index index.html index.htm;' >> /etc/nginx/conf.d/default.conf && \
    echo '    location / {' >> /etc/nginx/conf.d/default.conf && \
    echo '        try_files $uri $uri/ /index.html;' >> /etc/nginx/conf.d/default.conf && \
    echo '    }' >> /etc/nginx/conf.d/default.conf && \
    echo '}' >> /etc/nginx/conf.d/default.conf

EXPOSE 80

CMD ["nginx", "-g", "daemon off;"]
`
}

func baseImage(tech detect.Tech) string {
	switch tech {
	case detect.TechNodeJS:
		return "node:18"
	case detect.TechPython:
		return "python:3.11-slim"
	case detect.TechGo:
		return "golang:1.21-alpine"
	case detect.TechStatic:
		return "nginx:alpine"
	default:
		return "alpine:latest"
	}
}

func manifestCopy(tech detect.Tech) string {
	switch tech {
	case detect.TechNodeJS:
		return "COPY package*.json ./"
	case detect.TechPython:
		return "COPY requirements*.txt pyproject.tom[l] setup.p[y] ./"
	case detect.TechGo:
		return "COPY go.mod go.sum ./"
	default:
		return ""
	}
}

func dependencyInstall(tech detect.Tech) string {
	switch tech {
	case detect.TechNodeJS:
		return "RUN npm install --only=production"
	case detect.TechPython:
		return "RUN pip install --no-cache-dir -r requirements.txt"
	case detect.TechGo:
		return "RUN go mod download"
	default:
		return ""
	}
}

// envDirectives renders ENV lines in key order so recipes are stable.
func envDirectives(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "ENV %s=%s\n", k, env[k])
	}
	return b.String()
}
