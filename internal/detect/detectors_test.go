package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeJSDetector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		files     map[string]string
		wantStart string
		wantBuild string
		wantPort  int
	}{
		{
			name: "start script wins",
			files: map[string]string{
				"package.json": `{"name":"a","scripts":{"start":"node server.js"}}`,
				"server.js":    "require('http')",
			},
			wantStart: "node server.js",
			wantBuild: "npm ci --only=production",
			wantPort:  3000,
		},
		{
			name: "build script composes with install",
			files: map[string]string{
				"package.json": `{"scripts":{"start":"node dist/server.js","build":"tsc"}}`,
			},
			wantStart: "node dist/server.js",
			wantBuild: "npm ci --only=production && npm run build",
			wantPort:  3000,
		},
		{
			name: "nestjs runs the compiled entry",
			files: map[string]string{
				"package.json": `{"scripts":{"start":"nest start","build":"nest build"},"dependencies":{"@nestjs/core":"^10.0.0"}}`,
			},
			wantStart: "node dist/main",
			wantBuild: "npm ci --only=production && npm run build",
			wantPort:  3000,
		},
		{
			name: "main field fallback",
			files: map[string]string{
				"package.json": `{"main":"app.js"}`,
			},
			wantStart: "node app.js",
			wantBuild: "npm ci --only=production",
			wantPort:  3000,
		},
		{
			name: "no start and no main defaults to index.js",
			files: map[string]string{
				"package.json": `{"name":"bare"}`,
			},
			wantStart: "node index.js",
			wantBuild: "npm ci --only=production",
			wantPort:  3000,
		},
		{
			name: "dprod port override",
			files: map[string]string{
				"package.json": `{"scripts":{"start":"node server.js"},"port":5000,"dprod":{"port":4321}}`,
			},
			wantStart: "node server.js",
			wantBuild: "npm ci --only=production",
			wantPort:  4321,
		},
		{
			name: "port flag inside script",
			files: map[string]string{
				"package.json": `{"scripts":{"start":"next start --port 4100"}}`,
			},
			wantStart: "next start --port 4100",
			wantBuild: "npm ci --only=production",
			wantPort:  4100,
		},
		{
			name: "top-level port field",
			files: map[string]string{
				"package.json": `{"scripts":{"start":"node server.js"},"port":5000}`,
			},
			wantStart: "node server.js",
			wantBuild: "npm ci --only=production",
			wantPort:  5000,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			root := writeTree(t, tc.files)

			d := &NodeJSDetector{}
			ok, err := d.CanHandle(root)
			require.NoError(t, err)
			require.True(t, ok)

			cfg, err := d.GetConfig(root)
			require.NoError(t, err)
			assert.Equal(t, TechNodeJS, cfg.Type)
			assert.Equal(t, tc.wantStart, cfg.StartCommand)
			assert.Equal(t, tc.wantBuild, cfg.BuildCommand)
			assert.Equal(t, tc.wantPort, cfg.Port)
			assert.Equal(t, "production", cfg.Environment["NODE_ENV"])
		})
	}
}

func TestNodeJSDetectorMalformedManifest(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{"package.json": `{oops`})
	d := &NodeJSDetector{}
	_, err := d.GetConfig(root)
	assert.Error(t, err)
}

func TestPythonDetector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		files     map[string]string
		wantStart string
		wantBuild string
	}{
		{
			name: "fastapi with uvicorn beats plain entry file",
			files: map[string]string{
				"requirements.txt": "fastapi==0.100.0\nuvicorn[standard]\n",
				"main.py":          "app = None",
			},
			wantStart: "uvicorn main:app --host 0.0.0.0 --port 8000",
			wantBuild: "pip install -r requirements.txt",
		},
		{
			name: "django via manage.py",
			files: map[string]string{
				"manage.py":        "#!/usr/bin/env python",
				"requirements.txt": "django>=4.0\n",
			},
			wantStart: "python manage.py runserver 0.0.0.0:8000",
			wantBuild: "pip install -r requirements.txt",
		},
		{
			name: "flask hint",
			files: map[string]string{
				"requirements.txt": "flask==3.0\n",
				"app.py":           "from flask import Flask",
			},
			wantStart: "python app.py",
			wantBuild: "pip install -r requirements.txt",
		},
		{
			name: "plain entry file",
			files: map[string]string{
				"server.py": "import http.server",
			},
			wantStart: "python server.py",
			wantBuild: "pip install -r requirements.txt",
		},
		{
			name: "pyproject build",
			files: map[string]string{
				"pyproject.toml": "[project]\nname = \"x\"\n",
				"main.py":        "print('hi')",
			},
			wantStart: "python main.py",
			wantBuild: "pip install -e .",
		},
		{
			name: "pipfile build",
			files: map[string]string{
				"Pipfile": "[packages]\n",
				"app.py":  "print('hi')",
			},
			wantStart: "python app.py",
			wantBuild: "pipenv install",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			root := writeTree(t, tc.files)

			d := &PythonDetector{}
			ok, err := d.CanHandle(root)
			require.NoError(t, err)
			require.True(t, ok)

			cfg, err := d.GetConfig(root)
			require.NoError(t, err)
			assert.Equal(t, TechPython, cfg.Type)
			assert.Equal(t, tc.wantStart, cfg.StartCommand)
			assert.Equal(t, tc.wantBuild, cfg.BuildCommand)
			assert.Equal(t, 8000, cfg.Port)
			assert.Equal(t, "1", cfg.Environment["PYTHONUNBUFFERED"])
		})
	}
}

func TestGoDetector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		files     map[string]string
		wantStart string
	}{
		{
			name: "root main",
			files: map[string]string{
				"go.mod":  "module demo\n",
				"main.go": "package main",
			},
			wantStart: "go run main.go",
		},
		{
			name: "cmd subdirectory, lexicographic pick",
			files: map[string]string{
				"go.mod":             "module demo\n",
				"cmd/api/main.go":    "package main",
				"cmd/worker/main.go": "package main",
			},
			wantStart: "go run cmd/api/main.go",
		},
		{
			name: "server file fallback",
			files: map[string]string{
				"go.sum":    "",
				"server.go": "package main",
			},
			wantStart: "go run server.go",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			root := writeTree(t, tc.files)

			d := &GoDetector{}
			ok, err := d.CanHandle(root)
			require.NoError(t, err)
			require.True(t, ok)

			cfg, err := d.GetConfig(root)
			require.NoError(t, err)
			assert.Equal(t, TechGo, cfg.Type)
			assert.Equal(t, tc.wantStart, cfg.StartCommand)
			assert.Equal(t, "go mod download", cfg.BuildCommand)
			assert.Equal(t, 8080, cfg.Port)
		})
	}
}

func TestStaticDetector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		files     map[string]string
		wantBuild string
	}{
		{
			name:      "root index",
			files:     map[string]string{"index.html": "<html></html>"},
			wantBuild: "",
		},
		{
			name:      "dist index",
			files:     map[string]string{"dist/index.html": "<html></html>"},
			wantBuild: "",
		},
		{
			name: "build script requested",
			files: map[string]string{
				"public/index.html": "<html></html>",
				"package.json":      `{"scripts":{"build":"vite build"}}`,
			},
			wantBuild: "npm run build",
		},
		{
			name: "bundler config without scripts",
			files: map[string]string{
				"index.html":        "<html></html>",
				"webpack.config.js": "module.exports = {}",
			},
			wantBuild: "npm run build",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			root := writeTree(t, tc.files)

			d := &StaticDetector{}
			ok, err := d.CanHandle(root)
			require.NoError(t, err)
			require.True(t, ok)

			cfg, err := d.GetConfig(root)
			require.NoError(t, err)
			assert.Equal(t, TechStatic, cfg.Type)
			assert.Equal(t, tc.wantBuild, cfg.BuildCommand)
			assert.Equal(t, 80, cfg.Port)
			assert.Equal(t, StaticInstallPath, cfg.InstallPath)
			assert.Contains(t, cfg.StartCommand, "nginx")
		})
	}
}

func TestStaticDetectorIgnoresTreesWithoutIndex(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{"assets/logo.svg": "<svg/>"})
	d := &StaticDetector{}
	ok, err := d.CanHandle(root)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenericDetector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		files    map[string]string
		wantType Tech
		wantPort int
	}{
		{
			name: "python inference",
			files: map[string]string{
				"worker.py":        "print('hi')",
				"requirements.txt": "requests\n",
			},
			wantType: TechPython,
			wantPort: 8000,
		},
		{
			name: "node inference",
			files: map[string]string{
				"app.js":       "console.log('hi')",
				"package.json": `{}`,
			},
			wantType: TechNodeJS,
			wantPort: 3000,
		},
		{
			name:     "file server fallback",
			files:    map[string]string{"README.md": "# hello"},
			wantType: TechUnknown,
			wantPort: 8080,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			root := writeTree(t, tc.files)

			d := &GenericDetector{}
			ok, err := d.CanHandle(root)
			require.NoError(t, err)
			require.True(t, ok)

			cfg, err := d.GetConfig(root)
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, cfg.Type)
			assert.Equal(t, tc.wantPort, cfg.Port)
			assert.NotEmpty(t, cfg.StartCommand)
		})
	}
}
