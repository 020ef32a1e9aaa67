// DPROD Detection Engine
// Python detector

package detect

import (
	"fmt"
	"strings"
)

var pythonManifests = []string{"requirements.txt", "pyproject.toml", "setup.py", "Pipfile"}

var pythonEntryFiles = []string{"main.py", "app.py", "manage.py", "run.py", "server.py"}

// PythonDetector handles projects with a Python manifest or a recognized
// entry file.
type PythonDetector struct{}

func (d *PythonDetector) Tech() Tech { return TechPython }

func (d *PythonDetector) CanHandle(path string) (bool, error) {
	for _, name := range pythonManifests {
		if fileExists(path, name) {
			return true, nil
		}
	}
	for _, name := range pythonEntryFiles {
		if fileExists(path, name) {
			return true, nil
		}
	}
	return false, nil
}

func (d *PythonDetector) GetConfig(path string) (Config, error) {
	return Config{
		Type:         TechPython,
		BuildCommand: pythonBuildCommand(path),
		StartCommand: pythonStartCommand(path),
		Port:         8000,
		Environment: map[string]string{
			"PYTHONUNBUFFERED": "1",
			"PORT":             "8000",
		},
		InstallPath: DefaultInstallPath,
	}, nil
}

// pythonBuildCommand picks the install step by manifest kind.
func pythonBuildCommand(path string) string {
	switch {
	case fileExists(path, "requirements.txt"):
		return "pip install -r requirements.txt"
	case fileExists(path, "pyproject.toml"):
		return "pip install -e ."
	case fileExists(path, "Pipfile"):
		return "pipenv install"
	default:
		return "pip install -r requirements.txt"
	}
}

// pythonStartCommand resolves the run command. Framework hints from
// requirements.txt take precedence over a bare entry file: a repo with
// fastapi/uvicorn listed and a main.py must start under uvicorn, not
// `python main.py`.
func pythonStartCommand(path string) string {
	if fileExists(path, "manage.py") {
		return "python manage.py runserver 0.0.0.0:8000"
	}

	requirements := strings.ToLower(readTextFile(path, "requirements.txt"))
	switch {
	case strings.Contains(requirements, "uvicorn") || strings.Contains(requirements, "fastapi"):
		return "uvicorn main:app --host 0.0.0.0 --port 8000"
	case strings.Contains(requirements, "django"):
		return "python manage.py runserver 0.0.0.0:8000"
	case strings.Contains(requirements, "flask"):
		return "python app.py"
	}

	if entry := firstExisting(path, pythonEntryFiles...); entry != "" {
		return fmt.Sprintf("python %s", entry)
	}
	return "python app.py"
}
