// DPROD Detection Engine
// Generic fallback detector

package detect

// GenericDetector terminates the chain. It always handles the project
// and makes a best-effort inference so even an unrecognized bundle gets
// a runnable config.
type GenericDetector struct{}

func (d *GenericDetector) Tech() Tech { return TechUnknown }

func (d *GenericDetector) CanHandle(path string) (bool, error) {
	return true, nil
}

func (d *GenericDetector) GetConfig(path string) (Config, error) {
	switch {
	case hasFileWithExt(path, ".py") && fileExists(path, "requirements.txt"):
		return Config{
			Type:         TechPython,
			BuildCommand: "pip install -r requirements.txt",
			StartCommand: genericPythonStart(path),
			Port:         8000,
			Environment:  map[string]string{"PYTHONUNBUFFERED": "1", "PORT": "8000"},
			InstallPath:  DefaultInstallPath,
		}, nil
	case hasFileWithExt(path, ".js") && fileExists(path, "package.json"):
		return Config{
			Type:         TechNodeJS,
			BuildCommand: "npm install",
			StartCommand: genericNodeStart(path),
			Port:         3000,
			Environment:  map[string]string{"NODE_ENV": "production", "PORT": "3000"},
			InstallPath:  DefaultInstallPath,
		}, nil
	}

	// Nothing recognizable: serve the tree with the file server shipped
	// in the alpine base image.
	return Config{
		Type:         TechUnknown,
		StartCommand: "busybox httpd -f -p 8080 -h .",
		Port:         8080,
		Environment:  map[string]string{"PORT": "8080"},
		InstallPath:  DefaultInstallPath,
	}, nil
}

func genericPythonStart(path string) string {
	if fileExists(path, "app.py") {
		return "python app.py"
	}
	return "python main.py"
}

func genericNodeStart(path string) string {
	if fileExists(path, "app.js") {
		return "node app.js"
	}
	return "node main.js"
}
