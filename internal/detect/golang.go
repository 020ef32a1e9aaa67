// DPROD Detection Engine
// Go detector

package detect

import "fmt"

// GoDetector handles projects carrying Go module files.
type GoDetector struct{}

func (d *GoDetector) Tech() Tech { return TechGo }

func (d *GoDetector) CanHandle(path string) (bool, error) {
	return fileExists(path, "go.mod") || fileExists(path, "go.sum"), nil
}

func (d *GoDetector) GetConfig(path string) (Config, error) {
	return Config{
		Type:         TechGo,
		BuildCommand: "go mod download",
		StartCommand: goStartCommand(path),
		Port:         8080,
		Environment:  map[string]string{"CGO_ENABLED": "0"},
		InstallPath:  DefaultInstallPath,
	}, nil
}

// goStartCommand finds the entry: main.go at the root, then the first
// cmd/<dir>/main.go in lexicographic order, then app.go or server.go.
func goStartCommand(path string) string {
	if fileExists(path, "main.go") {
		return "go run main.go"
	}
	for _, sub := range sortedSubdirs(path, "cmd") {
		candidate := fmt.Sprintf("cmd/%s/main.go", sub)
		if fileExists(path, candidate) {
			return fmt.Sprintf("go run %s", candidate)
		}
	}
	if entry := firstExisting(path, "app.go", "server.go"); entry != "" {
		return fmt.Sprintf("go run %s", entry)
	}
	return "go run main.go"
}
