// DPROD Detection Engine
// Node.js detector

package detect

import (
	"fmt"
	"regexp"
	"strconv"
)

var portFlagRe = regexp.MustCompile(`--port[= ](\d+)`)

// packageJSON is the subset of package.json the detector reads.
type packageJSON struct {
	Name            string            `json:"name"`
	Main            string            `json:"main"`
	Port            int               `json:"port"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Dprod           struct {
		Port        int               `json:"port"`
		Environment map[string]string `json:"environment"`
	} `json:"dprod"`
}

// NodeJSDetector handles any project with a package.json.
type NodeJSDetector struct{}

func (d *NodeJSDetector) Tech() Tech { return TechNodeJS }

func (d *NodeJSDetector) CanHandle(path string) (bool, error) {
	return fileExists(path, "package.json"), nil
}

// GetConfig derives the build/run pair from package.json. A malformed
// manifest is an error so the engine falls through to the next detector.
func (d *NodeJSDetector) GetConfig(path string) (Config, error) {
	var pkg packageJSON
	if err := readJSONFile(path, "package.json", &pkg); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Type:         TechNodeJS,
		BuildCommand: "npm ci --only=production",
		StartCommand: "npm start",
		Port:         3000,
		Environment:  map[string]string{"NODE_ENV": "production"},
		InstallPath:  DefaultInstallPath,
	}

	// A build script runs after the install step
	if _, ok := pkg.Scripts["build"]; ok {
		cfg.BuildCommand = cfg.BuildCommand + " && npm run build"
	}

	switch {
	case hasDependency(pkg, "@nestjs/core"):
		// NestJS builds to dist/ and starts from the compiled entry
		cfg.StartCommand = "node dist/main"
	case pkg.Scripts["start"] != "":
		cfg.StartCommand = pkg.Scripts["start"]
	default:
		main := pkg.Main
		if main == "" {
			main = "index.js"
		}
		cfg.StartCommand = fmt.Sprintf("node %s", main)
	}

	cfg.Port = nodePort(pkg)

	for k, v := range pkg.Dprod.Environment {
		cfg.Environment[k] = v
	}

	return cfg, nil
}

// nodePort resolves the listen port: an explicit dprod.port wins, then a
// --port flag inside any script, then a top-level port field, then 3000.
func nodePort(pkg packageJSON) int {
	if pkg.Dprod.Port > 0 {
		return pkg.Dprod.Port
	}
	for _, script := range sortedScriptValues(pkg.Scripts) {
		if m := portFlagRe.FindStringSubmatch(script); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil && p > 0 {
				return p
			}
		}
	}
	if pkg.Port > 0 {
		return pkg.Port
	}
	return 3000
}

func hasDependency(pkg packageJSON, name string) bool {
	if _, ok := pkg.Dependencies[name]; ok {
		return true
	}
	_, ok := pkg.DevDependencies[name]
	return ok
}
