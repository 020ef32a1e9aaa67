// DPROD Detection Engine
// Static site detector

package detect

// StaticInstallPath is where the nginx recipe serves files from.
const StaticInstallPath = "/usr/share/nginx/html"

var staticIndexFiles = []string{
	"index.html",
	"index.htm",
	"public/index.html",
	"dist/index.html",
	"build/index.html",
}

// StaticDetector handles plain sites with an index.html, including ones
// pre-built into public/, dist/ or build/. It runs after the framework
// detectors because an index.html often coexists with a manifest.
type StaticDetector struct{}

func (d *StaticDetector) Tech() Tech { return TechStatic }

func (d *StaticDetector) CanHandle(path string) (bool, error) {
	return firstExisting(path, staticIndexFiles...) != "", nil
}

func (d *StaticDetector) GetConfig(path string) (Config, error) {
	return Config{
		Type:         TechStatic,
		BuildCommand: staticBuildCommand(path),
		StartCommand: "nginx -g 'daemon off;'",
		Port:         80,
		Environment:  map[string]string{},
		InstallPath:  StaticInstallPath,
	}, nil
}

// staticBuildCommand returns a build step only when a Node build manifest
// or a known bundler config asks for one; plain sites ship as-is.
func staticBuildCommand(path string) string {
	if fileExists(path, "package.json") {
		var pkg packageJSON
		if err := readJSONFile(path, "package.json", &pkg); err == nil {
			if _, ok := pkg.Scripts["build"]; ok {
				return "npm run build"
			}
			if _, ok := pkg.Scripts["build:prod"]; ok {
				return "npm run build:prod"
			}
		}
	}
	if firstExisting(path, "webpack.config.js", "vite.config.js", "next.config.js") != "" {
		return "npm run build"
	}
	return ""
}
