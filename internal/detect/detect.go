// DPROD Detection Engine
// First-match dispatch over framework detectors

// Package detect identifies the technology of an uploaded source tree and
// produces the build/run configuration the rest of the pipeline consumes.
package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dprod/internal/errdefs"
	"dprod/internal/logging"

	"go.uber.org/zap"
)

// Tech is the detected technology class of a project.
type Tech string

const (
	TechNodeJS  Tech = "nodejs"
	TechPython  Tech = "python"
	TechGo      Tech = "go"
	TechStatic  Tech = "static"
	TechUnknown Tech = "unknown"
)

// DefaultInstallPath is the container working directory unless a detector
// chooses otherwise.
const DefaultInstallPath = "/app"

// Config is the normalized output of detection. It is serializable and
// rides the job message unchanged.
type Config struct {
	Type         Tech              `json:"type"`
	BuildCommand string            `json:"build_command,omitempty"`
	StartCommand string            `json:"start_command"`
	Port         int               `json:"port"`
	Environment  map[string]string `json:"environment,omitempty"`
	InstallPath  string            `json:"install_path"`
}

// Detector is the capability set every framework detector implements.
// CanHandle answers cheaply from file presence; GetConfig may parse
// manifests and is allowed to fail, which makes the engine fall through
// to the next detector.
type Detector interface {
	Tech() Tech
	CanHandle(path string) (bool, error)
	GetConfig(path string) (Config, error)
}

// Engine runs detectors in a fixed order and returns the first Config.
type Engine struct {
	detectors []Detector
	log       *zap.Logger
}

// NewEngine builds the engine with the standard detector order. More
// specific signatures come first; static precedes generic because an
// index.html may coexist with a framework manifest.
func NewEngine() *Engine {
	return &Engine{
		detectors: []Detector{
			&NodeJSDetector{},
			&PythonDetector{},
			&GoDetector{},
			&StaticDetector{},
			&GenericDetector{},
		},
		log: logging.L().Named("detect"),
	}
}

// Detect analyzes the project at path. The first detector that reports
// CanHandle wins; detector faults are logged and skipped. With the
// generic detector terminating the chain a DetectionError is reserved
// for the impossible case.
func (e *Engine) Detect(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Config{}, errdefs.Detection(fmt.Errorf("project path %s is not a directory", path))
	}

	for _, d := range e.detectors {
		ok, err := d.CanHandle(path)
		if err != nil {
			e.log.Warn("detector probe failed",
				zap.String("tech", string(d.Tech())), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		cfg, err := d.GetConfig(path)
		if err != nil {
			e.log.Warn("detector config failed, falling through",
				zap.String("tech", string(d.Tech())), zap.Error(err))
			continue
		}

		normalize(&cfg)
		e.log.Info("project detected",
			zap.String("tech", string(cfg.Type)),
			zap.Int("port", cfg.Port),
			zap.String("start_command", cfg.StartCommand))
		return cfg, nil
	}

	return Config{}, errdefs.Detection(fmt.Errorf("no detector produced a config for %s", path))
}

func normalize(cfg *Config) {
	if cfg.InstallPath == "" {
		cfg.InstallPath = DefaultInstallPath
	}
	if cfg.Environment == nil {
		cfg.Environment = map[string]string{}
	}
}

// Detector primitives. All walks are lexicographic so detection stays a
// pure function of the file tree.

func fileExists(root string, rel string) bool {
	info, err := os.Stat(filepath.Join(root, rel))
	return err == nil && info.Mode().IsRegular()
}

func dirExists(root string, rel string) bool {
	info, err := os.Stat(filepath.Join(root, rel))
	return err == nil && info.IsDir()
}

func firstExisting(root string, rels ...string) string {
	for _, rel := range rels {
		if fileExists(root, rel) {
			return rel
		}
	}
	return ""
}

func readJSONFile(root, rel string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return fmt.Errorf("read %s: %w", rel, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", rel, err)
	}
	return nil
}

func readTextFile(root, rel string) string {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// hasFileWithExt reports whether any top-level file carries the extension.
// os.ReadDir returns entries sorted by name, keeping this deterministic.
func hasFileWithExt(root, ext string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ext {
			return true
		}
	}
	return false
}

// sortedScriptValues returns map values ordered by key so script scans
// do not depend on map iteration order.
func sortedScriptValues(scripts map[string]string) []string {
	keys := make([]string, 0, len(scripts))
	for k := range scripts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, scripts[k])
	}
	return values
}

// sortedSubdirs lists immediate subdirectories in lexicographic order.
func sortedSubdirs(root, rel string) []string {
	entries, err := os.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs
}
