// Package manifest parses the deployment manifest that accompanies each
// package in the library: application metadata, detection rules, and the
// installer return-code table. Parsing is strict; unknown keys are schema
// errors, not silently dropped intent.
package manifest

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/fleetpack/fleetpack/internal/xerrors"
)

type Manifest struct {
	App         AppSpec         `yaml:"app"`
	Detection   []DetectionSpec `yaml:"detection"`
	ReturnCodes []ReturnCode    `yaml:"returnCodes"`
}

type AppSpec struct {
	DisplayName           string `yaml:"displayName"`
	Description           string `yaml:"description"`
	Publisher             string `yaml:"publisher"`
	InstallCommandLine    string `yaml:"installCommandLine"`
	UninstallCommandLine  string `yaml:"uninstallCommandLine"`
	InstallContext        string `yaml:"installContext"`  // system | user
	RestartBehavior       string `yaml:"restartBehavior"` // suppress | allow | basedOnReturnCode | force
	Architectures         string `yaml:"architectures"`
	MinimumWindowsRelease string `yaml:"minimumWindowsRelease"`
	Notes                 string `yaml:"notes"`
}

// DetectionSpec is one detection rule; Type selects which field group
// applies.
type DetectionSpec struct {
	Type string `yaml:"type"` // registry | file | script

	// registry
	KeyPath        string `yaml:"keyPath"`
	ValueName      string `yaml:"valueName"`
	Operation      string `yaml:"operation"`
	Operator       string `yaml:"operator"`
	Value          string `yaml:"value"`
	Check32BitOn64 bool   `yaml:"check32BitOn64"`

	// file
	Path string `yaml:"path"`
	Name string `yaml:"name"`

	// script, plaintext; encoded for the wire at deploy time
	Script string `yaml:"script"`
}

type ReturnCode struct {
	Code int    `yaml:"code"`
	Type string `yaml:"type"` // success | softReboot | hardReboot | retry | failed
}

// Defaults applied to absent app fields. The install and uninstall command
// lines are required by the remote record type, so a benign placeholder
// goes on the wire when the manifest leaves them out.
const (
	DefaultPublisher        = "Unknown"
	DefaultInstallCommand   = `cmd.exe /c "echo App Library Install"`
	DefaultUninstallCommand = `cmd.exe /c "echo App Library Uninstall"`
)

// Parse decodes and validates one manifest document.
func Parse(r io.Reader) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return m, xerrors.New("empty manifest")
		}
		return m, xerrors.Wrap(err, "decode manifest")
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m *Manifest) applyDefaults() {
	a := &m.App
	if a.Publisher == "" {
		a.Publisher = DefaultPublisher
	}
	if a.Description == "" {
		a.Description = a.DisplayName
	}
	if a.InstallContext == "" {
		a.InstallContext = "system"
	}
	if a.RestartBehavior == "" {
		a.RestartBehavior = "suppress"
	}
	if a.InstallCommandLine == "" {
		a.InstallCommandLine = DefaultInstallCommand
	}
	if a.UninstallCommandLine == "" {
		a.UninstallCommandLine = DefaultUninstallCommand
	}
	for i := range m.Detection {
		d := &m.Detection[i]
		if d.Type == "file" && d.Operation == "" {
			d.Operation = "exists"
		}
		if d.Type == "registry" && d.Operation == "" {
			d.Operation = "exists"
		}
	}
}

// Validate reports every schema violation at once.
func (m Manifest) Validate() error {
	var errs []error

	if m.App.DisplayName == "" {
		errs = append(errs, fmt.Errorf("app.displayName is required"))
	}
	if !oneOf(m.App.InstallContext, "system", "user") {
		errs = append(errs, fmt.Errorf("app.installContext %q (must be system|user)", m.App.InstallContext))
	}
	if !oneOf(m.App.RestartBehavior, "suppress", "allow", "basedOnReturnCode", "force") {
		errs = append(errs, fmt.Errorf("app.restartBehavior %q (must be suppress|allow|basedOnReturnCode|force)", m.App.RestartBehavior))
	}

	for i, d := range m.Detection {
		errs = append(errs, d.validate(i)...)
	}

	seen := make(map[int]bool, len(m.ReturnCodes))
	for i, rc := range m.ReturnCodes {
		if !oneOf(rc.Type, "success", "softReboot", "hardReboot", "retry", "failed") {
			errs = append(errs, fmt.Errorf("returnCodes[%d].type %q (must be success|softReboot|hardReboot|retry|failed)", i, rc.Type))
		}
		if seen[rc.Code] {
			errs = append(errs, fmt.Errorf("returnCodes[%d]: duplicate code %d", i, rc.Code))
		}
		seen[rc.Code] = true
	}

	return errors.Join(errs...)
}

func (d DetectionSpec) validate(i int) []error {
	var errs []error
	at := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("detection[%d]: %s", i, fmt.Sprintf(format, args...)))
	}

	switch d.Type {
	case "registry":
		if d.KeyPath == "" {
			at("keyPath is required")
		}
		if !oneOf(d.Operation, "exists", "string", "integer", "version") {
			at("operation %q (must be exists|string|integer|version)", d.Operation)
		}
		if d.Operation != "" && d.Operation != "exists" {
			if d.ValueName == "" {
				at("valueName is required for operation %q", d.Operation)
			}
			if d.Value == "" {
				at("value is required for operation %q", d.Operation)
			}
			if !oneOf(d.Operator, "equal", "notEqual", "greaterThan", "greaterThanOrEqual", "lessThan", "lessThanOrEqual") {
				at("operator %q (must be equal|notEqual|greaterThan|greaterThanOrEqual|lessThan|lessThanOrEqual)", d.Operator)
			}
		}
	case "file":
		if d.Path == "" {
			at("path is required")
		}
		if d.Name == "" {
			at("name is required")
		}
		if !oneOf(d.Operation, "exists", "notExists") {
			at("operation %q (must be exists|notExists)", d.Operation)
		}
	case "script":
		if d.Script == "" {
			at("script body is required")
		}
	default:
		at("type %q (must be registry|file|script)", d.Type)
	}
	return errs
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
