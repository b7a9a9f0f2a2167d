package deploy

import (
	"encoding/base64"

	"github.com/fleetpack/fleetpack/internal/graph"
	"github.com/fleetpack/fleetpack/internal/intunewin"
	"github.com/fleetpack/fleetpack/internal/manifest"
)

// defaultDetectionScript goes on the wire when a manifest declares no
// detection rules; the remote record type requires at least one.
const defaultDetectionScript = "exit 0"

// appFromManifest builds the application create body. fileName is the
// payload name from the package metadata; the record wants it as both the
// logical file name and the setup file path.
func appFromManifest(m manifest.Manifest, fileName string) graph.Win32App {
	app := graph.NewWin32App()
	app.DisplayName = m.App.DisplayName
	app.Description = m.App.Description
	app.Publisher = m.App.Publisher
	app.FileName = fileName
	app.SetupFilePath = fileName
	app.InstallCommandLine = m.App.InstallCommandLine
	app.UninstallCommandLine = m.App.UninstallCommandLine
	app.ApplicableArchitectures = m.App.Architectures
	app.MinimumSupportedWindowsRelease = m.App.MinimumWindowsRelease
	app.Notes = m.App.Notes
	app.InstallExperience = graph.NewInstallExperience(m.App.InstallContext, m.App.RestartBehavior)
	app.Rules = rulesFromManifest(m.Detection)
	app.ReturnCodes = returnCodesFromManifest(m.ReturnCodes)
	return app
}

func rulesFromManifest(specs []manifest.DetectionSpec) []any {
	if len(specs) == 0 {
		encoded := base64.StdEncoding.EncodeToString([]byte(defaultDetectionScript))
		return []any{graph.NewPowerShellScriptRule(graph.RuleTypeDetection, encoded)}
	}
	rules := make([]any, 0, len(specs))
	for _, d := range specs {
		switch d.Type {
		case "registry":
			var comparison *string
			operator := "equal"
			if d.Operation != "exists" {
				value := d.Value
				comparison = &value
				operator = d.Operator
			}
			rules = append(rules, graph.NewRegistryRule(
				graph.RuleTypeDetection, d.KeyPath, d.ValueName, d.Operation, operator, comparison, d.Check32BitOn64))
		case "file":
			rules = append(rules, graph.NewFileSystemRule(
				graph.RuleTypeDetection, d.Path, d.Name, d.Operation, d.Check32BitOn64))
		case "script":
			encoded := base64.StdEncoding.EncodeToString([]byte(d.Script))
			rules = append(rules, graph.NewPowerShellScriptRule(graph.RuleTypeDetection, encoded))
		}
	}
	return rules
}

func returnCodesFromManifest(codes []manifest.ReturnCode) []graph.ReturnCode {
	if len(codes) == 0 {
		return graph.DefaultReturnCodes()
	}
	out := make([]graph.ReturnCode, 0, len(codes))
	for _, rc := range codes {
		out = append(out, graph.NewReturnCode(rc.Code, rc.Type))
	}
	return out
}

// encryptionInfo forwards the metadata's raw base64 fields to the commit
// body untouched; the declared MAC goes on the wire even when the local
// recomputation disagreed with it.
func encryptionInfo(enc intunewin.EncryptionInfo) graph.FileEncryptionInfo {
	return graph.NewFileEncryptionInfo(
		enc.EncryptionKey,
		enc.InitializationVector,
		enc.Mac,
		enc.MacKey,
		enc.ProfileIdentifier,
		enc.FileDigest,
		enc.FileDigestAlgorithm,
	)
}
