package graph

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFileSystemRule_NullComparisonOnWire(t *testing.T) {
	rule := NewFileSystemRule(RuleTypeDetection, `C:\Program Files\7-Zip`, "7z.exe", "exists", false)

	raw, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	// existence checks must carry an explicit null, not omit the key
	if !strings.Contains(s, `"comparisonValue":null`) {
		t.Errorf("comparisonValue not serialized as null: %s", s)
	}
	if !strings.Contains(s, `"operator":"equal"`) {
		t.Errorf("operator missing: %s", s)
	}
	if !strings.Contains(s, `"@odata.type":"microsoft.graph.win32LobAppFileSystemRule"`) {
		t.Errorf("type tag missing: %s", s)
	}
}

func TestRegistryRule_ExistenceCheck(t *testing.T) {
	rule := NewRegistryRule(RuleTypeDetection, `HKEY_LOCAL_MACHINE\SOFTWARE\Vendor`, "", "exists", "equal", nil, true)

	raw, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	if !strings.Contains(s, `"comparisonValue":null`) {
		t.Errorf("nil comparison not null on wire: %s", s)
	}
	if !strings.Contains(s, `"check32BitOn64System":true`) {
		t.Errorf("check32BitOn64System lost: %s", s)
	}
	if strings.Contains(s, `"valueName"`) {
		t.Errorf("empty valueName should be omitted: %s", s)
	}
}

func TestPowerShellScriptRule_Defaults(t *testing.T) {
	rule := NewPowerShellScriptRule(RuleTypeDetection, "ZXhpdCAw") // base64("exit 0")

	raw, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{
		`"@odata.type":"#microsoft.graph.win32LobAppPowerShellScriptRule"`,
		`"operationType":"notConfigured"`,
		`"operator":"notConfigured"`,
		`"enforceSignatureCheck":false`,
		`"runAs32Bit":false`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("marshaled rule missing %s: %s", want, s)
		}
	}
	if strings.Contains(s, "comparisonValue") {
		t.Errorf("script rule must not carry comparisonValue: %s", s)
	}
}

func TestDefaultReturnCodes(t *testing.T) {
	codes := DefaultReturnCodes()
	want := []struct {
		code int
		typ  string
	}{
		{0, "success"},
		{1641, "softReboot"},
		{3010, "softReboot"},
		{1603, "failed"},
	}
	if len(codes) != len(want) {
		t.Fatalf("len = %d, want %d", len(codes), len(want))
	}
	for i, w := range want {
		if codes[i].Code != w.code || codes[i].Type != w.typ {
			t.Errorf("codes[%d] = %+v, want %d/%s", i, codes[i], w.code, w.typ)
		}
		if codes[i].ODataType != "#microsoft.graph.win32LobAppReturnCode" {
			t.Errorf("codes[%d] type tag = %q", i, codes[i].ODataType)
		}
	}
}
