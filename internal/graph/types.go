package graph

// Wire shapes for the beta device-management API. The @odata.type strings
// are part of the protocol; builders fill them so call sites cannot get
// them wrong.

// Win32App is the application record create body.
type Win32App struct {
	ODataType                      string            `json:"@odata.type"`
	DisplayName                    string            `json:"displayName"`
	Description                    string            `json:"description"`
	Publisher                      string            `json:"publisher"`
	FileName                       string            `json:"fileName"`
	SetupFilePath                  string            `json:"setupFilePath"`
	InstallCommandLine             string            `json:"installCommandLine"`
	UninstallCommandLine           string            `json:"uninstallCommandLine"`
	ApplicableArchitectures        string            `json:"applicableArchitectures,omitempty"`
	MinimumSupportedWindowsRelease string            `json:"minimumSupportedWindowsRelease,omitempty"`
	Notes                          string            `json:"notes,omitempty"`
	Rules                          []any             `json:"rules"`
	InstallExperience              InstallExperience `json:"installExperience"`
	ReturnCodes                    []ReturnCode      `json:"returnCodes"`
}

// NewWin32App returns the record shell with the type tag set.
func NewWin32App() Win32App {
	return Win32App{ODataType: "#microsoft.graph.win32LobApp"}
}

type InstallExperience struct {
	ODataType             string `json:"@odata.type"`
	RunAsAccount          string `json:"runAsAccount"`          // system | user
	DeviceRestartBehavior string `json:"deviceRestartBehavior"` // suppress | allow | basedOnReturnCode | force
}

func NewInstallExperience(runAsAccount, restartBehavior string) InstallExperience {
	return InstallExperience{
		ODataType:             "#microsoft.graph.win32LobAppInstallExperience",
		RunAsAccount:          runAsAccount,
		DeviceRestartBehavior: restartBehavior,
	}
}

type ReturnCode struct {
	ODataType string `json:"@odata.type"`
	Code      int    `json:"returnCode"`
	Type      string `json:"type"` // success | softReboot | hardReboot | retry | failed
}

func NewReturnCode(code int, typ string) ReturnCode {
	return ReturnCode{ODataType: "#microsoft.graph.win32LobAppReturnCode", Code: code, Type: typ}
}

// DefaultReturnCodes is the standard installer exit-code table: success,
// the two reboot-requested codes, and the generic MSI failure.
func DefaultReturnCodes() []ReturnCode {
	return []ReturnCode{
		NewReturnCode(0, "success"),
		NewReturnCode(1641, "softReboot"),
		NewReturnCode(3010, "softReboot"),
		NewReturnCode(1603, "failed"),
	}
}

// RegistryRule checks a registry value. A nil comparison value serializes
// as null, which the service expects for existence checks.
type RegistryRule struct {
	ODataType       string  `json:"@odata.type"`
	RuleType        string  `json:"ruleType"`
	Check32BitOn64  bool    `json:"check32BitOn64System"`
	KeyPath         string  `json:"keyPath"`
	ValueName       string  `json:"valueName,omitempty"`
	OperationType   string  `json:"operationType"` // exists | string | integer | version
	Operator        string  `json:"operator"`
	ComparisonValue *string `json:"comparisonValue"`
}

func NewRegistryRule(ruleType, keyPath, valueName, operationType, operator string, comparison *string, check32 bool) RegistryRule {
	return RegistryRule{
		ODataType:       "microsoft.graph.win32LobAppRegistryRule",
		RuleType:        ruleType,
		Check32BitOn64:  check32,
		KeyPath:         keyPath,
		ValueName:       valueName,
		OperationType:   operationType,
		Operator:        operator,
		ComparisonValue: comparison,
	}
}

// FileSystemRule checks presence of a file or folder. The service wants
// operator equal and a null comparison value on existence checks.
type FileSystemRule struct {
	ODataType        string  `json:"@odata.type"`
	RuleType         string  `json:"ruleType"`
	Check32BitOn64   bool    `json:"check32BitOn64System"`
	Path             string  `json:"path"`
	FileOrFolderName string  `json:"fileOrFolderName"`
	OperationType    string  `json:"operationType"` // exists | notExists
	Operator         string  `json:"operator"`
	ComparisonValue  *string `json:"comparisonValue"`
}

func NewFileSystemRule(ruleType, path, name, operationType string, check32 bool) FileSystemRule {
	return FileSystemRule{
		ODataType:        "microsoft.graph.win32LobAppFileSystemRule",
		RuleType:         ruleType,
		Check32BitOn64:   check32,
		Path:             path,
		FileOrFolderName: name,
		OperationType:    operationType,
		Operator:         "equal",
	}
}

// PowerShellScriptRule runs a detection script; content is base64.
type PowerShellScriptRule struct {
	ODataType             string `json:"@odata.type"`
	RuleType              string `json:"ruleType"`
	EnforceSignatureCheck bool   `json:"enforceSignatureCheck"`
	RunAs32Bit            bool   `json:"runAs32Bit"`
	ScriptContent         string `json:"scriptContent"`
	OperationType         string `json:"operationType"`
	Operator              string `json:"operator"`
}

func NewPowerShellScriptRule(ruleType, scriptContent string) PowerShellScriptRule {
	return PowerShellScriptRule{
		ODataType:     "#microsoft.graph.win32LobAppPowerShellScriptRule",
		RuleType:      ruleType,
		ScriptContent: scriptContent,
		OperationType: "notConfigured",
		Operator:      "notConfigured",
	}
}

// RuleTypeDetection is the ruleType for detection rules; requirements use
// RuleTypeRequirement.
const (
	RuleTypeDetection   = "detection"
	RuleTypeRequirement = "requirement"
)

// ContentFileRequest registers the file placeholder: logical name, the
// plaintext size, and the full encrypted payload size including its
// staging header.
type ContentFileRequest struct {
	ODataType     string `json:"@odata.type"`
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	SizeEncrypted int64  `json:"sizeEncrypted"`
	IsDependency  bool   `json:"isDependency"`
}

func NewContentFileRequest(name string, size, sizeEncrypted int64) ContentFileRequest {
	return ContentFileRequest{
		ODataType:     "#microsoft.graph.mobileAppContentFile",
		Name:          name,
		Size:          size,
		SizeEncrypted: sizeEncrypted,
	}
}

// FileEncryptionInfo is the commit body. Every field is forwarded exactly
// as it appeared in the package metadata, base64 and all; re-encoding
// locally computed values here would defeat the remote integrity checks.
type FileEncryptionInfo struct {
	ODataType            string `json:"@odata.type"`
	EncryptionKey        string `json:"encryptionKey"`
	InitializationVector string `json:"initializationVector"`
	MAC                  string `json:"mac"`
	MACKey               string `json:"macKey"`
	ProfileIdentifier    string `json:"profileIdentifier"`
	FileDigest           string `json:"fileDigest"`
	FileDigestAlgorithm  string `json:"fileDigestAlgorithm"`
}

func NewFileEncryptionInfo(key, iv, mac, macKey, profile, digest, digestAlgorithm string) FileEncryptionInfo {
	return FileEncryptionInfo{
		ODataType:            "microsoft.graph.fileEncryptionInfo",
		EncryptionKey:        key,
		InitializationVector: iv,
		MAC:                  mac,
		MACKey:               macKey,
		ProfileIdentifier:    profile,
		FileDigest:           digest,
		FileDigestAlgorithm:  digestAlgorithm,
	}
}

// App is the application record as returned by the service.
type App struct {
	ID                      string `json:"id"`
	DisplayName             string `json:"displayName"`
	PublishingState         string `json:"publishingState"` // notPublished | processing | published
	CommittedContentVersion string `json:"committedContentVersion"`
}

// ContentFile is the file placeholder as returned by the service.
type ContentFile struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	SizeEncrypted   int64  `json:"sizeEncrypted"`
	AzureStorageURI string `json:"azureStorageUri"`
	IsCommitted     bool   `json:"isCommitted"`
	UploadState     string `json:"uploadState"`
}

// Upload states observed on ContentFile while a commit settles.
const (
	UploadStateCommitPending = "commitFilePending"
	UploadStateCommitFailed  = "commitFileFailed"
	UploadStateCommitSuccess = "commitFileSuccess"
)

// Publishing states observed on App.
const (
	PublishingStateNotPublished = "notPublished"
	PublishingStateProcessing   = "processing"
	PublishingStatePublished    = "published"
	PublishingStateFailed       = "failed"
)
