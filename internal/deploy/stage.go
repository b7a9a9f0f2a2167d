package deploy

import "fmt"

// Stage is one step of a publish attempt, in execution order. The two
// local stages run before anything touches the network; a digest failure
// in verify means no remote record is ever created for the package.
type Stage int

const (
	StageRead Stage = iota
	StageVerify
	StageShell
	StageContentVersion
	StageFilePlaceholder
	StageUploadTarget
	StageUploadBlocks
	StageCommitFile
	StageCommitConfirm
	StageVersionCommit
	StagePublish
)

var stageNames = [...]string{
	"read",
	"verify",
	"shell",
	"content_version",
	"file_placeholder",
	"upload_target",
	"upload_blocks",
	"commit_file",
	"commit_confirm",
	"version_commit",
	"publish",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}
