package repack

// Stage is one step of a build. Stages run strictly in declaration order.
type Stage int

const (
	StageNone Stage = iota
	StageDecrypt
	StageExtract
	StageSnapshotOriginal
	StageApplyPatches
	StageDecideAndRebuild
	StageUpdateManifest
	StageSyncOuterArchive
	StageEncrypt
	StageFinalize
)

var stageNames = map[Stage]string{
	StageNone:             "preflight",
	StageDecrypt:          "decrypt",
	StageExtract:          "extract",
	StageSnapshotOriginal: "snapshot_original",
	StageApplyPatches:     "apply_patches",
	StageDecideAndRebuild: "decide_and_rebuild",
	StageUpdateManifest:   "update_manifest",
	StageSyncOuterArchive: "sync_outer_archive",
	StageEncrypt:          "encrypt",
	StageFinalize:         "finalize",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}
