package remote

import "strings"

// Operation names a server-side action. The wire action is the configured
// prefix followed by the operation name with dashes replaced by underscores.
type Operation string

const (
	OpCheckFilesStatus      Operation = "check-files-status"
	OpRunStage1             Operation = "run-stage-1"
	OpRunStage2             Operation = "run-stage-2"
	OpRunStage3             Operation = "run-stage-3"
	OpGetProgress           Operation = "get-progress"
	OpDeleteFile            Operation = "delete-file"
	OpGetManifestPreview    Operation = "get-manifest-preview"
	OpClearStage3Status     Operation = "clear-stage3-status"
	OpDetectOrphans         Operation = "detect-orphans"
	OpDeleteOrphans         Operation = "delete-orphans"
	// OpFullSync runs every stage server-side in one request. The orchestrator
	// sequences the stages itself so it can poll and stop between them; the
	// operation is kept for servers driven by other clients.
	OpFullSync              Operation = "full-sync"
	OpStopSync              Operation = "stop-sync"
	OpDeleteSyncRecord      Operation = "delete-sync-record"
	OpClearSyncLog          Operation = "clear-sync-log"
	OpGetBragBookSyncStatus Operation = "get-bragbook-sync-status"
)

// Action returns the admin-ajax action for the operation
func (o Operation) Action(prefix string) string {
	return prefix + strings.ReplaceAll(string(o), "-", "_")
}

// Params are the operation-specific form fields sent with a request
type Params map[string]string
