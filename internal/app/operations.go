package app

import (
	"context"
	"fmt"
	"time"

	"bragsync/internal/journal"
	"bragsync/internal/remote"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Server files that delete-file accepts
const (
	FileSyncData = "sync_data"
	FileManifest = "manifest"
)

// FileStatus describes one server-side sync file
type FileStatus struct {
	Name     string
	Exists   bool
	Size     uint64
	Modified time.Time
}

// FilesStatus asks the server which sync files exist
func (s *Syncer) FilesStatus(ctx context.Context) ([]FileStatus, error) {
	data, err := s.client.Invoke(ctx, remote.OpCheckFilesStatus, nil, s.cfg.Timeouts.Default)
	if err != nil {
		return nil, fmt.Errorf("check files status: %w", err)
	}

	var files []FileStatus
	for _, name := range []string{FileSyncData, FileManifest} {
		entry := data.Get(name)
		fs := FileStatus{Name: name}
		switch {
		case entry.IsObject():
			fs.Exists = entry.Get("exists").Bool()
			fs.Size = entry.Get("size").Uint()
			if ts := entry.Get("modified"); ts.Exists() {
				fs.Modified = parseServerTime(ts)
			}
		default:
			fs.Exists = entry.Bool()
		}
		files = append(files, fs)
	}
	return files, nil
}

// parseServerTime accepts a unix timestamp or a "Y-m-d H:i:s" string
func parseServerTime(v gjson.Result) time.Time {
	if v.Type == gjson.Number {
		return time.Unix(v.Int(), 0)
	}
	for _, layout := range []string{time.DateTime, time.RFC3339} {
		if t, err := time.Parse(layout, v.String()); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DeleteFile removes a server sync file after confirmation. It returns false
// when the user declined.
func (s *Syncer) DeleteFile(ctx context.Context, file string) (bool, error) {
	if file != FileSyncData && file != FileManifest {
		return false, fmt.Errorf("unknown file %q, expected %s or %s", file, FileSyncData, FileManifest)
	}

	ok, err := s.console.Confirm(ctx, "Delete "+file+"?",
		fmt.Sprintf("The server's %s file will be removed and must be rebuilt by the next sync.", file))
	if err != nil || !ok {
		return false, err
	}

	data, err := s.client.Invoke(ctx, remote.OpDeleteFile, remote.Params{"file": file}, s.cfg.Timeouts.Default)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", file, err)
	}

	s.logger.Info("Server file deleted", zap.String("file", file))
	s.console.Printf("%s\n", messageOr(data, file+" deleted"))
	return true, nil
}

// ManifestPreview returns the server's manifest preview as indented JSON
func (s *Syncer) ManifestPreview(ctx context.Context) (string, error) {
	data, err := s.client.Invoke(ctx, remote.OpGetManifestPreview, nil, s.cfg.Timeouts.Default)
	if err != nil {
		return "", fmt.Errorf("manifest preview: %w", err)
	}
	return data.Get("@pretty").String(), nil
}

// ClearStage3Status resets the server's stage 3 resume marker
func (s *Syncer) ClearStage3Status(ctx context.Context) (string, error) {
	data, err := s.client.Invoke(ctx, remote.OpClearStage3Status, nil, s.cfg.Timeouts.Default)
	if err != nil {
		return "", fmt.Errorf("clear stage 3 status: %w", err)
	}
	return messageOr(data, "Stage 3 status cleared"), nil
}

// StopRemote asks the server to stop a sync that was started elsewhere
func (s *Syncer) StopRemote(ctx context.Context) (string, error) {
	data, err := s.client.Invoke(ctx, remote.OpStopSync, nil, s.cfg.Timeouts.Default)
	if err != nil {
		return "", fmt.Errorf("stop sync: %w", err)
	}
	return messageOr(data, "Stop requested"), nil
}

// BragBookStatus returns the server's BRAG book sync status as indented JSON
func (s *Syncer) BragBookStatus(ctx context.Context) (string, error) {
	data, err := s.client.Invoke(ctx, remote.OpGetBragBookSyncStatus, nil, s.cfg.Timeouts.Default)
	if err != nil {
		return "", fmt.Errorf("bragbook sync status: %w", err)
	}
	return data.Get("@pretty").String(), nil
}

// ListRuns returns the most recent local journal entries
func (s *Syncer) ListRuns(ctx context.Context, limit int) ([]*journal.RunRecord, error) {
	return s.journal.ListRuns(ctx, limit)
}

// DeleteRun removes a sync record on the server and in the local journal
func (s *Syncer) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.client.Invoke(ctx, remote.OpDeleteSyncRecord, remote.Params{"sync_id": id}, s.cfg.Timeouts.Default); err != nil {
		return fmt.Errorf("delete sync record %s: %w", id, err)
	}
	if err := s.journal.DeleteRun(ctx, id); err != nil {
		return fmt.Errorf("delete local run %s: %w", id, err)
	}

	s.logger.Info("Sync record deleted", zap.String("sync_id", id))
	return nil
}

// ClearLog clears the server's sync log and the local journal
func (s *Syncer) ClearLog(ctx context.Context) (bool, error) {
	ok, err := s.console.Confirm(ctx, "Clear sync log?", "All sync history on the server and in the local journal will be removed.")
	if err != nil || !ok {
		return false, err
	}

	if _, err := s.client.Invoke(ctx, remote.OpClearSyncLog, nil, s.cfg.Timeouts.Default); err != nil {
		return false, fmt.Errorf("clear sync log: %w", err)
	}
	if err := s.journal.Clear(ctx); err != nil {
		return false, fmt.Errorf("clear local journal: %w", err)
	}

	s.logger.Info("Sync log cleared")
	return true, nil
}

func messageOr(data gjson.Result, fallback string) string {
	if msg := data.Get("message").String(); msg != "" {
		return msg
	}
	if data.Type == gjson.String && data.String() != "" {
		return data.String()
	}
	return fallback
}
