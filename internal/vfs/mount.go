package vfs

import (
	"mime"
	"path"
	"strings"
	"time"
)

// VirtualFile is one served archive entry. Immutable after creation.
type VirtualFile struct {
	Name        string `json:"name"` // entry name inside the archive
	Size        int64  `json:"size"`
	Path        string `json:"path"`    // URL path on the server
	Archive     string `json:"archive"` // first volume, re-opened on every read
	MountID     string `json:"mount_id"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// MountHandle is one logically mounted archive
type MountHandle struct {
	ID           string        `json:"id"`
	Archive      string        `json:"archive"`
	TargetDir    string        `json:"target_dir"`
	Files        []VirtualFile `json:"files"`
	PointerFiles []string      `json:"pointer_files"`
	MountedAt    time.Time     `json:"mounted_at"`
	ContentSize  int64         `json:"content_size"`
}

func (h *MountHandle) clone() MountHandle {
	out := *h
	out.Files = append([]VirtualFile(nil), h.Files...)
	out.PointerFiles = append([]string(nil), h.PointerFiles...)
	return out
}

var contentTypes = map[string]string{
	".mkv":  "video/x-matroska",
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".avi":  "video/x-msvideo",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".wmv":  "video/x-ms-wmv",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".flac": "audio/flac",
	".mp3":  "audio/mpeg",
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
