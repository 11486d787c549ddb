package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Writer exports finished sessions as markdown files under
// <dir>/<date>/<session id>.md.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Path(sess Session) string {
	date := sess.StartedAt.UTC().Format("2006-01-02")
	return filepath.Join(w.dir, date, sess.ID+".md")
}

// Export writes the session, its transcript and recap, replacing any
// previous export, and returns the file path.
func (w *Writer) Export(sess Session, items []TranscriptItem) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.Path(sess)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(FormatMarkdown(sess, items)), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename %s: %w", path, err)
	}
	return path, nil
}

func FormatMarkdown(sess Session, items []TranscriptItem) string {
	var b strings.Builder

	title := sess.Topic
	if title == "" {
		title = "Tutoring session"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Session: %s\n", sess.ID)
	fmt.Fprintf(&b, "- Student: %s\n", sess.Identity)
	if sess.Grade > 0 {
		fmt.Fprintf(&b, "- Grade: %d\n", sess.Grade)
	}
	if sess.Chapter != "" {
		fmt.Fprintf(&b, "- Chapter: %s\n", sess.Chapter)
	}
	fmt.Fprintf(&b, "- Started: %s\n", sess.StartedAt.UTC().Format(time.RFC3339))
	if sess.Duration > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", (time.Duration(sess.Duration) * time.Millisecond).Round(time.Second))
	}
	if sess.Status != "" {
		fmt.Fprintf(&b, "- Status: %s\n", sess.Status)
	}

	b.WriteString("\n## Transcript\n\n")
	for _, item := range items {
		b.WriteString(FormatItem(item))
		b.WriteString("\n")
	}

	if strings.TrimSpace(sess.Recap) != "" {
		b.WriteString("\n## Recap\n\n")
		b.WriteString(strings.TrimSpace(sess.Recap))
		b.WriteString("\n")
	}
	return b.String()
}

func FormatItem(item TranscriptItem) string {
	ts := item.ArrivedAt.UTC().Format("15:04:05")
	who := "Student"
	if item.Speaker == "teacher" {
		who = "Tutor"
	}
	content := strings.TrimSpace(item.Content)
	if item.Kind == "math" {
		content = "$" + content + "$"
	}
	return fmt.Sprintf("**[%s] %s:** %s", ts, who, content)
}
