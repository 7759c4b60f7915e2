package internal

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"
)

// dirEntry is one row of a /files listing.
type dirEntry struct {
	name     string
	size     int64
	isDir    bool
	sendable bool
}

// listDirectory reads a directory for the /files command. Hidden entries are
// skipped; directories sort before files, both alphabetically.
func listDirectory(path string) ([]dirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	items := make([]dirEntry, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		item := dirEntry{name: entry.Name(), isDir: entry.IsDir()}
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				item.size = info.Size()
			}
			item.sendable = sendableFile(entry.Name())
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].isDir != items[j].isDir {
			return items[i].isDir
		}
		return items[i].name < items[j].name
	})
	return items, nil
}

// sendableFile reports whether the extension maps onto a mime type the
// server accepts for file messages.
func sendableFile(name string) bool {
	kind := mime.TypeByExtension(filepath.Ext(name))
	return lo.SomeBy(allowedMimePrefixes, func(prefix string) bool {
		return strings.HasPrefix(kind, prefix)
	})
}

// defaultBrowsePath picks a starting directory for /files: Downloads or
// Documents when they exist, otherwise home or the working directory.
func defaultBrowsePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		for _, candidate := range []string{
			filepath.Join(home, "Downloads"),
			filepath.Join(home, "Documents"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

func renderDirListing(path string, items []dirEntry) string {
	lines := []string{fmt.Sprintf("Files in %s:", path)}
	if len(items) == 0 {
		lines = append(lines, "  (empty)")
	}
	for _, item := range items {
		switch {
		case item.isDir:
			lines = append(lines, "  "+item.name+"/")
		case item.sendable:
			lines = append(lines, fmt.Sprintf("  %s (%s) sendable with /file", item.name, formatFileSize(item.size)))
		default:
			lines = append(lines, fmt.Sprintf("  %s (%s)", item.name, formatFileSize(item.size)))
		}
	}
	return strings.Join(lines, "\n")
}

// listFilesCmd lists a local directory so the user can pick a /file target.
func listFilesCmd(dir string) tea.Cmd {
	return func() tea.Msg {
		items, err := listDirectory(dir)
		if err != nil {
			return noticeMsg(fmt.Sprintf("Cannot read %s: %v", dir, err))
		}
		return noticeMsg(renderDirListing(dir, items))
	}
}

// formatFileSize returns a human-readable file size.
func formatFileSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
