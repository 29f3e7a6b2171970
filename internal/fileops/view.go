package fileops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// View returns a numbered listing of a file clipped to the requested range,
// or a directory listing. Range [0, -1] means the whole file; at most
// MaxViewLines lines are returned either way.
func (o *Ops) View(rawPath string, startLine, endLine int, tree bool) (string, error) {
	loc, err := ParsePath(o.vault.Restore(rawPath))
	if err != nil {
		return "", err
	}

	if loc.Remote() {
		return o.viewRemote(loc, startLine, endLine, tree)
	}

	info, err := os.Stat(loc.Path)
	if err != nil {
		return "", fmt.Errorf("view %s: %w", loc.Path, err)
	}
	if info.IsDir() {
		listing, err := listDir(loc.Path, tree)
		if err != nil {
			return "", err
		}
		return o.redactOut(listing), nil
	}

	data, err := os.ReadFile(loc.Path)
	if err != nil {
		return "", fmt.Errorf("view %s: %w", loc.Path, err)
	}
	return o.redactOut(numberLines(string(data), startLine, endLine)), nil
}

func (o *Ops) viewRemote(loc Location, startLine, endLine int, tree bool) (string, error) {
	quoted := shellQuote(loc.Path)
	isDir, err := o.remote.RunRemote(loc.Conn, fmt.Sprintf("test -d %s && echo yes || echo no", quoted))
	if err != nil {
		return "", fmt.Errorf("view %s: %w", loc.Path, err)
	}
	if strings.TrimSpace(isDir) == "yes" {
		cmd := fmt.Sprintf("ls -la %s", quoted)
		if tree {
			cmd = fmt.Sprintf("find %s -maxdepth 3 | sort", quoted)
		}
		out, err := o.remote.RunRemote(loc.Conn, cmd)
		if err != nil {
			return "", fmt.Errorf("view %s: %w", loc.Path, err)
		}
		return o.redactOut(out), nil
	}

	out, err := o.remote.RunRemote(loc.Conn, "cat "+quoted)
	if err != nil {
		return "", fmt.Errorf("view %s: %w", loc.Path, err)
	}
	return o.redactOut(numberLines(out, startLine, endLine)), nil
}

// numberLines clips content to [startLine, endLine] (1-based, inclusive;
// endLine <= 0 means end of file) and numbers each line.
func numberLines(content string, startLine, endLine int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	if startLine < 1 {
		startLine = 1
	}
	if endLine <= 0 || endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > len(lines) {
		return ""
	}

	clipped := lines[startLine-1 : endLine]
	truncated := false
	if len(clipped) > MaxViewLines {
		clipped = clipped[:MaxViewLines]
		truncated = true
	}

	var b strings.Builder
	for i, line := range clipped {
		fmt.Fprintf(&b, "%6d\t%s\n", startLine+i, line)
	}
	if truncated {
		fmt.Fprintf(&b, "... clipped to %d lines\n", MaxViewLines)
	}
	return b.String()
}

func listDir(path string, tree bool) (string, error) {
	if !tree {
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", fmt.Errorf("list %s: %w", path, err)
		}
		var b strings.Builder
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			b.WriteString(name + "\n")
		}
		return b.String(), nil
	}

	var paths []string
	root := filepath.Clean(path)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		rel, _ := filepath.Rel(root, p)
		if rel == "." {
			return nil
		}
		if strings.Count(rel, string(filepath.Separator)) >= 3 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			rel += "/"
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)
	return strings.Join(paths, "\n") + "\n", nil
}
