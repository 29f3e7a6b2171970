package fileops

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrExists is returned by Create when the target already exists.
var ErrExists = errors.New("file already exists")

// ErrOldNotFound is returned by StrReplace when old does not occur.
var ErrOldNotFound = errors.New("old string not found in file")

// ErrSameOldNew is returned by StrReplace when old equals new.
var ErrSameOldNew = errors.New("old and new strings are identical")

// Create writes a new file, creating parent directories. Fails if the path
// already exists.
func (o *Ops) Create(rawPath, text string) (string, error) {
	loc, err := ParsePath(o.vault.Restore(rawPath))
	if err != nil {
		return "", err
	}
	content := o.vault.Restore(text)

	if loc.Remote() {
		quoted := shellQuote(loc.Path)
		exists, err := o.remote.RunRemote(loc.Conn, fmt.Sprintf("test -e %s && echo yes || echo no", quoted))
		if err != nil {
			return "", fmt.Errorf("create %s: %w", loc.Path, err)
		}
		if strings.TrimSpace(exists) == "yes" {
			return "", fmt.Errorf("%w: %s", ErrExists, loc.Path)
		}
		cmd := fmt.Sprintf("mkdir -p %s && cat > %s <<'AGENTD_EOF'\n%s\nAGENTD_EOF",
			shellQuote(remoteDir(loc.Path)), quoted, content)
		if _, err := o.remote.RunRemote(loc.Conn, cmd); err != nil {
			return "", fmt.Errorf("create %s: %w", loc.Path, err)
		}
		return fmt.Sprintf("created %s", loc.Path), nil
	}

	if _, err := os.Stat(loc.Path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, loc.Path)
	}
	if err := os.MkdirAll(filepath.Dir(loc.Path), 0o755); err != nil {
		return "", fmt.Errorf("create parents: %w", err)
	}
	if err := os.WriteFile(loc.Path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("create %s: %w", loc.Path, err)
	}
	return fmt.Sprintf("created %s", loc.Path), nil
}

// StrReplace substitutes old with new in the file and returns a unified
// diff of the change. replaceAll substitutes every occurrence; otherwise
// only the first.
func (o *Ops) StrReplace(rawPath, oldStr, newStr string, replaceAll bool) (string, error) {
	if oldStr == newStr {
		return "", ErrSameOldNew
	}
	loc, err := ParsePath(o.vault.Restore(rawPath))
	if err != nil {
		return "", err
	}
	oldStr = o.vault.Restore(oldStr)
	newStr = o.vault.Restore(newStr)

	read := func() (string, error) {
		if loc.Remote() {
			return o.remote.RunRemote(loc.Conn, "cat "+shellQuote(loc.Path))
		}
		data, err := os.ReadFile(loc.Path)
		return string(data), err
	}
	write := func(content string) error {
		if loc.Remote() {
			cmd := fmt.Sprintf("cat > %s <<'AGENTD_EOF'\n%s\nAGENTD_EOF", shellQuote(loc.Path), content)
			_, err := o.remote.RunRemote(loc.Conn, cmd)
			return err
		}
		return os.WriteFile(loc.Path, []byte(content), 0o644)
	}

	before, err := read()
	if err != nil {
		return "", fmt.Errorf("replace in %s: %w", loc.Path, err)
	}
	if !strings.Contains(before, oldStr) {
		return "", fmt.Errorf("%w: %s", ErrOldNotFound, loc.Path)
	}

	var after string
	if replaceAll {
		after = strings.ReplaceAll(before, oldStr, newStr)
	} else {
		after = strings.Replace(before, oldStr, newStr, 1)
	}
	if err := write(after); err != nil {
		return "", fmt.Errorf("replace in %s: %w", loc.Path, err)
	}

	diff := UnifiedDiff(loc.Path, before, after)
	return o.redactOut(diff), nil
}

// Backup records where a removed file went.
type Backup struct {
	OriginalPath string
	BackupPath   string
}

// Remove moves the target into a fresh backup directory and reports the
// mapping as an XML fragment. Nothing is ever unlinked; recovery from the
// backup path stays possible for the session's lifetime.
func (o *Ops) Remove(rawPath string, recursive bool) (string, error) {
	loc, err := ParsePath(o.vault.Restore(rawPath))
	if err != nil {
		return "", err
	}

	backupID := uuid.NewString()

	if loc.Remote() {
		backupDir := "~/.stakpak/session/backups/" + backupID
		quoted := shellQuote(loc.Path)
		check := fmt.Sprintf("test -e %s || echo missing", quoted)
		if out, err := o.remote.RunRemote(loc.Conn, check); err != nil {
			return "", fmt.Errorf("remove %s: %w", loc.Path, err)
		} else if strings.Contains(out, "missing") {
			return "", fmt.Errorf("remove %s: no such file", loc.Path)
		}
		isDir, _ := o.remote.RunRemote(loc.Conn, fmt.Sprintf("test -d %s && echo yes || echo no", quoted))
		if strings.TrimSpace(isDir) == "yes" && !recursive {
			return "", fmt.Errorf("remove %s: is a directory (recursive not set)", loc.Path)
		}
		cmd := fmt.Sprintf("mkdir -p %s && mv %s %s/", backupDir, quoted, backupDir)
		if _, err := o.remote.RunRemote(loc.Conn, cmd); err != nil {
			return "", fmt.Errorf("remove %s: %w", loc.Path, err)
		}
		backup := Backup{
			OriginalPath: loc.Conn + ":" + loc.Path,
			BackupPath:   loc.Conn + ":" + backupDir + "/" + remoteBase(loc.Path),
		}
		return backupXML([]Backup{backup}), nil
	}

	info, err := os.Stat(loc.Path)
	if err != nil {
		return "", fmt.Errorf("remove %s: %w", loc.Path, err)
	}
	if info.IsDir() && !recursive {
		return "", fmt.Errorf("remove %s: is a directory (recursive not set)", loc.Path)
	}

	backupDir := filepath.Join(o.backupRoot, backupID)
	dest := filepath.Join(backupDir, strings.TrimPrefix(filepath.Clean(loc.Path), string(filepath.Separator)))
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return "", fmt.Errorf("prepare backup dir: %w", err)
	}

	if err := os.Rename(loc.Path, dest); err != nil {
		// Rename across filesystems falls back to copy + remove.
		if err := copyTree(loc.Path, dest); err != nil {
			return "", fmt.Errorf("backup %s: %w", loc.Path, err)
		}
		if err := os.RemoveAll(loc.Path); err != nil {
			return "", fmt.Errorf("remove after backup: %w", err)
		}
	}

	return backupXML([]Backup{{OriginalPath: loc.Path, BackupPath: dest}}), nil
}

func backupXML(backups []Backup) string {
	var b strings.Builder
	b.WriteString("<file_backups>\n")
	for _, bk := range backups {
		fmt.Fprintf(&b, "  <file_backup original=%q backup=%q/>\n", bk.OriginalPath, bk.BackupPath)
	}
	b.WriteString("</file_backups>")
	return b.String()
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func remoteDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func remoteBase(path string) string {
	idx := strings.LastIndex(path, "/")
	return path[idx+1:]
}
