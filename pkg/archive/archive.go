// Package archive bundles the clan directory, the war history and the config
// file into timestamped .tar.gz snapshots with a checksummed manifest.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Archive member names.
const (
	ClanFile     = "data/clans.bolt"
	HistoryFile  = "data/history.db"
	ManifestFile = "manifest.json"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds so timestamps sort
// lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Manifest describes the contents of an archive.
type Manifest struct {
	Version   int                  `json:"version"`
	Server    string               `json:"server"`
	Timestamp string               `json:"timestamp"`
	Clans     int                  `json:"clans"`
	Wars      int                  `json:"wars"`
	Files     map[string]FileEntry `json:"files"`
}

// FileEntry describes a single file within the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"` // "bolt", "sql", "conf"
}

// Params holds the inputs of one archive run. Snapshot functions write a
// consistent copy of a live database to the given path.
type Params struct {
	Dir    string // Output directory
	Server string // Server version for the manifest
	Clans  int
	Wars   int

	// Snapshot functions are skipped when nil.
	ClanSnapshot    func(dest string) error
	HistorySnapshot func(dest string) error
	ConfPath        string // empty = skip
}

// Create writes a new archive into p.Dir and returns its path.
func Create(p Params) (string, error) {
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", p.Dir, err)
	}
	now := time.Now().UTC()
	stamp := now.Format("20060102-150405")
	path := filepath.Join(p.Dir, "clanwar-"+stamp+".tar.gz")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(p.Dir, fmt.Sprintf("clanwar-%s-%d.tar.gz", stamp, i))
	}

	stage, err := os.MkdirTemp("", "clanwar-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp dir: %w", err)
	}
	defer os.RemoveAll(stage)

	var members []member
	if p.ClanSnapshot != nil {
		dest := filepath.Join(stage, "clans.bolt")
		if err := p.ClanSnapshot(dest); err != nil {
			return "", fmt.Errorf("archive: clan snapshot: %w", err)
		}
		members = append(members, member{dest, ClanFile, "bolt"})
	}
	if p.HistorySnapshot != nil {
		dest := filepath.Join(stage, "history.db")
		if err := p.HistorySnapshot(dest); err != nil {
			return "", fmt.Errorf("archive: history snapshot: %w", err)
		}
		members = append(members, member{dest, HistoryFile, "sql"})
	}
	if p.ConfPath != "" {
		if _, err := os.Stat(p.ConfPath); err == nil {
			members = append(members, member{p.ConfPath, "conf/" + filepath.Base(p.ConfPath), "conf"})
		}
	}

	manifest := Manifest{
		Version:   1,
		Server:    p.Server,
		Timestamp: now.Format(timeFormat),
		Clans:     p.Clans,
		Wars:      p.Wars,
		Files:     make(map[string]FileEntry, len(members)),
	}

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", path, err)
	}
	if err := write(out, members, &manifest); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("archive: close %s: %w", path, err)
	}
	return path, nil
}

// member is a file staged for the archive.
type member struct {
	src, name, kind string
}

func write(w io.Writer, members []member, m *Manifest) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	for _, mem := range members {
		entry, err := addFile(tw, mem.src, mem.name)
		if err != nil {
			return err
		}
		entry.Type = mem.kind
		m.Files[mem.name] = entry
	}

	// The manifest is the last entry.
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    ManifestFile,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("archive: write manifest header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("archive: write manifest: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("archive: close gzip: %w", err)
	}
	return nil
}

// addFile copies srcPath into the tar stream as name, hashing it on the way.
func addFile(tw *tar.Writer, srcPath, name string) (FileEntry, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return FileEntry{}, fmt.Errorf("archive: header %s: %w", name, err)
	}

	h := sha256.New()
	n, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: write %s: %w", name, err)
	}
	return FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
