package postprocess

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ManifestFile is the name of the manifest written into each folder.
const ManifestFile = "manifest.json"

// ManifestEntry describes one file of a folder.
type ManifestEntry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	BLAKE2b string `json:"blake2b"`
}

// Manifest lists the files of a folder with their digests.
type Manifest struct {
	Generated time.Time       `json:"generated"`
	Files     []ManifestEntry `json:"files"`
}

// ManifestProcessor writes manifest.json with the size and BLAKE2b-256
// digest of every regular file directly inside the folder.
type ManifestProcessor struct {
	// Now stamps the manifest; nil means time.Now
	Now func() time.Time
}

func (ManifestProcessor) Name() string { return "manifest" }

func (m ManifestProcessor) Run(ctx context.Context, folder string) error {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return err
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}

	man := Manifest{Generated: now().UTC(), Files: []ManifestEntry{}}
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == ManifestFile {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := digestFile(filepath.Join(folder, e.Name()))
		if err != nil {
			return err
		}
		man.Files = append(man.Files, entry)
	}
	sort.Slice(man.Files, func(i, j int) bool { return man.Files[i].Name < man.Files[j].Name })

	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(folder, ManifestFile+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(folder, ManifestFile))
}

func digestFile(path string) (ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return ManifestEntry{}, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return ManifestEntry{}, err
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("digest %s: %w", path, err)
	}
	return ManifestEntry{
		Name:    filepath.Base(path),
		Size:    n,
		BLAKE2b: hex.EncodeToString(h.Sum(nil)),
	}, nil
}
