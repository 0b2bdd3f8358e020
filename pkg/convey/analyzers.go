package convey

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/karrick/godirwalk"
	"github.com/minio/highwayhash"
	"golang.org/x/mod/modfile"
	"golang.org/x/xerrors"
)

// contentHashKey is the key we use to hash project content. Change this key
// and you'll break every fingerprint ever computed.
const contentHashKey = "8d2c6f1be90a47d3517a3a3fd02b43c17dc2a87f4c462bf0685e36903bca4b0d"

// ContentHashAnalyzer fingerprints the full project content with a single
// highwayhash digest. It applies to every push.
type ContentHashAnalyzer struct{}

// Name implements Analyzer.
func (ContentHashAnalyzer) Name() string { return "content-hash" }

// Applicable implements Analyzer.
func (ContentHashAnalyzer) Applicable(*GoalInvocation) bool { return true }

// Analyze implements Analyzer. It walks the working copy in deterministic
// order, hashing file paths and contents. The .git directory is excluded.
func (a ContentHashAnalyzer) Analyze(ctx context.Context, p *Project) ([]Fingerprint, error) {
	key, err := hex.DecodeString(contentHashKey)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode content hash key: %w", err)
	}
	hash, err := highwayhash.New(key)
	if err != nil {
		return nil, xerrors.Errorf("cannot produce hash: %w", err)
	}

	var files []string
	err = godirwalk.Walk(p.Dir, &godirwalk.Options{
		Callback: func(path string, d *godirwalk.Dirent) error {
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			files = append(files, path)
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("cannot walk working copy: %w", err)
	}
	sort.Strings(files)

	for _, fn := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rel, err := filepath.Rel(p.Dir, fn)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(hash, rel); err != nil {
			return nil, err
		}

		f, err := os.Open(fn)
		if err != nil {
			return nil, xerrors.Errorf("cannot hash %s: %w", rel, err)
		}
		_, err = io.Copy(hash, f)
		f.Close()
		if err != nil {
			return nil, xerrors.Errorf("cannot hash %s: %w", rel, err)
		}
	}

	return []Fingerprint{{
		Name:  a.Name(),
		Value: hex.EncodeToString(hash.Sum(nil)),
		Sha:   p.Sha,
	}}, nil
}

// GoModAnalyzer fingerprints the project's Go module dependencies: one
// fingerprint per required module, valued with the required version. Projects
// without a go.mod yield no fingerprints.
type GoModAnalyzer struct{}

// Name implements Analyzer.
func (GoModAnalyzer) Name() string { return "go-module-deps" }

// Applicable implements Analyzer.
func (GoModAnalyzer) Applicable(*GoalInvocation) bool { return true }

// Analyze implements Analyzer.
func (a GoModAnalyzer) Analyze(ctx context.Context, p *Project) ([]Fingerprint, error) {
	fn := filepath.Join(p.Dir, "go.mod")
	fc, err := os.ReadFile(fn)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("cannot read go.mod: %w", err)
	}

	mod, err := modfile.Parse("go.mod", fc, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot parse go.mod: %w", err)
	}

	res := make([]Fingerprint, 0, len(mod.Require))
	for _, req := range mod.Require {
		if req.Indirect {
			continue
		}
		res = append(res, Fingerprint{
			Name:  fmt.Sprintf("%s:%s", a.Name(), req.Mod.Path),
			Value: req.Mod.Version,
			Sha:   p.Sha,
		})
	}
	return res, nil
}
