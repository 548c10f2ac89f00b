// Package syncplan resolves two tree scans into an ordered copy plan plus
// the destination directories that must exist before any copy transaction
// runs.
package syncplan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lempicka/lempicka-sync/pkg/pathutil"
	"github.com/lempicka/lempicka-sync/pkg/treescan"
)

// PlanItem is one target relative path's worth of work: the highest-version
// source candidate, and whatever is known about the current destination.
type PlanItem struct {
	SourcePath         string
	SourceRelativePath string
	SourceSize         int64
	TargetPath         string
	TargetRelativePath string
	Version            uint64
	DestinationExists  bool
	DestinationSize    int64
}

// PlanError is a fatal planner-stage error, carrying the stable code the
// rest of the engine switches on.
type PlanError struct {
	Code    string
	Message string
	Path    string
}

func (e *PlanError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// PlanBundle is the value returned to callers of Build: a resolved sync
// plan plus the directories it will need created before copying starts.
type PlanBundle struct {
	LeftRoot            string
	RightRoot           string
	Plan                []PlanItem
	DirectoriesToCreate []string
	TotalCandidates     int
	PendingCount        int
}

// candidate tracks one source entry while the best-by-target map is built.
type candidate struct {
	record  treescan.FileRecord
	version uint64
}

// Build runs the full planner sequence over a validated root pair: scan
// both, resolve the highest version per target path, compare against
// destination size, and compute the directories a sync will need to create.
func Build(leftRoot, rightRoot string) (*PlanBundle, error) {
	if err := validateRoot(leftRoot); err != nil {
		return nil, err
	}
	if err := validateRoot(rightRoot); err != nil {
		return nil, err
	}
	if err := pathutil.ValidateRootPair(leftRoot, rightRoot); err != nil {
		return nil, &PlanError{Code: "INVALID_DIRECTORY", Message: err.Error()}
	}

	left, err := treescan.Scan(leftRoot)
	if err != nil {
		return nil, err
	}
	right, err := treescan.Scan(rightRoot)
	if err != nil {
		return nil, err
	}

	rightSizeByRel := make(map[string]int64, len(right))
	for _, r := range right {
		rightSizeByRel[filepath.ToSlash(r.RelativePath)] = r.SizeBytes
	}

	bestByTarget := make(map[string]candidate)
	for _, l := range left {
		dir := filepath.Dir(l.RelativePath)
		base := filepath.Base(l.RelativePath)
		parsed := pathutil.ParseVersionedName(base)

		var targetRel string
		if dir == "." {
			targetRel = parsed.TargetFileName
		} else {
			targetRel = filepath.Join(dir, parsed.TargetFileName)
		}
		targetRel = filepath.ToSlash(filepath.Clean(targetRel))

		existing, ok := bestByTarget[targetRel]
		if !ok {
			bestByTarget[targetRel] = candidate{record: l, version: parsed.Version}
			continue
		}
		if parsed.Version > existing.version {
			bestByTarget[targetRel] = candidate{record: l, version: parsed.Version}
			continue
		}
		if parsed.Version == existing.version {
			// Deterministic tie-break: greatest source_relative_path wins,
			// lexicographically, same total-order preference the copy
			// pipeline applies everywhere else it needs one.
			existingSlash := filepath.ToSlash(existing.record.RelativePath)
			candidateSlash := filepath.ToSlash(l.RelativePath)
			if candidateSlash > existingSlash {
				bestByTarget[targetRel] = candidate{record: l, version: parsed.Version}
			}
		}
	}

	var plan []PlanItem
	for targetRel, best := range bestByTarget {
		destSize, exists := rightSizeByRel[targetRel]
		if exists && destSize == best.record.SizeBytes {
			continue
		}

		item := PlanItem{
			SourcePath:         best.record.FullPath,
			SourceRelativePath: best.record.RelativePath,
			SourceSize:         best.record.SizeBytes,
			TargetPath:         filepath.Join(rightRoot, filepath.FromSlash(targetRel)),
			TargetRelativePath: filepath.FromSlash(targetRel),
			Version:            best.version,
			DestinationExists:  exists,
			DestinationSize:    destSize,
		}
		plan = append(plan, item)
	}

	sort.Slice(plan, func(i, j int) bool {
		return filepath.ToSlash(plan[i].TargetRelativePath) < filepath.ToSlash(plan[j].TargetRelativePath)
	})

	dirsToCreate, err := directoriesToCreate(plan, rightRoot)
	if err != nil {
		return nil, err
	}

	return &PlanBundle{
		LeftRoot:            leftRoot,
		RightRoot:           rightRoot,
		Plan:                plan,
		DirectoriesToCreate: dirsToCreate,
		TotalCandidates:     len(bestByTarget),
		PendingCount:        len(plan),
	}, nil
}

// directoriesToCreate computes, for every directory referenced by a plan
// item's target path, whether it needs creating: absent -> create (parents
// implicit, MkdirAll semantics); present as a directory -> no entry;
// present as something else, at any ancestor level -> fatal conflict.
func directoriesToCreate(plan []PlanItem, rightRoot string) ([]string, error) {
	seen := make(map[string]struct{})
	var dirs []string

	for _, item := range plan {
		rel := filepath.ToSlash(filepath.Dir(item.TargetRelativePath))
		if rel == "." || rel == "" {
			continue
		}
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}

		// Walk ancestors shallow-to-deep so a file squatting on "a" is
		// caught before "a/b/c" is blindly scheduled over it.
		parts := strings.Split(rel, "/")
		missing := false
		for i := 1; i <= len(parts); i++ {
			sub := strings.Join(parts[:i], "/")
			abs := filepath.Join(rightRoot, filepath.FromSlash(sub))
			info, err := os.Stat(abs)
			switch {
			case err == nil && info.IsDir():
				// Exists already; keep descending.
			case err == nil:
				return nil, &PlanError{
					Code:    "DESTINATION_PATH_CONFLICT",
					Message: "destination path exists and is not a directory",
					Path:    abs,
				}
			case os.IsNotExist(err):
				missing = true
			default:
				return nil, &PlanError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: abs}
			}
			if missing {
				break
			}
		}
		if missing {
			dirs = append(dirs, rel)
		}
	}

	sort.Strings(dirs)
	out := make([]string, len(dirs))
	for i, d := range dirs {
		out[i] = filepath.FromSlash(d)
	}
	return out, nil
}

func validateRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return &PlanError{Code: "INVALID_DIRECTORY", Message: err.Error(), Path: root}
	}
	if !info.IsDir() {
		return &PlanError{Code: "INVALID_DIRECTORY", Message: "root is not a directory", Path: root}
	}
	return nil
}
