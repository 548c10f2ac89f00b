// Package pathutil implements versioned-filename parsing,
// ignored/extensionless name classification, and the root/nesting/symlink
// safety checks the planner and scanner rely on before touching a
// filesystem tree.
package pathutil

import (
	"regexp"
	"strconv"
	"strings"
)

// versionedNamePattern matches "<stem>_v<digits>.<ext>", case-insensitive on
// the "v" marker.
var versionedNamePattern = regexp.MustCompile(`(?i)^(.*)_v(\d+)\.([^.]+)$`)

// VersionedName is the decoded form of a candidate source file name.
type VersionedName struct {
	// TargetFileName is the name this candidate maps to in the destination
	// tree. For unversioned names it equals the input name unchanged.
	TargetFileName string
	// Version is the parsed version number, or 0 for unversioned names.
	Version uint64
	// StrippedStem is the part of the name before its "_v<digits>" suffix,
	// without the extension; empty for unversioned names.
	StrippedStem string
	IsVersioned  bool
}

// ParseVersionedName decodes a single file basename. Numeric parsing is
// base-10 with leading-zero tolerance (e.g. "_v007" -> 7); a
// version string that overflows uint64 is treated as unversioned, since a
// name like that was never meant to encode a real version ordinal.
func ParseVersionedName(name string) VersionedName {
	m := versionedNamePattern.FindStringSubmatch(name)
	if m == nil {
		return VersionedName{TargetFileName: name, Version: 0, IsVersioned: false}
	}

	stem, digits, ext := m[1], m[2], m[3]
	version, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return VersionedName{TargetFileName: name, Version: 0, IsVersioned: false}
	}

	return VersionedName{
		TargetFileName: stem + "." + ext,
		Version:        version,
		StrippedStem:   stem,
		IsVersioned:    true,
	}
}

// ignoredExactNames are well-known system/metadata files, compared
// case-insensitively, that must never participate in a sync.
var ignoredExactNames = map[string]struct{}{
	".ds_store":        {},
	"thumbs.db":        {},
	"desktop.ini":      {},
	"icon\r":           {},
	"sync-history.log": {},
}

// IsIgnored reports whether name should be excluded from scanning: it starts
// with "." or is one of the well-known system files (case-insensitive).
func IsIgnored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ignored := ignoredExactNames[strings.ToLower(name)]
	return ignored
}

// HasUsableExtension reports whether name carries a non-empty extension not
// at position 0 (so ".gitignore" has no usable extension, but "a.b" does).
func HasUsableExtension(name string) bool {
	idx := strings.LastIndex(name, ".")
	return idx > 0 && idx < len(name)-1
}
