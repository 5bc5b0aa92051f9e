package dlfile

import (
	"path"
	"sort"
	"strconv"
	"strings"

	"doclib/internal/store"
)

const (
	VersionDefault     = "1.0"
	PrivateWorkingCopy = "PWC"
)

type Action int

const (
	ActionPublish Action = iota
	ActionSaveDraft
)

func parseVersion(version string) (int, int) {
	majorText, minorText, _ := strings.Cut(version, ".")
	major, _ := strconv.Atoi(majorText)
	minor, _ := strconv.Atoi(minorText)
	return major, minor
}

// compareVersions orders "major.minor" labels numerically; the private
// working copy sorts above every numbered version.
func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	if a == PrivateWorkingCopy {
		return 1
	}
	if b == PrivateWorkingCopy {
		return -1
	}
	aMajor, aMinor := parseVersion(a)
	bMajor, bMinor := parseVersion(b)
	switch {
	case aMajor != bMajor:
		return compareInts(aMajor, bMajor)
	default:
		return compareInts(aMinor, bMinor)
	}
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func bumpVersion(version string, major bool) string {
	majorPart, minorPart := parseVersion(version)
	if major {
		majorPart++
		minorPart = 0
	} else {
		minorPart++
	}
	return strconv.Itoa(majorPart) + "." + strconv.Itoa(minorPart)
}

func sortVersions(versions []store.FileVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		return compareVersions(versions[i].Version, versions[j].Version) < 0
	})
}

func latestVersion(versions []store.FileVersion, excludeWorkingCopy bool) (store.FileVersion, bool) {
	var (
		latest store.FileVersion
		found  bool
	)
	for _, v := range versions {
		if excludeWorkingCopy && v.Version == PrivateWorkingCopy {
			continue
		}
		if !found || compareVersions(v.Version, latest.Version) > 0 {
			latest = v
			found = true
		}
	}
	return latest, found
}

func findVersion(versions []store.FileVersion, label string) (store.FileVersion, bool) {
	for _, v := range versions {
		if v.Version == label {
			return v, true
		}
	}
	return store.FileVersion{}, false
}

func isCheckedOut(versions []store.FileVersion) bool {
	latest, ok := latestVersion(versions, false)
	return ok && latest.Version == PrivateWorkingCopy
}

func countApproved(versions []store.FileVersion) int {
	count := 0
	for _, v := range versions {
		if v.IsApproved() {
			count++
		}
	}
	return count
}

// extensionOf prefers the source file name and falls back to the title.
func extensionOf(title, sourceFileName string) string {
	ext := strings.TrimPrefix(path.Ext(sourceFileName), ".")
	if ext == "" {
		ext = strings.TrimPrefix(path.Ext(title), ".")
	}
	return strings.ToLower(ext)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
