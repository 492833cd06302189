package sink

import (
	"path/filepath"
	"strings"
	"time"

	"firestige.xyz/sessreplay/internal/core"
)

const artifactTimeLayout = "20060102150405"

// ArtifactName names the artifact of a capture-derived session:
// YYYYMMDDHHMMSS_src-dst.ext with the session start in UTC.
func ArtifactName(start time.Time, src, dst core.Endpoint, f Format) string {
	return start.UTC().Format(artifactTimeLayout) + "_" + hostName(src) + "-" + hostName(dst) + f.Ext()
}

// DerivedName names the artifact of a one-shot conversion: the input
// stem with the extension of f.
func DerivedName(input string, f Format) string {
	base := filepath.Base(input)
	return strings.TrimSuffix(base, filepath.Ext(base)) + f.Ext()
}

// hostName keeps IPv6 addresses usable in file names.
func hostName(e core.Endpoint) string {
	return strings.ReplaceAll(e.Host(), ":", ".")
}
