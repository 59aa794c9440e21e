package app

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/hyperifyio/koteria/internal/pipeline"
)

// manifest describes one convert run so an output can be traced back to the
// exact input bytes and build that produced it.
type manifest struct {
	Version     string                      `json:"version"`
	Commit      string                      `json:"commit"`
	Input       string                      `json:"input"`
	InputSHA256 string                      `json:"input_sha256"`
	Encoding    string                      `json:"encoding"`
	Output      string                      `json:"output"`
	Format      string                      `json:"format"`
	Rows        int                         `json:"rows"`
	CacheHit    bool                        `json:"cache_hit"`
	Warnings    []pipeline.DateParseWarning `json:"warnings"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

func computeSHA256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// deriveManifestSidecarPath returns a sidecar JSON path next to the output.
func deriveManifestSidecarPath(outputPath string) string {
	return outputPath + ".manifest.json"
}

func writeManifest(path string, m manifest) error {
	if m.Warnings == nil {
		m.Warnings = []pipeline.DateParseWarning{}
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
