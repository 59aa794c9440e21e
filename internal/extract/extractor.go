package extract

// Normalizer turns one raw visit fragment into its visible text lines.
// Implementations must be deterministic and free of shared state so that
// fragments can be normalized concurrently.
type Normalizer interface {
	Lines(fragment string) []string
}

// HTMLNormalizer uses Lines, the x/net/html based walker.
type HTMLNormalizer struct{}

func (HTMLNormalizer) Lines(fragment string) []string {
	return Lines(fragment)
}
