package pipeline

import "testing"

func BenchmarkRun(b *testing.B) {
	raw := encodeLatin2(b, manyVisits(500))
	b.Run("sequential", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = Run(raw, "iso-8859-2", Options{})
		}
	})
	b.Run("workers", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = Run(raw, "iso-8859-2", Options{Workers: -1})
		}
	})
}
