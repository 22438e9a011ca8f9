package chunkjob

// Split slices text into chunks of at most size runes. Slicing is by whole
// characters so multi-byte sequences are never cut. Empty input yields no
// chunks.
func Split(text string, size int) []string {
	if text == "" || size <= 0 {
		return nil
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
