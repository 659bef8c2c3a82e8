package utils

// Chunk splits items into consecutive windows of at most size elements.
// The windows share the backing array of items.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}

	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
