package batch

// Chunk is a contiguous slice of a run's operations submitted as one
// compound request.
type Chunk struct {
	Index  int
	Offset int
	Ops    []Operation
}

// Size returns the number of operations in the chunk.
func (c Chunk) Size() int { return len(c.Ops) }

// Position returns the run input position of the chunk's i-th operation.
func (c Chunk) Position(i int) int { return c.Offset + i }

// ChunkCount returns the number of chunks n operations split into at the given size.
func ChunkCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Partition splits ops into chunks of size operations, the last one possibly
// shorter, preserving input order. maxSize <= 0 means PlatformMaxBatchSize.
func Partition(ops []Operation, size, maxSize int) ([]Chunk, error) {
	if maxSize <= 0 {
		maxSize = PlatformMaxBatchSize
	}
	if len(ops) == 0 {
		return nil, ErrEmptyOperations()
	}
	if size <= 0 || size > maxSize {
		return nil, ErrInvalidBatchSize(size, maxSize)
	}

	chunks := make([]Chunk, 0, ChunkCount(len(ops), size))
	for offset := 0; offset < len(ops); offset += size {
		end := offset + size
		if end > len(ops) {
			end = len(ops)
		}
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Offset: offset,
			Ops:    ops[offset:end:end],
		})
	}
	return chunks, nil
}
