package fetcher

// Plan splits totalSize bytes into ceil(totalSize/chunkSize) contiguous
// ranges. The last range holds the remainder.
func Plan(totalSize, chunkSize int64) []ChunkSpec {
	if totalSize <= 0 || chunkSize <= 0 {
		return nil
	}
	numChunks := int((totalSize + chunkSize - 1) / chunkSize)
	specs := make([]ChunkSpec, numChunks)
	for i := range numChunks {
		offset := int64(i) * chunkSize
		specs[i] = ChunkSpec{
			Index:  i,
			Offset: offset,
			Size:   min(chunkSize, totalSize-offset),
		}
	}
	return specs
}
