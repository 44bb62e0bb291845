package protocol

// Split slices data into consecutive frames of at most size bytes. The frames
// alias data. An empty input yields no frames.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		size = ChunkSize
	}
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		frames = append(frames, data[off:end:end])
	}
	return frames
}
