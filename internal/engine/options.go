package engine

// ONNXOptions describe an exported streaming acoustic model. The graph takes
// "x" [N, T, FeatureDim] float32 and "x_lens" [N] int64 and returns
// "log_probs" [N, T', Vocab] float32 and "log_probs_len" [N] int64.
type ONNXOptions struct {
	Path        string
	FeatureDim  int
	ChunkFrames int
	Subsampling int
	Vocab       int
	NumThreads  int
	Provider    string
}
