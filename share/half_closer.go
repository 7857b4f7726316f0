package wshare

// WriteHalfCloser is implemented by bidirectional streams that can shut down
// their writing half while the read half stays active (net.TCPConn does).
// It is what lets a pump propagate a remote end-of-stream without cutting
// off data still flowing the other way, as protocols like HTTP 1.0 require.
type WriteHalfCloser interface {
	// CloseWrite signals end-of-stream to the remote reader; no further
	// writes are possible after this call.
	CloseWrite() error
}

// ReadHalfCloser is the read-side twin of WriteHalfCloser. Corresponds to
// net.TCPConn.CloseRead. It has few practical uses but is kept for
// symmetry.
type ReadHalfCloser interface {
	// CloseRead shuts down the reading half of the stream.
	CloseRead() error
}
