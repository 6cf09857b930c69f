package models

// BlobDescriptor identifies one stored blob: its key relative to the store
// root (for artifacts, "<project>/<build>/<run>/<path>") and its size.
type BlobDescriptor struct {
	Key       string
	SizeBytes int64
}
