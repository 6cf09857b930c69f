package models

// ETagAny matches any version in an optimistic-lock comparison.
const ETagAny = "*"

// ETag is an opaque version stamp regenerated on every write.
type ETag string

func (e ETag) String() string {
	return string(e)
}

// GetETag returns the caller-supplied tag when there is one, otherwise the
// resource's current tag.
func GetETag(resource MutableResource, etag ETag) ETag {
	if etag == "" {
		return resource.GetETag()
	}
	return etag
}
