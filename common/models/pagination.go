package models

const DefaultPaginationLimit = 30

// Pagination selects one page of a cursor-paginated listing.
type Pagination struct {
	// Limit is the maximum number of results to return. Callers must always
	// set it; a zero limit returns nothing.
	Limit int `json:"limit"`
	// Cursor is an opaque marker resuming a previous listing, or nil for the
	// first page.
	Cursor *DirectionalCursor `json:"cursor"`
}

func NewPagination(limit int, cursor *DirectionalCursor) Pagination {
	return Pagination{Limit: limit, Cursor: cursor}
}
