package server

import (
	"net/http"
	"strconv"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/models"
)

const defaultPageLimit = 25

// parsePagination reads the limit and cursor query parameters.
func parsePagination(r *http.Request) (models.Pagination, error) {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return models.Pagination{}, gerror.NewErrInvalidQueryParameter("Invalid limit: " + raw)
		}
		limit = parsed
	}
	var cursor *models.DirectionalCursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor = &models.DirectionalCursor{}
		err := cursor.Decode(raw)
		if err != nil {
			return models.Pagination{}, gerror.NewErrInvalidQueryParameter("Invalid cursor").Wrap(err)
		}
	}
	return models.NewPagination(limit, cursor), nil
}

// nextPageQuery renders the query string of the next page, or "" on the last
// page.
func nextPageQuery(pagination models.Pagination, cursor *models.Cursor) string {
	if cursor == nil || cursor.Next == nil {
		return ""
	}
	encoded, err := cursor.Next.Encode()
	if err != nil {
		return ""
	}
	return "?limit=" + strconv.Itoa(pagination.Limit) + "&cursor=" + encoded
}
