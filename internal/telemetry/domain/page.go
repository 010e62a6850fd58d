package telemetry

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Page is a limit/offset window.
type Page struct {
	Limit  int
	Offset int
}

// NewPage clamps limit to [1, MaxLimit] and offset to >= 0.
// A nil limit or offset takes the default.
func NewPage(limit, offset *int) Page {
	page := Page{Limit: DefaultLimit}
	if limit != nil {
		page.Limit = *limit
	}
	if page.Limit < 1 {
		page.Limit = 1
	}
	if page.Limit > MaxLimit {
		page.Limit = MaxLimit
	}
	if offset != nil && *offset > 0 {
		page.Offset = *offset
	}
	return page
}
