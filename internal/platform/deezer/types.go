package deezer

// listResponse is Deezer's paged artist listing.
type listResponse struct {
	Data  []artistItem `json:"data"`
	Total int          `json:"total"`
	Next  string       `json:"next"`
}

type artistItem struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Link string `json:"link"`
}
