package spotify

// followingResponse is the paged artist listing returned by the Web API.
type followingResponse struct {
	Artists artistPage `json:"artists"`
}

type artistPage struct {
	Items   []artistItem `json:"items"`
	Next    string       `json:"next"`
	Cursors cursors      `json:"cursors"`
	Total   int          `json:"total"`
}

type cursors struct {
	After string `json:"after"`
}

type artistItem struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	ExternalIDs externalIDs `json:"external_ids"`
}

type externalIDs struct {
	ISNI string `json:"isni"`
}
