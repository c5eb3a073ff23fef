package retrieval

import "encoding/json"

// Score is a source relevance value. Vector hits carry a similarity in
// [0, 1]; keyword fallback hits are not comparable on that scale and
// marshal as the literal sentinel "N/A".
type Score struct {
	Value float64
	NA    bool
}

// scoreNA is the JSON sentinel for keyword-path relevance.
const scoreNA = "N/A"

func (s Score) MarshalJSON() ([]byte, error) {
	if s.NA {
		return json.Marshal(scoreNA)
	}
	return json.Marshal(s.Value)
}

// Source attributes one piece of retrieved context to its origin.
type Source struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Page   int    `json:"page,omitempty"`
	Score  Score  `json:"score"`
}

// Result is the retrieval output consumed by the chat collaborator.
// An empty Context with no Sources is a valid terminal state meaning
// "no relevant context", not a failure.
type Result struct {
	Context string   `json:"context"`
	Sources []Source `json:"sources"`
}
