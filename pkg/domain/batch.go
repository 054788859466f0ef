package domain

// Batch is the body of a delivery to the collector.
type Batch struct {
	AttemptID     string  `json:"attemptId"`
	Events        []Event `json:"events"`
	MarkSubmitted bool    `json:"markSubmitted"`
}

// Receipt is the collector's answer to an accepted batch.
type Receipt struct {
	OK                bool `json:"ok"`
	Received          int  `json:"received"`
	Saved             int  `json:"saved"`
	DuplicatesIgnored int  `json:"duplicatesIgnored"`
	Submitted         bool `json:"submitted"`
}
