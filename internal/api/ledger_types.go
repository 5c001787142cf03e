package api

// SubmissionRequest is the body of POST /api/blockchain/submissions.
type SubmissionRequest struct {
	Digest string `json:"digest"`
}

// CanonicalResponse answers GET /api/blockchain/roots/{root}.
type CanonicalResponse struct {
	Root      string `json:"root"`
	Height    uint64 `json:"height"`
	Canonical bool   `json:"canonical"`
}
