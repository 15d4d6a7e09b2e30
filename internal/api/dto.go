package api

// CreateSessionRequest opens a scoring session. Model may be a path, a bare
// model name resolved against the models directory, or empty for the
// server's default model.
type CreateSessionRequest struct {
	Model string `json:"model,omitempty"`
}

// CreateSessionResponse describes the opened session. StateID names the
// canonical start state; every hypothesis begins from it.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	StateID   string `json:"state_id"`
	SOS       int    `json:"sos"`
	EOS       int    `json:"eos"`
	VocabSize int    `json:"vocab_size"`
}

// StepRequest extends the hypothesis at StateID by Label, with Prev being
// the label that produced that state. Prev and Label are pointers so a
// missing field can be told apart from token id zero.
type StepRequest struct {
	StateID string `json:"state_id"`
	Prev    *int   `json:"prev"`
	Label   *int   `json:"label"`
}

// StepResponse carries the increment score and the successor state handle.
// The handle named in the request stays valid for branching.
type StepResponse struct {
	Score   float32 `json:"score"`
	StateID string  `json:"state_id"`
}

type EOSRequest struct {
	StateID string `json:"state_id"`
	Prev    *int   `json:"prev"`
}

type EOSResponse struct {
	Score float32 `json:"score"`
}

// AdvanceRequest advances once and reads many scores. Labels, when present,
// selects which entries of the distribution come back; otherwise the full
// vocabulary vector is returned.
type AdvanceRequest struct {
	StateID string `json:"state_id"`
	Prev    *int   `json:"prev"`
	Labels  []int  `json:"labels,omitempty"`
}

type AdvanceResponse struct {
	StateID string    `json:"state_id"`
	Scores  []float32 `json:"scores"`
}

// ScoreRequest scores one complete token sequence statelessly.
type ScoreRequest struct {
	Model  string `json:"model,omitempty"`
	Tokens []int  `json:"tokens"`
}

// ScoreResponse holds the sequence total and the per-token scores; the last
// entry of TokenScores is the sequence-end score.
type ScoreResponse struct {
	Score       float32   `json:"score"`
	TokenScores []float32 `json:"token_scores"`
}

// RescoreRequest scores an n-best list.
type RescoreRequest struct {
	Model string  `json:"model,omitempty"`
	NBest [][]int `json:"nbest"`
}

// RescoreResult is one scored hypothesis. Index is its position in the
// submitted n-best list; results come back ordered best first.
type RescoreResult struct {
	Index       int       `json:"index"`
	Tokens      []int     `json:"tokens"`
	Score       float32   `json:"score"`
	TokenScores []float32 `json:"token_scores"`
}

type RescoreResponse struct {
	Results []RescoreResult `json:"results"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ModelInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorBody is the error payload carried under the "error" key.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
