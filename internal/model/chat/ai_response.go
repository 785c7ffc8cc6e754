package chat

// AIResponse is the structured reply the model must produce for every turn.
type AIResponse struct {
	Thought      string  `json:"thought"`
	StressChange float64 `json:"stress_change"`
	TrustChange  float64 `json:"trust_change"`
	Response     string  `json:"response"`
	ImagePrompt  string  `json:"image_prompt,omitempty"`
}
