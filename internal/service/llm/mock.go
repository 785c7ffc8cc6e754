package llm

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

func mockChatResponse() chat.AIResponse {
	return chat.AIResponse{
		Thought:      "Mocking thoughtful response",
		StressChange: rand.Float64()*2 - 1,
		TrustChange:  rand.Float64()*2 - 1,
		Response:     "This is a mock response used while MOCK_LLM_RESPONSES=true.",
		ImagePrompt:  "Soft watercolor portrait of a calm esper in a city park.",
	}
}

// mockEmbedding 基于输入哈希生成确定性向量，相同文本得到相同结果。
func mockEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 1
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	out := make([]float32, dim)
	for i := range out {
		out[i] = rng.Float32()
	}
	return out
}
