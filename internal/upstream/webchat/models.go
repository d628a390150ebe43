package webchat

import (
	"fmt"

	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

const modelHeader = "x-goog-ext-525001261-jspb"

var (
	Flash25 = upstream.Model{
		Name:   "gemini-2.5-flash",
		Header: map[string]string{modelHeader: `[1,null,null,null,"71c2d248d3b102ff",null,null,0,[4]]`},
	}
	Pro25 = upstream.Model{
		Name:   "gemini-2.5-pro",
		Header: map[string]string{modelHeader: `[1,null,null,null,"4af6c7f5da75d65d",null,null,0,[4]]`},
	}
	Flash20 = upstream.Model{
		Name:   "gemini-2.0-flash",
		Header: map[string]string{modelHeader: `[1,null,null,null,"f299729663a2343f"]`},
	}
	Flash20Thinking = upstream.Model{
		Name:   "gemini-2.0-flash-thinking",
		Header: map[string]string{modelHeader: `[null,null,null,null,"7ca48d02d802f20a"]`},
	}
)

var knownModels = []upstream.Model{upstream.Unspecified, Flash25, Pro25, Flash20, Flash20Thinking}

// ModelFromName returns the upstream model with the given name.
func ModelFromName(name string) (upstream.Model, error) {
	for _, m := range knownModels {
		if m.Name == name {
			return m, nil
		}
	}
	return upstream.Model{}, fmt.Errorf("unknown model name %q, available models: %v", name, ModelNames())
}

func ModelNames() []string {
	names := make([]string, len(knownModels))
	for i, m := range knownModels {
		names[i] = m.Name
	}
	return names
}
