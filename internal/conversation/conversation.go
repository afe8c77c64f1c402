// Package conversation normalizes conversation settings received from
// untrusted sources.
package conversation

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Endpoint identifies the provider family a conversation talks to.
type Endpoint string

const (
	EndpointOpenAI          Endpoint = "openAI"
	EndpointAzureOpenAI     Endpoint = "azureOpenAI"
	EndpointAgents          Endpoint = "agents"
	EndpointAnthropic       Endpoint = "anthropic"
	EndpointGoogle          Endpoint = "google"
	EndpointAssistants      Endpoint = "assistants"
	EndpointAzureAssistants Endpoint = "azureAssistants"
	EndpointBedrock         Endpoint = "bedrock"
	EndpointCustom          Endpoint = "custom"
)

// IconURLField is never carried through Parse or Sanitize. It is rendered as
// an image source by clients, so a value chosen by someone else lets them
// observe who opened the conversation.
const IconURLField = "iconURL"

// Conversation holds the settings of a conversation after normalization.
// Pointer fields distinguish "absent" from the zero value.
type Conversation struct {
	ConversationID string `json:"conversationId,omitempty"`
	Title          string `json:"title,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	EndpointType   string `json:"endpointType,omitempty"`
	Model          string `json:"model,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	AssistantID    string `json:"assistant_id,omitempty"`
	Spec           string `json:"spec,omitempty"`
	Greeting       string `json:"greeting,omitempty"`

	ModelLabel             string `json:"modelLabel,omitempty"`
	ChatGptLabel           string `json:"chatGptLabel,omitempty"`
	PromptPrefix           string `json:"promptPrefix,omitempty"`
	Instructions           string `json:"instructions,omitempty"`
	AdditionalInstructions string `json:"additional_instructions,omitempty"`

	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopPCamel        *float64 `json:"topP,omitempty"`
	TopK             *float64 `json:"topK,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`

	MaxContextTokens *int `json:"maxContextTokens,omitempty"`
	MaxTokens        *int `json:"max_tokens,omitempty"`
	MaxOutputTokens  *int `json:"maxOutputTokens,omitempty"`

	ResendFiles *bool    `json:"resendFiles,omitempty"`
	ImageDetail string   `json:"imageDetail,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// IconURL is always empty after Parse. It exists so callers can check.
	IconURL string `json:"iconURL,omitempty"`
}

// Parse normalizes a raw JSON conversation for endpoint. It returns nil when
// raw is empty or is not a JSON object; otherwise it never fails. Unknown
// fields are dropped and malformed values of known fields are ignored.
func Parse(endpoint Endpoint, raw []byte) *Conversation {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil
	}

	raw = Sanitize(raw)
	doc := gjson.ParseBytes(raw)

	c := &Conversation{
		ConversationID: str(doc, "conversationId"),
		Title:          str(doc, "title"),
		Endpoint:       str(doc, "endpoint"),
		EndpointType:   str(doc, "endpointType"),
		Model:          str(doc, "model"),
		AgentID:        str(doc, "agent_id"),
		AssistantID:    str(doc, "assistant_id"),
		Spec:           str(doc, "spec"),
		Greeting:       str(doc, "greeting"),

		ModelLabel:             str(doc, "modelLabel"),
		ChatGptLabel:           str(doc, "chatGptLabel"),
		PromptPrefix:           str(doc, "promptPrefix"),
		Instructions:           str(doc, "instructions"),
		AdditionalInstructions: str(doc, "additional_instructions"),

		Temperature:      num(doc, "temperature"),
		TopP:             num(doc, "top_p"),
		TopPCamel:        num(doc, "topP"),
		TopK:             num(doc, "topK"),
		PresencePenalty:  num(doc, "presence_penalty"),
		FrequencyPenalty: num(doc, "frequency_penalty"),

		MaxContextTokens: integer(doc, "maxContextTokens"),
		MaxTokens:        integer(doc, "max_tokens"),
		MaxOutputTokens:  integer(doc, "maxOutputTokens"),

		ResendFiles: boolean(doc, "resendFiles"),
		ImageDetail: str(doc, "imageDetail"),
		Stop:        strs(doc, "stop"),
	}
	if c.Endpoint == "" {
		c.Endpoint = string(endpoint)
	}
	return c
}

// ParseMap is Parse for a conversation that has already been decoded into a
// generic map. A nil map yields nil.
func ParseMap(endpoint Endpoint, m map[string]any) *Conversation {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return Parse(endpoint, raw)
}

// Sanitize removes the fields that must never be echoed back from a raw JSON
// object. Input that is not a JSON object is returned unchanged.
func Sanitize(raw []byte) []byte {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return raw
	}
	out := raw
	// A payload can repeat the key; DeleteBytes only removes the first one.
	for gjson.GetBytes(out, IconURLField).Exists() {
		next, err := sjson.DeleteBytes(out, IconURLField)
		if err != nil || len(next) == len(out) {
			break
		}
		out = next
	}
	return out
}

func str(doc gjson.Result, path string) string {
	v := doc.Get(path)
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}

func num(doc gjson.Result, path string) *float64 {
	v := doc.Get(path)
	if v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}

func integer(doc gjson.Result, path string) *int {
	v := doc.Get(path)
	if v.Type != gjson.Number {
		return nil
	}
	i := int(v.Int())
	return &i
}

func boolean(doc gjson.Result, path string) *bool {
	v := doc.Get(path)
	if !v.IsBool() {
		return nil
	}
	b := v.Bool()
	return &b
}

func strs(doc gjson.Result, path string) []string {
	v := doc.Get(path)
	if !v.IsArray() {
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		if item.Type == gjson.String {
			out = append(out, item.String())
		}
	}
	return out
}
