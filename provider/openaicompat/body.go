package openaicompat

import (
	"maps"

	"github.com/nevindra/chatflow"
)

// BuildBody returns body ready for the chat completions endpoint: model,
// streaming flags and generation parameters are added as extra fields.
// Fields already present in body.Extra win over the parameters, so plugins
// can override them per request.
func BuildBody(body chatflow.RequestBody, model string, opts ...Option) chatflow.RequestBody {
	var params Params
	for _, opt := range opts {
		opt(&params)
	}

	extra := make(map[string]any, len(body.Extra)+4)
	for k, v := range params.fields() {
		extra[k] = v
	}
	if model != "" {
		extra["model"] = model
	}
	maps.Copy(extra, body.Extra)
	extra["stream"] = true
	extra["stream_options"] = map[string]any{"include_usage": true}

	body.Extra = extra
	return body
}
