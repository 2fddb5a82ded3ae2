package httpapi

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	msqpay "github.com/msqpay/relay-go"
)

// relayRequestSchema rejects structurally broken relay submissions before
// any binding or signature work happens.
const relayRequestSchema = `{
	"type": "object",
	"required": ["request", "signature"],
	"properties": {
		"request": {
			"type": "object",
			"required": ["from", "to", "value", "gas", "nonce", "deadline", "data"],
			"properties": {
				"from":     {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"to":       {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"value":    {"type": "string", "pattern": "^[0-9]+$"},
				"gas":      {"type": "string", "pattern": "^[0-9]+$"},
				"nonce":    {"type": "string", "pattern": "^[0-9]+$"},
				"deadline": {"type": "string", "pattern": "^[0-9]+$"},
				"data":     {"type": "string", "pattern": "^0x(?:[0-9a-fA-F]{2})+$"}
			}
		},
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
	}
}`

var relaySchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(relayRequestSchema))
	if err != nil {
		panic("httpapi: invalid relay request schema: " + err.Error())
	}
	return schema
}()

// validateRelayBody runs the raw request body through the JSON schema.
func validateRelayBody(body []byte) error {
	result, err := relaySchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"request body is not valid json", nil)
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"relay request failed schema validation",
			map[string]interface{}{"issues": strings.Join(issues, "; ")})
	}
	return nil
}
