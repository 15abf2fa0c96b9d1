package httpapi

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/sync_event.json
var syncEventSchemaJSON []byte

const syncEventSchemaURL = "https://relaygraph.dev/schema/sync_event.json"

func compileSyncEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(syncEventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode sync event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(syncEventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add sync event schema: %w", err)
	}
	return c.Compile(syncEventSchemaURL)
}

func validateAgainst(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return schema.Validate(inst)
}
