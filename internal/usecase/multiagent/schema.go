package multiagent

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/agent.schema.json
var agentSchemaJSON []byte

var compileAgentSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("agent.schema.json", bytes.NewReader(agentSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add agent schema: %w", err)
	}
	return c.Compile("agent.schema.json")
})

// validateDocument checks a decoded agent header against the agent schema.
// The value is round-tripped through encoding/json so YAML-decoded numbers and
// maps reach the validator in the generic JSON shapes it expects.
func validateDocument(doc map[string]any) error {
	schema, err := compileAgentSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return schema.Validate(generic)
}
