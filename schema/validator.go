package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.mongodb.org/mongo-driver/bson"
)

const jsonSchemaKey = "$jsonSchema"

// checkJSONSchema compiles the "$jsonSchema" entry of validator, if any, so
// malformed schemas fail before reaching the server. MongoDB extends draft 4
// with keywords such as "bsonType" which the compiler ignores.
func checkJSONSchema(validator bson.M) error {
	raw, ok := validator[jsonSchemaKey]
	if !ok {
		return nil
	}
	b, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", jsonSchemaKey, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", jsonSchemaKey, err)
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft4)
	const loc = "validator.json"
	if err := c.AddResource(loc, doc); err != nil {
		return fmt.Errorf("invalid %s: %w", jsonSchemaKey, err)
	}
	if _, err := c.Compile(loc); err != nil {
		return fmt.Errorf("invalid %s: %w", jsonSchemaKey, err)
	}
	return nil
}
