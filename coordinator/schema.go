package coordinator

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/goa-ai/orcherr"
)

// validateAgainstSchema compiles schemaDoc and validates doc against it.
// An empty schema is treated as no constraint. Grounded on
// registry/service.go's validatePayloadJSONAgainstSchema.
func validateAgainstSchema(schemaDoc []byte, field string, doc map[string]any) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	var sd any
	if err := json.Unmarshal(schemaDoc, &sd); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "unmarshal "+field, err).WithField(field)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "marshal "+field+" document", err).WithField(field)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "unmarshal "+field+" document", err).WithField(field)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(field+".json", sd); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "invalid "+field, err).WithField(field)
	}
	schema, err := c.Compile(field + ".json")
	if err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "compile "+field, err).WithField(field)
	}
	if err := schema.Validate(instance); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, field+" validation failed", err).WithField(field)
	}
	return nil
}
