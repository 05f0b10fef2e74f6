package session

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	helpers "github.com/joerpyter/go-joerpyter/pkg/shared"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const messageSchemaPath = "schemas/message.json"

var (
	messageSchema     *jsonschema.Schema
	messageSchemaErr  error
	messageSchemaOnce sync.Once
)

func loadSchema(c *jsonschema.Compiler, path string) (*jsonschema.Schema, error) {
	f, err := schemaFiles.Open(path)
	if err != nil {
		return nil, err
	}
	defer helpers.CloseOrLog(f)

	inst, err := jsonschema.UnmarshalJSON(f)
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	if err := c.AddResource("embed://"+path, inst); err != nil {
		return nil, err
	}
	return c.Compile("embed://" + path)
}

func compiledMessageSchema() (*jsonschema.Schema, error) {
	messageSchemaOnce.Do(func() {
		messageSchema, messageSchemaErr = loadSchema(jsonschema.NewCompiler(), messageSchemaPath)
	})
	return messageSchema, messageSchemaErr
}

// ValidateMessage checks a raw incoming message against the channel schema
func ValidateMessage(raw []byte) error {
	schema, err := compiledMessageSchema()
	if err != nil {
		return fmt.Errorf("message schema unavailable: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
