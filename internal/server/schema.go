// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DevIt Contributors

package server

import (
	"bytes"
	"errors"
	"strings"

	"github.com/devit-sh/devit/internal/protocol"
	deviterr "github.com/devit-sh/devit/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchemas compiles every tool's argument schema once at startup, so a
// bad schema is a construction error rather than a per-call surprise.
func compileSchemas(tools map[string]*Tool) (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()

	for name, tool := range tools {
		if tool.ArgsSchema == "" {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(tool.ArgsSchema))
		if err != nil {
			return nil, deviterr.Wrapf(err, deviterr.CodeProtocolSchemaInvalid,
				"parsing args schema for %s", name)
		}
		if err := compiler.AddResource(name+".json", doc); err != nil {
			return nil, deviterr.Wrapf(err, deviterr.CodeProtocolSchemaInvalid,
				"registering args schema for %s", name)
		}
	}

	schemas := make(map[string]*jsonschema.Schema)
	for name, tool := range tools {
		if tool.ArgsSchema == "" {
			continue
		}
		sch, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, deviterr.Wrapf(err, deviterr.CodeProtocolSchemaInvalid,
				"compiling args schema for %s", name)
		}
		schemas[name] = sch
	}
	return schemas, nil
}

// validateArgs checks call arguments against a compiled schema, mapping the
// first leaf failure to the wire's {schema_error, field, kind} shape. A nil
// return means the arguments are acceptable.
func validateArgs(sch *jsonschema.Schema, args []byte) *protocol.ToolError {
	if sch == nil {
		return nil
	}
	if len(args) == 0 {
		args = []byte("{}")
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return &protocol.ToolError{SchemaError: true, Field: "args", Kind: "json"}
	}

	err = sch.Validate(inst)
	if err == nil {
		return nil
	}

	var vErr *jsonschema.ValidationError
	if !errors.As(err, &vErr) {
		return &protocol.ToolError{SchemaError: true, Field: "args", Kind: "unknown"}
	}

	leaf := vErr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	field := strings.Join(leaf.InstanceLocation, ".")
	if field == "" {
		field = "args"
	}
	kind := strings.Join(leaf.ErrorKind.KeywordPath(), ".")
	if kind == "" {
		kind = "invalid"
	}

	return &protocol.ToolError{SchemaError: true, Field: field, Kind: kind}
}
