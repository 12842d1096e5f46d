package openapi

import (
	"errors"
	"strings"
	"testing"

	caravan "github.com/nevindra/caravan"
)

// petstoreSpec exercises the parser surface: shared path parameters,
// operation overrides, $ref schemas, tags, a request body, and an
// operation without an operationId.
const petstoreSpec = `{
  "openapi": "3.1.0",
  "info": {"title": "Pet Store", "description": "Manage pets.", "version": "1.2.3"},
  "servers": [{"url": "https://api.example.com/v1/"}, {"url": "https://backup.example.com"}],
  "paths": {
    "/pets": {
      "get": {
        "operationId": "listPets",
        "summary": "List pets",
        "tags": ["pets"],
        "parameters": [
          {"name": "limit", "in": "query", "description": "Max results", "schema": {"type": "integer"}}
        ]
      },
      "post": {
        "operationId": "createPet",
        "summary": "Create a pet",
        "tags": ["pets"],
        "requestBody": {
          "required": true,
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Pet"}}}
        }
      }
    },
    "/pets/{petId}": {
      "parameters": [
        {"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}},
        {"name": "X-Trace", "in": "header", "schema": {"type": "string"}}
      ],
      "get": {
        "operationId": "getPet",
        "summary": "Fetch one pet",
        "tags": ["pets"],
        "parameters": [
          {"name": "X-Trace", "in": "header", "description": "Trace id override", "schema": {"type": "string"}},
          {"name": "verbose", "in": "query", "schema": {"type": "boolean"}}
        ]
      },
      "delete": {
        "operationId": "deletePet",
        "description": "Remove a pet",
        "tags": ["admin"]
      }
    },
    "/status": {
      "get": {"summary": "no operationId here"}
    },
    "/upload": {
      "post": {
        "operationId": "uploadFile",
        "requestBody": {"content": {"text/plain": {"schema": {"type": "string"}}}}
      }
    }
  },
  "components": {
    "schemas": {
      "Pet": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "owner": {"$ref": "#/components/schemas/Owner"}
        },
        "required": ["name"]
      },
      "Owner": {"type": "object", "properties": {"id": {"type": "integer"}}}
    }
  }
}`

func mustParse(t *testing.T, data string) *Document {
	t.Helper()
	doc, err := Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func operationIDs(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.OperationID
	}
	return out
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"openapi": `},
		{"missing version", `{"paths": {}}`},
		{"missing paths", `{"openapi": "3.0.0"}`},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.data))
		var cfgErr *caravan.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: Parse error = %v, want *ConfigError", tt.name, err)
		}
	}
}

func TestDocumentInfoAndServers(t *testing.T) {
	doc := mustParse(t, petstoreSpec)

	info := doc.Info()
	if info.Title != "Pet Store" || info.Description != "Manage pets." || info.Version != "1.2.3" {
		t.Errorf("Info = %+v", info)
	}

	servers := doc.Servers()
	if len(servers) != 2 || servers[0] != "https://api.example.com/v1/" {
		t.Errorf("Servers = %v", servers)
	}
}

func TestOperationsExtraction(t *testing.T) {
	doc := mustParse(t, petstoreSpec)
	ops := doc.Operations("")

	// Paths sort lexicographically and methods follow a fixed order, so
	// extraction is deterministic. The /status operation has no
	// operationId and is skipped.
	want := []string{"listPets", "createPet", "getPet", "deletePet", "uploadFile"}
	got := operationIDs(ops)
	if len(got) != len(want) {
		t.Fatalf("operations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("operations = %v, want %v", got, want)
		}
	}

	list := ops[0]
	if list.Method != "GET" || list.Path != "/pets" || list.Summary != "List pets" {
		t.Errorf("listPets = %+v", list)
	}
	if len(list.Parameters) != 1 || list.Parameters[0].Name != "limit" || list.Parameters[0].In != "query" {
		t.Errorf("listPets parameters = %+v", list.Parameters)
	}
	if list.Parameters[0].Schema["type"] != "integer" {
		t.Errorf("limit schema = %v", list.Parameters[0].Schema)
	}

	del := ops[3]
	if del.Method != "DELETE" || del.Description != "Remove a pet" || del.Tags[0] != "admin" {
		t.Errorf("deletePet = %+v", del)
	}
}

func TestOperationsTagFilter(t *testing.T) {
	doc := mustParse(t, petstoreSpec)

	admin := doc.Operations("admin")
	if len(admin) != 1 || admin[0].OperationID != "deletePet" {
		t.Errorf("admin operations = %v", operationIDs(admin))
	}
	if ops := doc.Operations("no-such-tag"); len(ops) != 0 {
		t.Errorf("unknown tag matched %v", operationIDs(ops))
	}
}

func TestSharedParameterMerge(t *testing.T) {
	doc := mustParse(t, petstoreSpec)
	ops := doc.Operations("")

	// getPet inherits the path item's parameters; its own X-Trace replaces
	// the shared one in place and verbose appends.
	get := ops[2]
	names := make([]string, len(get.Parameters))
	for i, p := range get.Parameters {
		names[i] = p.Name
	}
	want := []string{"petId", "X-Trace", "verbose"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("getPet parameters = %v, want %v", names, want)
		}
	}
	if get.Parameters[1].Description != "Trace id override" {
		t.Errorf("X-Trace = %+v, want the operation-level definition", get.Parameters[1])
	}
	if !get.Parameters[0].Required || get.Parameters[0].In != "path" {
		t.Errorf("petId = %+v", get.Parameters[0])
	}

	// deletePet declares nothing of its own and gets the shared list.
	del := ops[3]
	if len(del.Parameters) != 2 || del.Parameters[0].Name != "petId" {
		t.Errorf("deletePet parameters = %+v", del.Parameters)
	}
}

func TestRequestBodyExtraction(t *testing.T) {
	doc := mustParse(t, petstoreSpec)
	ops := doc.Operations("")

	create := ops[1]
	if !create.RequestBodyRequired {
		t.Error("createPet body not marked required")
	}
	schema := create.RequestBodySchema
	if schema["type"] != "object" {
		t.Fatalf("body schema = %v", schema)
	}
	// The Pet reference resolves in place, including the nested Owner ref.
	props, _ := schema["properties"].(map[string]any)
	owner, _ := props["owner"].(map[string]any)
	ownerProps, _ := owner["properties"].(map[string]any)
	id, _ := ownerProps["id"].(map[string]any)
	if id["type"] != "integer" {
		t.Errorf("nested owner schema = %v", owner)
	}

	// text/plain bodies yield no schema.
	upload := ops[4]
	if upload.RequestBodySchema != nil || upload.RequestBodyRequired {
		t.Errorf("uploadFile body = %v, required %v", upload.RequestBodySchema, upload.RequestBodyRequired)
	}
}

func TestListTags(t *testing.T) {
	tags, err := ListTags([]byte(petstoreSpec))
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 || tags[0] != "pets" || tags[1] != "admin" {
		t.Errorf("tags = %v, want first-seen order", tags)
	}
}

func TestSchemaRefEdgeCases(t *testing.T) {
	spec := `{
	  "openapi": "3.0.0",
	  "paths": {
	    "/things": {
	      "get": {
	        "operationId": "listThings",
	        "parameters": [
	          {"$ref": "#/components/parameters/PageParam"},
	          {"name": "filter", "in": "query", "schema": {"$ref": "#/components/schemas/weird~1name~0x"}},
	          {"name": "node", "in": "query", "schema": {"$ref": "#/components/schemas/Node"}},
	          {"name": "ext", "in": "query", "schema": {"$ref": "https://elsewhere/schema.json"}},
	          {"name": "gone", "in": "query", "schema": {"$ref": "#/components/schemas/Missing"}}
	        ]
	      }
	    }
	  },
	  "components": {
	    "parameters": {
	      "PageParam": {"name": "page", "in": "query", "schema": {"type": "integer"}}
	    },
	    "schemas": {
	      "weird/name~x": {"type": "string", "enum": ["a"]},
	      "Node": {"type": "object", "properties": {"next": {"$ref": "#/components/schemas/Node"}}}
	    }
	  }
	}`
	ops, err := ParseDocument([]byte(spec), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("operations = %v", operationIDs(ops))
	}
	params := ops[0].Parameters
	if len(params) != 5 {
		t.Fatalf("parameters = %+v", params)
	}

	// A $ref parameter resolves through components/parameters.
	if params[0].Name != "page" || params[0].Schema["type"] != "integer" {
		t.Errorf("ref parameter = %+v", params[0])
	}

	// JSON-pointer escapes: ~1 is a slash, ~0 a tilde.
	if params[1].Schema["type"] != "string" {
		t.Errorf("escaped ref schema = %v", params[1].Schema)
	}

	// A self-referencing schema breaks the cycle with an empty object.
	nodeProps, _ := params[2].Schema["properties"].(map[string]any)
	next, ok := nodeProps["next"].(map[string]any)
	if !ok || len(next) != 0 {
		t.Errorf("cyclic ref resolved to %v, want empty schema", nodeProps["next"])
	}

	// External and missing refs yield no schema at all.
	if params[3].Schema != nil {
		t.Errorf("external ref schema = %v", params[3].Schema)
	}
	if params[4].Schema != nil {
		t.Errorf("missing ref schema = %v", params[4].Schema)
	}
}

func TestSanitizeToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"getUser", "getUser"},
		{"get_user-v2", "get_user-v2"},
		{"get.user", "get_user"},
		{"pets/list all", "pets_list_all"},
		{"héllo", "h_llo"},
		{"", "operation"},
		{strings.Repeat("a", 70), strings.Repeat("a", 64)},
	}
	for _, tt := range tests {
		if got := SanitizeToolName(tt.in); got != tt.want {
			t.Errorf("SanitizeToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got := SanitizeToolName(tt.in); !caravan.ValidToolName(got) {
			t.Errorf("SanitizeToolName(%q) = %q is not a valid tool name", tt.in, got)
		}
	}
}
