package openapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"testing"

	caravan "github.com/nevindra/caravan"
)

func defNames(ts caravan.Toolset) []string {
	var names []string
	for _, def := range ts.Definitions() {
		names = append(names, def.Name)
	}
	return names
}

func TestBuildToolsetsAllInOne(t *testing.T) {
	sets, err := BuildToolsets(context.Background(), []SourceConfig{
		{ID: "src", Connector: Config{SpecData: []byte(petstoreSpec)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 1 {
		t.Fatalf("got %d toolsets, want 1", len(sets))
	}

	ts := sets[0]
	if ts.ID != "src" || ts.Name != "Pet Store" {
		t.Errorf("toolset = %q / %q", ts.ID, ts.Name)
	}
	if ts.Description != "Manage pets." {
		t.Errorf("Description = %q", ts.Description)
	}
	if ts.Attributes["source_id"] != "src" || ts.Attributes["strategy"] != StrategyAllInOne {
		t.Errorf("Attributes = %v", ts.Attributes)
	}

	want := []string{"listPets", "createPet", "getPet", "deletePet", "uploadFile"}
	if got := defNames(ts); !slices.Equal(got, want) {
		t.Errorf("definitions = %v, want %v", got, want)
	}
}

func TestBuildToolsetsByTag(t *testing.T) {
	sets, err := BuildToolsets(context.Background(), []SourceConfig{
		{ID: "src", Strategy: StrategyByTag, Connector: Config{SpecData: []byte(petstoreSpec)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 2 {
		t.Fatalf("got %d toolsets, want one per tag", len(sets))
	}

	pets, admin := sets[0], sets[1]
	if pets.ID != "src-pets" || admin.ID != "src-admin" {
		t.Fatalf("toolset ids = %q, %q", pets.ID, admin.ID)
	}
	if pets.Name != "Pet Store: pets" {
		t.Errorf("Name = %q", pets.Name)
	}
	if pets.Description != `Operations tagged "pets". Manage pets.` {
		t.Errorf("Description = %q", pets.Description)
	}
	if pets.Attributes["strategy"] != StrategyByTag || pets.Attributes["tag"] != "pets" {
		t.Errorf("Attributes = %v", pets.Attributes)
	}

	if got := defNames(pets); !slices.Equal(got, []string{"listPets", "createPet", "getPet"}) {
		t.Errorf("pets definitions = %v", got)
	}
	if got := defNames(admin); !slices.Equal(got, []string{"deletePet"}) {
		t.Errorf("admin definitions = %v", got)
	}

	// The untagged uploadFile operation is exposed by neither toolset.
	for _, ts := range sets {
		if slices.Contains(defNames(ts), "uploadFile") {
			t.Errorf("untagged operation leaked into %s", ts.ID)
		}
	}
}

func TestBuildToolsetsByTagNoTags(t *testing.T) {
	sets, err := BuildToolsets(context.Background(), []SourceConfig{
		{
			ID:       "src",
			Strategy: StrategyByTag,
			Connector: Config{
				SpecData: []byte(connectorSpec),
				BaseURL:  "https://api.example.com",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	// A tagless document falls back to a single toolset.
	if len(sets) != 1 || sets[0].ID != "src" {
		t.Fatalf("toolsets = %+v", sets)
	}
	if sets[0].Attributes["strategy"] != StrategyAllInOne {
		t.Errorf("Attributes = %v", sets[0].Attributes)
	}
}

func TestBuildToolsetsPartition(t *testing.T) {
	srv, log := apiServer(t, http.StatusOK, "application/json", `{}`)

	sets, err := BuildToolsets(context.Background(), []SourceConfig{
		{
			ID:               "src",
			MaxToolsPerGroup: 2,
			Connector:        Config{SpecData: []byte(petstoreSpec), BaseURL: srv.URL},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 3 {
		t.Fatalf("got %d parts, want 3", len(sets))
	}

	wantDefs := [][]string{
		{"listPets", "createPet"},
		{"getPet", "deletePet"},
		{"uploadFile"},
	}
	for i, ts := range sets {
		if wantID := "src-" + string(rune('1'+i)); ts.ID != wantID {
			t.Errorf("part %d: ID = %q, want %q", i+1, ts.ID, wantID)
		}
		if !strings.HasSuffix(ts.Name, "(part "+string(rune('1'+i))+" of 3)") {
			t.Errorf("part %d: Name = %q", i+1, ts.Name)
		}
		if ts.Description != "Manage pets." {
			t.Errorf("part %d: Description = %q", i+1, ts.Description)
		}
		if ts.Attributes["part"] != i+1 || ts.Attributes["parts"] != 3 {
			t.Errorf("part %d: Attributes = %v", i+1, ts.Attributes)
		}
		if ts.Attributes["source_id"] != "src" {
			t.Errorf("part %d: Attributes = %v, want the source attributes carried over", i+1, ts.Attributes)
		}
		if got := defNames(ts); !slices.Equal(got, wantDefs[i]) {
			t.Errorf("part %d: definitions = %v, want %v", i+1, got, wantDefs[i])
		}
	}

	// Each part executes its own operations through the shared connector.
	last := sets[2].Tools[0]
	res, err := last.Execute(context.Background(), "uploadFile", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := log.snapshot(); got.method != "POST" || got.path != "/upload" {
		t.Errorf("request = %s %s", got.method, got.path)
	}

	// Names outside the part are refused even though the connector knows them.
	_, err = last.Execute(context.Background(), "listPets", nil)
	var nf *caravan.ToolNotFoundError
	if !errors.As(err, &nf) || nf.Name != "listPets" {
		t.Errorf("out-of-part execute = %v, want *ToolNotFoundError", err)
	}
}

func TestBuildToolsetsErrors(t *testing.T) {
	tests := []struct {
		name string
		src  SourceConfig
		want string
	}{
		{
			name: "missing id",
			src:  SourceConfig{Connector: Config{SpecData: []byte(petstoreSpec)}},
			want: "source id is required",
		},
		{
			name: "unsupported type",
			src:  SourceConfig{ID: "s", Type: "grpc"},
			want: "unsupported source type grpc",
		},
		{
			name: "no document",
			src:  SourceConfig{ID: "s"},
			want: "no spec data or spec url",
		},
		{
			name: "unknown strategy",
			src:  SourceConfig{ID: "s", Strategy: "roundRobin", Connector: Config{SpecData: []byte(petstoreSpec)}},
			want: "unknown strategy roundRobin",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildToolsets(context.Background(), []SourceConfig{tt.src})
			if err == nil {
				t.Fatal("expected an error")
			}
			var cfgErr *caravan.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("error = %v, want *ConfigError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
			if !strings.Contains(err.Error(), "toolset source") {
				t.Errorf("error = %q, want the source wrap", err)
			}
		})
	}
}
