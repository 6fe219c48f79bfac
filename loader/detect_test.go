package loader

import (
	"encoding/json"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		data    string
		want    Format
		wantErr bool
	}{
		{name: "json extension", path: "wf.json", data: "not even json", want: FormatJSON},
		{name: "yaml extension", path: "wf.yaml", want: FormatYAML},
		{name: "yml extension", path: "wf.YML", want: FormatYAML},
		{name: "hcl extension", path: "wf.hcl", want: FormatHCL},
		{name: "json content", path: "wf", data: "  {\"id\": \"x\"}", want: FormatJSON},
		{name: "yaml content", path: "wf.txt", data: "id: x\nmodules: []\n", want: FormatYAML},
		{name: "unknown content", path: "wf.txt", data: "module \"a\" {}\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat([]byte(tt.data), tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DetectFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DetectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestYamlToJSON(t *testing.T) {
	yamlData := []byte("name: test\ncount: 42\nfactory: [DataGenFactory, int64]\n")
	jsonData, err := yamlToJSON(yamlData)
	if err != nil {
		t.Fatalf("yamlToJSON() error = %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if m["name"] != "test" {
		t.Errorf("name = %v, want %q", m["name"], "test")
	}
	if m["count"] != 42.0 {
		t.Errorf("count = %v, want 42", m["count"])
	}

	if _, err := yamlToJSON([]byte("\t\tinvalid yaml content\n\t- broken")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}
