package metadata

import (
	"reflect"
	"testing"
	"time"
)

func sampleMetadata() ImageMetadata {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return ImageMetadata{
		Name:         "example:latest",
		ID:           "sha256:deadbeef",
		RepoTags:     []string{"example:latest", "example:1.0"},
		Created:      created,
		Architecture: "amd64",
		OS:           "linux",
		Env:          []string{"PATH=/usr/bin", "DEBUG=1"},
		Cmd:          []string{"/bin/sh"},
		Entrypoint:   []string{"/entrypoint.sh"},
		WorkingDir:   "/app",
		ExposedPorts: []string{"80/tcp", "443/tcp"},
		Labels:       map[string]string{"maintainer": "nobody"},
		LayerDigests: []LayerDigest{
			{Digest: "sha256:aaa", Command: "ADD file | x", Created: created, IsEmpty: false, Comment: ""},
			{Digest: DigestEmpty, Command: `ENV PATH=/a:/b`, Created: created, IsEmpty: true, Comment: "multi\nline"},
		},
	}
}

func TestRenderFullParseRoundTrip(t *testing.T) {
	m := sampleMetadata()
	doc := RenderFull(m)

	got, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got.Name != m.Name {
		t.Errorf("Name = %q, want %q", got.Name, m.Name)
	}
	if got.ID != m.ID {
		t.Errorf("ID = %q, want %q", got.ID, m.ID)
	}
	if !reflect.DeepEqual(got.RepoTags, m.RepoTags) {
		t.Errorf("RepoTags = %v, want %v", got.RepoTags, m.RepoTags)
	}
	if !got.Created.Equal(m.Created) {
		t.Errorf("Created = %v, want %v", got.Created, m.Created)
	}
	if got.Architecture != m.Architecture || got.OS != m.OS {
		t.Errorf("Architecture/OS = %q/%q, want %q/%q", got.Architecture, got.OS, m.Architecture, m.OS)
	}
	if !reflect.DeepEqual(got.Env, m.Env) {
		t.Errorf("Env = %v, want %v", got.Env, m.Env)
	}
	if !reflect.DeepEqual(got.Cmd, m.Cmd) {
		t.Errorf("Cmd = %v, want %v", got.Cmd, m.Cmd)
	}
	if !reflect.DeepEqual(got.Entrypoint, m.Entrypoint) {
		t.Errorf("Entrypoint = %v, want %v", got.Entrypoint, m.Entrypoint)
	}
	if got.WorkingDir != m.WorkingDir {
		t.Errorf("WorkingDir = %q, want %q", got.WorkingDir, m.WorkingDir)
	}
	if !reflect.DeepEqual(got.Labels, m.Labels) {
		t.Errorf("Labels = %v, want %v", got.Labels, m.Labels)
	}
	if len(got.LayerDigests) != len(m.LayerDigests) {
		t.Fatalf("LayerDigests len = %d, want %d", len(got.LayerDigests), len(m.LayerDigests))
	}
	for i := range m.LayerDigests {
		want := m.LayerDigests[i]
		gotLD := got.LayerDigests[i]
		if gotLD.Digest != want.Digest || gotLD.Command != want.Command || gotLD.IsEmpty != want.IsEmpty || gotLD.Comment != want.Comment {
			t.Errorf("LayerDigests[%d] = %+v, want %+v", i, gotLD, want)
		}
		if !gotLD.Created.Equal(want.Created) {
			t.Errorf("LayerDigests[%d].Created = %v, want %v", i, gotLD.Created, want.Created)
		}
	}
}

func TestRenderChainParseLayerHistory(t *testing.T) {
	m := sampleMetadata()
	doc := RenderChain(m.Name, m.LayerDigests)

	got, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Name != m.Name {
		t.Errorf("Name = %q, want %q", got.Name, m.Name)
	}
	if len(got.LayerDigests) != len(m.LayerDigests) {
		t.Fatalf("LayerDigests len = %d, want %d", len(got.LayerDigests), len(m.LayerDigests))
	}
	// a chain-only document carries no basic info or container config.
	if got.ID != "" || got.Architecture != "" {
		t.Errorf("chain doc leaked basic info: ID=%q Architecture=%q", got.ID, got.Architecture)
	}
}

func TestEscapeCellRoundTrip(t *testing.T) {
	tests := []string{
		"plain",
		"has | pipe",
		`has \ backslash`,
		"has\nnewline",
		`mix | of \ all "` + "\n" + `things`,
		"",
	}
	for _, s := range tests {
		row := "| 2024-01-01T00:00:00Z | " + escapeCell(s) + " |  | empty | false |"
		cells := splitRowCells(row)
		if len(cells) != 7 {
			t.Fatalf("splitRowCells(%q) = %d cells, want 7", row, len(cells))
		}
		// splitRowCells keeps the one-space pad on each side of a cell;
		// only parseLayerHistoryRow strips it.
		if want := " " + s + " "; cells[2] != want {
			t.Errorf("round trip of %q -> %q, want %q", s, cells[2], want)
		}
	}
}

func TestRenderFullParseRoundTripPreservesBoundarySpaces(t *testing.T) {
	m := sampleMetadata()
	m.LayerDigests = []LayerDigest{
		{Digest: "sha256:bbb", Command: "  leading and trailing  ", Created: m.Created, Comment: " x "},
	}

	doc := RenderFull(m)
	got, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.LayerDigests) != 1 {
		t.Fatalf("LayerDigests len = %d, want 1", len(got.LayerDigests))
	}
	if got.LayerDigests[0].Command != m.LayerDigests[0].Command {
		t.Errorf("Command = %q, want %q", got.LayerDigests[0].Command, m.LayerDigests[0].Command)
	}
	if got.LayerDigests[0].Comment != m.LayerDigests[0].Comment {
		t.Errorf("Comment = %q, want %q", got.LayerDigests[0].Comment, m.LayerDigests[0].Comment)
	}
}

func TestHeadtail(t *testing.T) {
	tests := []struct {
		input, sep, head, tail string
		ok                     bool
	}{
		{"Name: value", ": ", "Name", "value", true},
		{"no-separator", ": ", "", "", false},
		{"K: v: w", ": ", "K", "v: w", true},
	}
	for _, tt := range tests {
		head, tail, err := headtail(tt.input, tt.sep)
		ok := err == nil
		if head != tt.head || tail != tt.tail || ok != tt.ok {
			t.Errorf("headtail(%q, %q) = %q, %q, %v; want %q, %q, %v",
				tt.input, tt.sep, head, tail, ok, tt.head, tt.tail, tt.ok)
		}
	}
}

func TestParseEmptyDocument(t *testing.T) {
	m, err := Parse("")
	if err != nil {
		t.Fatalf("Parse(\"\"): %v", err)
	}
	if m.WorkingDir != "/" {
		t.Errorf("WorkingDir = %q, want default %q", m.WorkingDir, "/")
	}
	if len(m.LayerDigests) != 0 {
		t.Errorf("LayerDigests = %v, want empty", m.LayerDigests)
	}
}
