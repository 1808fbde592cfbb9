package metadata

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const timeLayout = time.RFC3339

// RenderChain renders the partial document written after every
// intermediate layer commit: title + layer history only. Basic info and
// container config are added solely by RenderFull, in the final commit.
func RenderChain(name string, chain []LayerDigest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Image: %s\n\n", name)
	writeLayerHistory(&b, chain)
	return b.String()
}

// RenderFull renders the complete document: basic info, container
// configuration and the full layer-digest chain.
func RenderFull(m ImageMetadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Image: %s\n\n", m.Name)

	b.WriteString("## Basic Information\n\n")
	fmt.Fprintf(&b, "- Name: %s\n", m.Name)
	fmt.Fprintf(&b, "- ID: `%s`\n", m.ID)
	if len(m.RepoTags) > 0 {
		fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(m.RepoTags, ", "))
	}
	fmt.Fprintf(&b, "- Created: %s\n", m.Created.Format(timeLayout))
	fmt.Fprintf(&b, "- Architecture: %s\n", m.Architecture)
	fmt.Fprintf(&b, "- OS: %s\n", m.OS)
	b.WriteString("\n")

	b.WriteString("## Container Configuration\n\n")
	if len(m.Env) > 0 {
		b.WriteString("### Environment Variables\n\n```\n")
		for _, e := range m.Env {
			b.WriteString(e)
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}
	if len(m.Cmd) > 0 {
		fmt.Fprintf(&b, "### Command\n\n```\n%s\n```\n\n", strings.Join(m.Cmd, " "))
	}
	if len(m.Entrypoint) > 0 {
		fmt.Fprintf(&b, "### Entrypoint\n\n```\n%s\n```\n\n", strings.Join(m.Entrypoint, " "))
	}
	workdir := m.WorkingDir
	if workdir == "" {
		workdir = "/"
	}
	fmt.Fprintf(&b, "### Working Directory\n\n`%s`\n\n", workdir)
	if len(m.ExposedPorts) > 0 {
		b.WriteString("### Exposed Ports\n\n")
		ports := append([]string(nil), m.ExposedPorts...)
		sort.Strings(ports)
		for _, p := range ports {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
		b.WriteString("\n")
	}
	if len(m.Labels) > 0 {
		b.WriteString("### Labels\n\n| Key | Value |\n|---|---|\n")
		keys := make([]string, 0, len(m.Labels))
		for k := range m.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "| `%s` | `%s` |\n", k, m.Labels[k])
		}
		b.WriteString("\n")
	}

	writeLayerHistory(&b, m.LayerDigests)
	return b.String()
}

func writeLayerHistory(b *strings.Builder, chain []LayerDigest) {
	b.WriteString("## Layer History\n\n")
	b.WriteString("| Created | Command | Comment | Digest | Empty |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, l := range chain {
		fmt.Fprintf(b, "| %s | %s | %s | %s | %t |\n",
			l.Created.Format(timeLayout),
			escapeCell(l.Command),
			escapeCell(l.Comment),
			l.Digest,
			l.IsEmpty)
	}
	b.WriteString("\n")
}

// escapeCell escapes the characters that would otherwise break table-row
// tokenization or force a multi-line cell: backslash, pipe, newline.
// spec.md only mandates escaping "|"; backslash/newline escaping is an
// extension documented in DESIGN.md so that a command or comment
// containing either still round-trips through a single table row.
func escapeCell(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '|':
			b.WriteString(`\|`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// splitRowCells splits a table row on unescaped "|" and unescapes each
// cell in the same pass.
func splitRowCells(row string) []string {
	var cells []string
	var cur strings.Builder
	i := 0
	for i < len(row) {
		c := row[i]
		if c == '\\' && i+1 < len(row) {
			switch row[i+1] {
			case '\\':
				cur.WriteByte('\\')
				i += 2
				continue
			case '|':
				cur.WriteByte('|')
				i += 2
				continue
			case 'n':
				cur.WriteByte('\n')
				i += 2
				continue
			}
		}
		if c == '|' {
			cells = append(cells, cur.String())
			cur.Reset()
			i++
			continue
		}
		cur.WriteByte(c)
		i++
	}
	cells = append(cells, cur.String())
	return cells
}

// Parse parses a document rendered by RenderChain or RenderFull. Absent
// sections map to their zero value; WorkingDir defaults to "/".
func Parse(doc string) (ImageMetadata, error) {
	m := ImageMetadata{WorkingDir: "/"}
	lines := strings.Split(doc, "\n")

	section := ""
	subsection := ""
	var codeBlock []string
	inCode := false

	flushCode := func() {
		switch subsection {
		case "Environment Variables":
			m.Env = append([]string(nil), codeBlock...)
		case "Command":
			if len(codeBlock) > 0 {
				m.Cmd = strings.Fields(strings.Join(codeBlock, "\n"))
			}
		case "Entrypoint":
			if len(codeBlock) > 0 {
				m.Entrypoint = strings.Fields(strings.Join(codeBlock, "\n"))
			}
		}
		codeBlock = nil
	}

	for idx := 0; idx < len(lines); idx++ {
		line := lines[idx]

		if strings.HasPrefix(line, "```") {
			if inCode {
				flushCode()
			}
			inCode = !inCode
			continue
		}
		if inCode {
			codeBlock = append(codeBlock, line)
			continue
		}

		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "# Image: "):
			m.Name = strings.TrimPrefix(line, "# Image: ")
			continue
		case strings.HasPrefix(line, "## "):
			section = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			subsection = ""
			continue
		case strings.HasPrefix(line, "### "):
			subsection = strings.TrimSpace(strings.TrimPrefix(line, "### "))
			continue
		}

		if trimmed == "" {
			continue
		}

		switch section {
		case "Basic Information":
			if err := parseBasicInfoLine(&m, trimmed); err != nil {
				return ImageMetadata{}, errors.Wrap(err, "parse basic information")
			}
		case "Container Configuration":
			if err := parseContainerConfigLine(&m, subsection, trimmed); err != nil {
				return ImageMetadata{}, errors.Wrap(err, "parse container configuration")
			}
		case "Layer History":
			ld, ok, err := parseLayerHistoryRow(trimmed)
			if err != nil {
				return ImageMetadata{}, errors.Wrap(err, "parse layer history")
			}
			if ok {
				m.LayerDigests = append(m.LayerDigests, ld)
			}
		}
	}

	return m, nil
}

func parseBasicInfoLine(m *ImageMetadata, line string) error {
	if !strings.HasPrefix(line, "- ") {
		return nil
	}
	line = strings.TrimPrefix(line, "- ")
	key, val, err := headtail(line, ": ")
	if err != nil {
		return errors.Errorf("malformed basic info line %q", line)
	}
	switch key {
	case "Name":
		m.Name = val
	case "ID":
		m.ID = strings.Trim(val, "`")
	case "Tags":
		if val != "" {
			for _, t := range strings.Split(val, ", ") {
				m.RepoTags = append(m.RepoTags, strings.TrimSpace(t))
			}
		}
	case "Created":
		t, err := time.Parse(timeLayout, val)
		if err != nil {
			return errors.Wrapf(err, "invalid Created timestamp %q", val)
		}
		m.Created = t
	case "Architecture":
		m.Architecture = val
	case "OS":
		m.OS = val
	}
	return nil
}

func parseContainerConfigLine(m *ImageMetadata, subsection, line string) error {
	switch subsection {
	case "Working Directory":
		m.WorkingDir = strings.Trim(line, "`")
	case "Exposed Ports":
		if strings.HasPrefix(line, "- ") {
			m.ExposedPorts = append(m.ExposedPorts, strings.Trim(strings.TrimPrefix(line, "- "), "`"))
		}
	case "Labels":
		if strings.HasPrefix(line, "| `") {
			cells := splitRowCells(line)
			if len(cells) < 3 {
				return nil
			}
			key := strings.Trim(strings.TrimSpace(cells[1]), "`")
			val := strings.Trim(strings.TrimSpace(cells[2]), "`")
			if m.Labels == nil {
				m.Labels = map[string]string{}
			}
			m.Labels[key] = val
		}
	}
	return nil
}

// parseLayerHistoryRow parses one "| Created | Command | Comment | Digest
// | Empty |" row; the header and separator rows are recognized and
// skipped (ok=false).
func parseLayerHistoryRow(line string) (LayerDigest, bool, error) {
	if !strings.HasPrefix(line, "|") {
		return LayerDigest{}, false, nil
	}
	cells := splitRowCells(line)
	// splitRowCells on "| a | b | ... |" yields a leading and trailing
	// empty cell.
	if len(cells) < 2 {
		return LayerDigest{}, false, nil
	}
	cells = cells[1 : len(cells)-1]
	if len(cells) != 5 {
		return LayerDigest{}, false, nil
	}
	// writeLayerHistory pads every cell with exactly one space on each
	// side ("| %s |"); strip only that pad, not all surrounding
	// whitespace, so a Command/Comment with its own leading or trailing
	// spaces still round-trips byte-for-byte.
	for i := range cells {
		cells[i] = strings.TrimPrefix(cells[i], " ")
		cells[i] = strings.TrimSuffix(cells[i], " ")
	}
	if cells[0] == "Created" || strings.HasPrefix(cells[0], "---") {
		return LayerDigest{}, false, nil
	}

	created, err := time.Parse(timeLayout, cells[0])
	if err != nil {
		return LayerDigest{}, false, errors.Wrapf(err, "invalid layer Created timestamp %q", cells[0])
	}
	isEmpty, err := parseBool(cells[4])
	if err != nil {
		return LayerDigest{}, false, errors.Wrapf(err, "invalid layer Empty flag %q", cells[4])
	}

	return LayerDigest{
		Created: created,
		Command: cells[1],
		Comment: cells[2],
		Digest:  cells[3],
		IsEmpty: isEmpty,
	}, true, nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, errors.Errorf("%q is not a bool", s)
	}
}

// headtail splits s on the first occurrence of sep.
func headtail(s, sep string) (head, tail string, err error) {
	i := strings.Index(s, sep)
	if i == -1 {
		return "", "", errors.Errorf("%q has no %q", s, sep)
	}
	return s[:i], s[i+len(sep):], nil
}
