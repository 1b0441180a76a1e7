package coordinator

import (
	"strconv"
	"strings"
)

// Emit renders a Plan back into the textual coordinator-script form
// Parse accepts, used for the parse round-trip property (§8 invariant
// 4: re-emitting a parsed plan's canonical form and re-parsing it
// yields the same plan).
func Emit(p Plan) string {
	groupStrs := make([]string, len(p.Groups))
	for i, g := range p.Groups {
		cmdStrs := make([]string, len(g.Commands))
		for j, c := range g.Commands {
			cmdStrs[j] = emitCommand(c)
		}
		groupStrs[i] = strings.Join(cmdStrs, " & ")
	}
	return strings.Join(groupStrs, " && ")
}

func emitCommand(c Command) string {
	var sb strings.Builder
	sb.WriteString(c.Name)

	opts := emitOptions(c)
	if opts != "" {
		sb.WriteString("[")
		sb.WriteString(opts)
		sb.WriteString("]")
	}

	if c.Prompt != "" {
		sb.WriteString(" '")
		sb.WriteString(strings.ReplaceAll(c.Prompt, "'", "\\'"))
		sb.WriteString("'")
	}

	return sb.String()
}

func emitOptions(c Command) string {
	var parts []string
	if len(c.Input) > 0 {
		parts = append(parts, "input:"+strings.Join(c.Input, ","))
	}
	if c.Tail != nil {
		parts = append(parts, "tail:"+strconv.Itoa(*c.Tail))
	}
	if c.Engine != nil {
		parts = append(parts, "engine:"+*c.Engine)
	}
	if c.Model != nil {
		parts = append(parts, "model:"+*c.Model)
	}
	if c.TimeoutMs != nil {
		parts = append(parts, "timeout:"+strconv.Itoa(*c.TimeoutMs))
	}
	return strings.Join(parts, ",")
}
