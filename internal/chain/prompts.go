package chain

import (
	"fmt"
	"sort"
	"strings"

	"corthex/internal/config/loader"
)

const classifySystem = `You route commands to departments. Reply with one JSON object only:
{"agent_id": "<department id>", "reason": "<one short sentence>"}`

func classifyPrompt(command string, departments []loader.Department) string {
	var b strings.Builder
	b.WriteString("Departments:\n")
	for _, d := range departments {
		fmt.Fprintf(&b, "- %s: %s", d.ID, d.Name)
		if len(d.Keywords) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(d.Keywords, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nCommand:\n")
	b.WriteString(command)
	return b.String()
}

func delegationSystem(d loader.Department) string {
	return fmt.Sprintf(`You are %s, head of the %s department. Split the command into one
instruction per specialist. Reply with one JSON object mapping specialist id to
instruction, using only these ids: %s`, d.Head, d.Name, strings.Join(specialistIDs(d), ", "))
}

func delegationPrompt(d loader.Department, command string) string {
	var b strings.Builder
	b.WriteString("Specialists:\n")
	for _, s := range d.Specialists {
		fmt.Fprintf(&b, "- %s: %s\n", s.ID, s.Role)
	}
	b.WriteString("\nCommand:\n")
	b.WriteString(command)
	return b.String()
}

func specialistSystem(d loader.Department, s loader.Specialist) string {
	role := s.Role
	if role == "" {
		role = "specialist"
	}
	out := fmt.Sprintf("You are %s, %s in the %s department.", nameOr(s.Name, s.ID), role, d.Name)
	if len(s.Tools) > 0 {
		out += "\nAvailable tools: " + strings.Join(s.Tools, ", ")
		out += "\nEnd with a line \"Tools used:\" naming the tools you relied on, or none."
	}
	out += "\nFor any ticker you assess, state BUY, SELL or HOLD explicitly."
	return out
}

// specialistPrompt carries the delegated instruction, when one exists, and
// the original command in every case.
func specialistPrompt(instruction, command string) string {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return "Command:\n" + command
	}
	return "Instruction:\n" + instruction + "\n\nOriginal command:\n" + command
}

const synthesisSignalFormat = `If the command concerns tradeable tickers, finish with one JSON object:
{"signals":[{"ticker":"...","direction":"BUY|SELL|HOLD","confidence":0-100,"target_price":0,"justification":"..."}]}`

func synthesisSystem(d loader.Department) string {
	return fmt.Sprintf(`You are %s, head of the %s department. Write one report for the CEO.
Check every specialist conclusion; call out and correct weak or wrong ones
instead of repeating them.
%s`, d.Head, nameOr(d.Name, d.ID), synthesisSignalFormat)
}

// SynthesisPrompt renders the head's reduction prompt. With no specialist
// results it is the command plus context alone.
func SynthesisPrompt(command string, results []AgentResult, extra string) string {
	var b strings.Builder
	b.WriteString("Command:\n")
	b.WriteString(command)
	if len(results) > 0 {
		sorted := append([]AgentResult(nil), results...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })
		b.WriteString("\n\nSpecialist reports:\n")
		for _, r := range sorted {
			fmt.Fprintf(&b, "\n### %s\n%s\n", r.AgentID, strings.TrimSpace(r.Content))
		}
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	return b.String()
}

func specialistIDs(d loader.Department) []string {
	ids := make([]string, 0, len(d.Specialists))
	for _, s := range d.Specialists {
		ids = append(ids, s.ID)
	}
	return ids
}

func nameOr(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return id
}
