package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	llmMu          sync.Mutex
	llmLog         *log.Logger
	llmDumpPayload bool
)

func SetLLMWriter(w io.Writer) {
	llmMu.Lock()
	defer llmMu.Unlock()
	if w == nil {
		llmLog = nil
		return
	}
	llmLog = log.New(w, "", log.LstdFlags)
}

func EnableLLMPayloadDump(enabled bool) {
	llmMu.Lock()
	llmDumpPayload = enabled
	llmMu.Unlock()
}

// LLMCall identifies one model invocation in the transcript log. Via is
// "realtime" or "batch"; Purpose is usually "<chain_id>/<step>/<agent>".
type LLMCall struct {
	Provider string
	Model    string
	Via      string
	Purpose  string
}

func (c LLMCall) header(kind string) string {
	var b strings.Builder
	b.WriteString("[LLM]")
	for _, part := range []string{kind, c.Provider, c.Model, c.Via, c.Purpose} {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(part)
		b.WriteString("]")
	}
	return b.String()
}

type llmSection struct {
	Title string
	Body  string
}

func writeLLM(header string, sections []llmSection) {
	llmMu.Lock()
	out := llmLog
	llmMu.Unlock()
	if out == nil {
		return
	}
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	out.Print(b.String())
}

func LogLLMRequest(call LLMCall, systemPrompt, userPrompt, payload string) {
	sections := []llmSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	}
	llmMu.Lock()
	dump := llmDumpPayload
	llmMu.Unlock()
	if dump && strings.TrimSpace(payload) != "" {
		sections = append(sections, llmSection{Title: "PAYLOAD", Body: payload})
	}
	writeLLM(call.header("request"), sections)
}

func LogLLMResponse(call LLMCall, raw string) {
	writeLLM(call.header("response"), []llmSection{{Title: "RAW", Body: raw}})
}
